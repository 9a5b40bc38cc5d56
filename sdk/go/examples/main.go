package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"time"

	"listen-engine/internal/api"
	"listen-engine/internal/engine"
	"listen-engine/sdk/go/listen"
)

// 在进程内启动 API，演示通过 SDK 创建、查询与取消流水线。
func main() {
	svc := engine.NewService(engine.NewMemoryStore())
	srv := httptest.NewServer(api.NewServer(":0", svc).Handler())
	defer srv.Close()

	client, err := listen.NewClient(srv.URL, listen.WithBusyRetries(3))
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	step := json.RawMessage(`{
		"id": "buy",
		"order": {
			"input_token": "So11111111111111111111111111111111111111112",
			"output_token": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			"amount": "1000000000",
			"from_chain_caip2": "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
			"to_chain_caip2": "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
		},
		"conditions": [{"kind": "price_above", "asset": "SOL", "threshold": 200}]
	}`)
	p, err := client.CreatePipeline(ctx, listen.CreatePipeline{UserID: "demo", Steps: []json.RawMessage{step}})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created %s status=%s frontier=%v\n", p.ID, p.Status, p.CurrentSteps)

	p, err = client.CancelPipeline(ctx, p.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("cancelled %s status=%s\n", p.ID, p.Status)

	stats, err := client.Stats(ctx, listen.ListQuery{UserID: "demo"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("stats total=%d cancelled=%d\n", stats.Total, stats.Cancelled)
}
