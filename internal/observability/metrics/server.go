package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// StartServer 启动独立的 /metrics HTTP 服务，阻塞到 ctx 取消或监听失败。
func StartServer(ctx context.Context, addr string, recorder *Recorder) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	if recorder == nil {
		recorder = Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
