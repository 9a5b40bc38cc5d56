// Package lifi 实现基于 LiFi /v1/quote 接口的报价服务。
package lifi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
	"listen-engine/pkg/logger"
)

// DefaultBaseURL 是 LiFi 公共 API 地址。
const DefaultBaseURL = "https://li.quest"

// Config 描述报价客户端参数。
type Config struct {
	BaseURL           string
	APIKey            string
	Integrator        string
	Slippage          float64
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Client 调用 LiFi 报价接口，请求经过令牌桶限速。
type Client struct {
	baseURL    string
	apiKey     string
	integrator string
	slippage   float64
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ order.QuoteService = (*Client)(nil)

// Option 定义客户端可选配置。
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client，主要用于测试。
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New 构造报价客户端。
func New(cfg Config, opts ...Option) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		integrator: cfg.Integrator,
		slippage:   cfg.Slippage,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type quoteResponse struct {
	ID       string `json:"id"`
	Tool     string `json:"tool"`
	Estimate struct {
		ToAmount string `json:"toAmount"`
	} `json:"estimate"`
	TransactionRequest *transactionRequest `json:"transactionRequest"`
}

type transactionRequest struct {
	From     string      `json:"from"`
	To       string      `json:"to"`
	Data     string      `json:"data"`
	Value    string      `json:"value"`
	GasLimit string      `json:"gasLimit"`
	GasPrice string      `json:"gasPrice"`
	ChainID  json.Number `json:"chainId"`
}

type errorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Quote 请求报价。网络错误与 429/5xx 视为可重试，其余 4xx 为终态错误。
func (c *Client) Quote(ctx context.Context, req order.QuoteRequest) (*order.Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(order.CodeQuoteService, err, "等待报价限流失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/quote?"+c.query(req).Encode(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造报价请求失败")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("x-lifi-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "报价请求超时")
		}
		return nil, xerrors.Wrap(order.CodeQuoteService, err, "报价请求失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, xerrors.Wrap(order.CodeQuoteService, err, "读取报价响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var decoded quoteResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.Wrap(order.CodeQuoteService, err, "解析报价响应失败")
	}
	quote := &order.Quote{
		ID:              decoded.ID,
		Tool:            decoded.Tool,
		EstimatedOutput: decoded.Estimate.ToAmount,
	}
	if decoded.TransactionRequest != nil {
		txReq, err := toTransactionRequest(req, decoded.TransactionRequest)
		if err != nil {
			return nil, err
		}
		quote.TransactionRequest = txReq
	}
	logger.L().Debug("获得报价",
		slog.String("quote_id", quote.ID),
		slog.String("tool", quote.Tool),
		slog.String("from_chain", req.FromChain),
		slog.String("to_chain", req.ToChain),
		slog.Bool("has_transaction", quote.TransactionRequest != nil))
	return quote, nil
}

func (c *Client) query(req order.QuoteRequest) url.Values {
	q := url.Values{}
	q.Set("fromChain", req.FromChain)
	q.Set("toChain", req.ToChain)
	q.Set("fromToken", req.FromToken)
	q.Set("toToken", req.ToToken)
	q.Set("fromAddress", req.FromAddress)
	q.Set("toAddress", req.ToAddress)
	q.Set("fromAmount", req.Amount)
	if c.integrator != "" {
		q.Set("integrator", c.integrator)
	}
	if c.slippage > 0 {
		q.Set("slippage", strconv.FormatFloat(c.slippage, 'f', -1, 64))
	}
	return q
}

// toTransactionRequest 按源链判断执行环境：源链为 Solana 时交易在 Solana 上签名。
func toTransactionRequest(req order.QuoteRequest, raw *transactionRequest) (*order.TransactionRequest, error) {
	if req.FromChain == strconv.FormatUint(chain.SolanaNativeID, 10) {
		return &order.TransactionRequest{Family: chain.FamilySolana, Data: raw.Data}, nil
	}
	out := &order.TransactionRequest{
		Family:   chain.FamilyEVM,
		From:     raw.From,
		To:       raw.To,
		Data:     raw.Data,
		Value:    raw.Value,
		GasLimit: raw.GasLimit,
		GasPrice: raw.GasPrice,
	}
	if raw.ChainID != "" {
		id, err := strconv.ParseUint(raw.ChainID.String(), 10, 64)
		if err != nil {
			return nil, xerrors.Wrap(order.CodeSerialization, err, "报价返回的 chainId 无效")
		}
		out.ChainID = id
	}
	return out, nil
}

func statusError(status int, body []byte) error {
	var decoded errorResponse
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Message != "" {
		message = decoded.Message
	}
	if len(message) > 512 {
		message = message[:512]
	}
	cause := fmt.Errorf("lifi returned %d: %s", status, message)
	message = "报价请求被拒绝"
	if status == http.StatusTooManyRequests || status >= 500 {
		message = "报价服务暂时不可用"
	}
	// 所有非 2xx 应答都按报价服务错误处理，由引擎在重试预算内重试。
	return xerrors.Wrap(order.CodeQuoteService, cause, message, xerrors.WithMetadata("status", strconv.Itoa(status)))
}
