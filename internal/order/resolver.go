package order

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
	"listen-engine/pkg/logger"
)

// QuoteService 是报价服务的抽象，例如 LiFi。
type QuoteService interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

// Resolver 将抽象订单解析为特定链上的未签名交易。
type Resolver struct {
	chains  *chain.Table
	quotes  QuoteService
	timeout time.Duration
}

// ResolverOption 定义可选配置。
type ResolverOption func(*Resolver)

// WithQuoteTimeout 限制单次询价耗时，超时按报价服务错误处理。
func WithQuoteTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewResolver 构造 Resolver，链表在进程内只读共享。
func NewResolver(chains *chain.Table, quotes QuoteService, opts ...ResolverOption) *Resolver {
	r := &Resolver{chains: chains, quotes: quotes, timeout: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Resolve 查表得到两端原生链 ID，按链家族选择地址后询价，并把报价中的交易请求
// 转换为 ResolvedTransaction。链标识未知时不会发起任何网络调用。
func (r *Resolver) Resolve(ctx context.Context, o Order, wallets Wallets) (ResolvedTransaction, error) {
	if r == nil || r.chains == nil || r.quotes == nil {
		return ResolvedTransaction{}, xerrors.New(xerrors.CodeInitializationFailure, "解析器未初始化")
	}

	fromID, fromFamily, err := r.chains.Resolve(o.FromChainCAIP2)
	if err != nil {
		return ResolvedTransaction{}, err
	}
	toID, toFamily, err := r.chains.Resolve(o.ToChainCAIP2)
	if err != nil {
		return ResolvedTransaction{}, err
	}

	fromAddress := wallets.AddressFor(fromFamily)
	toAddress := wallets.AddressFor(toFamily)
	if fromAddress == "" || toAddress == "" {
		missing := fromFamily
		if fromAddress != "" {
			missing = toFamily
		}
		return ResolvedTransaction{}, xerrors.New(CodeMissingWalletAddress, "缺少钱包地址",
			xerrors.WithMetadata("family", string(missing)))
	}

	req := QuoteRequest{
		FromChain:   strconv.FormatUint(fromID, 10),
		ToChain:     strconv.FormatUint(toID, 10),
		FromToken:   o.InputToken,
		ToToken:     o.OutputToken,
		FromAddress: fromAddress,
		ToAddress:   toAddress,
		Amount:      o.Amount,
	}

	quoteCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	quote, err := r.quotes.Quote(quoteCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ResolvedTransaction{}, xerrors.Wrap(CodeQuoteService, err, "询价超时")
		}
		return ResolvedTransaction{}, xerrors.Wrap(CodeQuoteService, err, "询价失败")
	}

	if quote == nil || quote.TransactionRequest == nil {
		return ResolvedTransaction{}, ErrNoTransactionRequest
	}
	txReq := quote.TransactionRequest
	if txReq.IsSolana() {
		return ResolvedTransaction{
			Family: chain.FamilySolana,
			Chain:  o.FromChainCAIP2,
			Solana: txReq.Data,
		}, nil
	}

	payload, err := txReq.ToJSONRPC()
	if err != nil {
		logger.L().Error("交易请求序列化失败",
			slog.Any("error", err),
			slog.String("from_chain", req.FromChain),
			slog.String("to_chain", req.ToChain),
			slog.String("from_token", req.FromToken),
			slog.String("to_token", req.ToToken),
			slog.String("from_address", req.FromAddress),
			slog.String("to_address", req.ToAddress),
			slog.String("amount", req.Amount),
			slog.String("quote_id", quote.ID),
			slog.Any("transaction_request", txReq),
		)
		return ResolvedTransaction{}, xerrors.Wrap(CodeSerialization, err, "交易请求无法转换为 JSON-RPC")
	}
	return ResolvedTransaction{
		Family: chain.FamilyEVM,
		Chain:  o.FromChainCAIP2,
		Evm:    payload,
	}, nil
}
