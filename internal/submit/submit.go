package submit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
)

// SigningRequest 是发给签名服务的消息体。SubmissionID 同时作为消息 ID，便于下游去重。
type SigningRequest struct {
	SubmissionID string          `json:"submission_id"`
	Family       chain.Family    `json:"family"`
	Chain        string          `json:"chain"`
	Evm          json.RawMessage `json:"evm,omitempty"`
	Solana       string          `json:"solana,omitempty"`
	RequestedAt  time.Time       `json:"requested_at"`
}

// NewSigningRequest 校验交易负载并生成新的提交 ID。
func NewSigningRequest(tx order.ResolvedTransaction, now time.Time) (SigningRequest, error) {
	switch tx.Family {
	case chain.FamilyEVM:
		if len(tx.Evm) == 0 {
			return SigningRequest{}, xerrors.New(xerrors.CodeInvalidArgument, "EVM 交易缺少 JSON-RPC 负载")
		}
	case chain.FamilySolana:
		if tx.Solana == "" {
			return SigningRequest{}, xerrors.New(xerrors.CodeInvalidArgument, "Solana 交易缺少序列化负载")
		}
	default:
		return SigningRequest{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的交易链族",
			xerrors.WithMetadata("family", string(tx.Family)))
	}
	return SigningRequest{
		SubmissionID: uuid.NewString(),
		Family:       tx.Family,
		Chain:        tx.Chain,
		Evm:          tx.Evm,
		Solana:       tx.Solana,
		RequestedAt:  now.UTC(),
	}, nil
}

// MemorySubmitter 把签名请求保存在内存中，适用于开发与测试。
type MemorySubmitter struct {
	mu       sync.Mutex
	requests []SigningRequest
	now      func() time.Time
}

// NewMemorySubmitter 创建内存提交端。
func NewMemorySubmitter() *MemorySubmitter {
	return &MemorySubmitter{now: time.Now}
}

// SignAndSubmit 记录签名请求并返回提交 ID。
func (s *MemorySubmitter) SignAndSubmit(ctx context.Context, tx order.ResolvedTransaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req, err := NewSigningRequest(tx, s.now())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return req.SubmissionID, nil
}

// Requests 返回已记录请求的副本。
func (s *MemorySubmitter) Requests() []SigningRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SigningRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Close 对内存实现无操作。
func (s *MemorySubmitter) Close() error { return nil }
