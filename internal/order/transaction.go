package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"listen-engine/internal/chain"
)

// QuoteRequest 是向报价服务发起询价所需的参数，链 ID 为十进制原生 ID。
type QuoteRequest struct {
	FromChain   string
	ToChain     string
	FromToken   string
	ToToken     string
	FromAddress string
	ToAddress   string
	Amount      string
}

// Quote 是报价服务的返回，TransactionRequest 为空表示没有可执行的交易。
type Quote struct {
	ID                 string
	Tool               string
	EstimatedOutput    string
	TransactionRequest *TransactionRequest
}

// TransactionRequest 是报价附带的交易请求。EVM 请求字段为 0x 十六进制或十进制字符串，
// Solana 请求只携带 Data 中的序列化交易。
type TransactionRequest struct {
	Family   chain.Family `json:"family"`
	From     string       `json:"from,omitempty"`
	To       string       `json:"to,omitempty"`
	Data     string       `json:"data"`
	Value    string       `json:"value,omitempty"`
	GasLimit string       `json:"gasLimit,omitempty"`
	GasPrice string       `json:"gasPrice,omitempty"`
	ChainID  uint64       `json:"chainId,omitempty"`
}

// IsSolana 判断请求是否面向 Solana 执行环境。
func (r *TransactionRequest) IsSolana() bool {
	return r != nil && r.Family == chain.FamilySolana
}

// evmCall 对应 eth_sendTransaction 的参数对象。
type evmCall struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Data     hexutil.Bytes   `json:"data"`
	Value    *hexutil.Big    `json:"value"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	ChainID  *hexutil.Big    `json:"chainId,omitempty"`
}

// ToJSONRPC 将 EVM 交易请求转换为 JSON-RPC 调用对象。
func (r *TransactionRequest) ToJSONRPC() (json.RawMessage, error) {
	if r == nil {
		return nil, errors.New("transaction request is nil")
	}
	if !common.IsHexAddress(r.From) {
		return nil, fmt.Errorf("invalid from address %q", r.From)
	}
	if !common.IsHexAddress(r.To) {
		return nil, fmt.Errorf("invalid to address %q", r.To)
	}

	call := evmCall{
		From: common.HexToAddress(r.From).Hex(),
		To:   common.HexToAddress(r.To).Hex(),
	}
	if data := strings.TrimSpace(r.Data); data != "" && data != "0x" {
		decoded, err := hexutil.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
		call.Data = decoded
	}

	value, err := parseQuantity(r.Value)
	if err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	if value == nil {
		value = new(big.Int)
	}
	call.Value = (*hexutil.Big)(value)

	gas, err := parseQuantity(r.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("parse gas limit: %w", err)
	}
	if gas != nil {
		if !gas.IsUint64() {
			return nil, fmt.Errorf("gas limit %s overflows uint64", gas)
		}
		limit := hexutil.Uint64(gas.Uint64())
		call.Gas = &limit
	}

	gasPrice, err := parseQuantity(r.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("parse gas price: %w", err)
	}
	if gasPrice != nil {
		call.GasPrice = (*hexutil.Big)(gasPrice)
	}
	if r.ChainID != 0 {
		call.ChainID = (*hexutil.Big)(new(big.Int).SetUint64(r.ChainID))
	}

	raw, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// parseQuantity 接受 0x 前缀的十六进制或十进制字符串，空串返回 nil。
func parseQuantity(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(raw, 0)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid quantity %q", raw)
	}
	return n, nil
}

// ResolvedTransaction 是按链家族标记、等待签名的交易。
//
// Evm 为 JSON-RPC 调用对象；Solana 为报价服务返回的原始交易负载，不做任何包装。
type ResolvedTransaction struct {
	Family chain.Family    `json:"family"`
	Chain  string          `json:"chain"`
	Evm    json.RawMessage `json:"evm,omitempty"`
	Solana string          `json:"solana,omitempty"`
}
