package order

import (
	"fmt"
	"math/big"
	"strings"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
)

// Order 描述一次跨链兑换意图，创建后不可修改。
//
// Amount 使用资产最小单位的十进制整数字符串，解析器不做精度换算。
type Order struct {
	InputToken     string `json:"input_token"`
	OutputToken    string `json:"output_token"`
	Amount         string `json:"amount"`
	FromChainCAIP2 string `json:"from_chain_caip2"`
	ToChainCAIP2   string `json:"to_chain_caip2"`
}

// Wallets 保存用户在两个链家族上的地址。
type Wallets struct {
	EVM    string `json:"evm"`
	Solana string `json:"solana"`
}

// AddressFor 返回指定链家族的地址。
func (w Wallets) AddressFor(family chain.Family) string {
	switch family {
	case chain.FamilyEVM:
		return w.EVM
	case chain.FamilySolana:
		return w.Solana
	default:
		return ""
	}
}

const (
	CodeInvalidOrder         xerrors.Code = "INVALID_ORDER"
	CodeQuoteService         xerrors.Code = "QUOTE_SERVICE_ERROR"
	CodeNoTransactionRequest xerrors.Code = "NO_TRANSACTION_REQUEST"
	CodeSerialization        xerrors.Code = "SERIALIZATION_ERROR"
	CodeMissingWalletAddress xerrors.Code = "MISSING_WALLET_ADDRESS"
)

var (
	// ErrInvalidChainIdentifier 与 chain 包中的错误码一致，方便调用方只依赖 order 包。
	ErrInvalidChainIdentifier = chain.ErrInvalidChainIdentifier
	// ErrQuoteService 表示报价服务暂时失败，可在后续周期重试。
	ErrQuoteService = xerrors.New(CodeQuoteService, "quote service error")
	// ErrNoTransactionRequest 表示报价中没有可执行的交易请求。
	ErrNoTransactionRequest = xerrors.New(CodeNoTransactionRequest, "no transaction request")
	// ErrSerialization 表示交易请求无法转换为目标格式。
	ErrSerialization = xerrors.New(CodeSerialization, "serialization error")
)

func init() {
	xerrors.Register(CodeInvalidOrder, xerrors.Attributes{
		Message:  "invalid order",
		Class:    xerrors.ClassStructural,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeQuoteService, xerrors.Attributes{
		Message:  "quote service error",
		Class:    xerrors.ClassTransient,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeNoTransactionRequest, xerrors.Attributes{
		Message:  "no transaction request",
		Class:    xerrors.ClassExecution,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeSerialization, xerrors.Attributes{
		Message:  "serialization error",
		Class:    xerrors.ClassSerialization,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeMissingWalletAddress, xerrors.Attributes{
		Message:  "missing wallet address",
		Class:    xerrors.ClassExecution,
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Validate 对订单做结构校验，链标识只检查命名空间，具体条目在解析时查表。
func Validate(o Order) error {
	if strings.TrimSpace(o.InputToken) == "" {
		return invalidOrder("input_token 不能为空")
	}
	if strings.TrimSpace(o.OutputToken) == "" {
		return invalidOrder("output_token 不能为空")
	}
	amount, ok := new(big.Int).SetString(o.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return invalidOrder(fmt.Sprintf("amount 必须是正的十进制整数: %q", o.Amount))
	}
	if chain.FamilyOf(o.FromChainCAIP2) == chain.FamilyUnknown {
		return xerrors.New(chain.CodeInvalidChainIdentifier, fmt.Sprintf("不支持的 from_chain_caip2: %q", o.FromChainCAIP2))
	}
	if chain.FamilyOf(o.ToChainCAIP2) == chain.FamilyUnknown {
		return xerrors.New(chain.CodeInvalidChainIdentifier, fmt.Sprintf("不支持的 to_chain_caip2: %q", o.ToChainCAIP2))
	}
	return nil
}

func invalidOrder(message string) error {
	return xerrors.New(CodeInvalidOrder, message)
}
