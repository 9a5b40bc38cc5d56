package condition

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	xerrors "listen-engine/internal/errors"
)

// Kind 是条件树节点的类型标记。
type Kind string

const (
	KindPriceAbove       Kind = "price_above"
	KindPriceBelow       Kind = "price_below"
	KindPercentageChange Kind = "percentage_change"
	KindAnd              Kind = "and"
	KindOr               Kind = "or"
)

// maxDepth 是 Validate 接受的 and/or 最大嵌套深度。
const maxDepth = 16

// Condition 是基于行情的布尔谓词，and/or 节点可以任意嵌套。
//
// Triggered 与 LastEvaluated 只会被 Evaluate 写入，用于审计与前端展示。
type Condition struct {
	Kind       Kind        `json:"kind"`
	Asset      string      `json:"asset,omitempty"`
	Threshold  float64     `json:"threshold,omitempty"`
	Change     float64     `json:"change,omitempty"`
	Timeframe  uint64      `json:"timeframe,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`

	Triggered     bool       `json:"triggered"`
	LastEvaluated *time.Time `json:"last_evaluated,omitempty"`
}

// MarketData 提供条件求值所需的行情数据。
//
// PercentageChange 返回的是百分比数值，例如上涨 5% 返回 5。
type MarketData interface {
	Price(ctx context.Context, asset string) (float64, error)
	PercentageChange(ctx context.Context, asset string, timeframe time.Duration) (float64, error)
}

const (
	// CodeDataUnavailable 表示行情数据暂时不可用，步骤保留待处理并在下个周期重试。
	CodeDataUnavailable xerrors.Code = "DATA_UNAVAILABLE"
	// CodeInvalidCondition 表示条件结构不合法。
	CodeInvalidCondition xerrors.Code = "INVALID_CONDITION"
)

// ErrDataUnavailable 用于 errors.Is 判断行情缺失。
var ErrDataUnavailable = xerrors.New(CodeDataUnavailable, "market data unavailable")

func init() {
	xerrors.Register(CodeDataUnavailable, xerrors.Attributes{
		Message:  "market data unavailable",
		Class:    xerrors.ClassTransient,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidCondition, xerrors.Attributes{
		Message:  "invalid condition",
		Class:    xerrors.ClassStructural,
		Severity: xerrors.SeverityInfo,
	})
}

// PriceAbove 构造价格高于阈值的条件。
func PriceAbove(asset string, threshold float64) Condition {
	return Condition{Kind: KindPriceAbove, Asset: asset, Threshold: threshold}
}

// PriceBelow 构造价格低于阈值的条件。
func PriceBelow(asset string, threshold float64) Condition {
	return Condition{Kind: KindPriceBelow, Asset: asset, Threshold: threshold}
}

// PercentageChange 构造涨跌幅条件，change 的符号决定方向。
func PercentageChange(asset string, change float64, timeframe time.Duration) Condition {
	return Condition{
		Kind:      KindPercentageChange,
		Asset:     asset,
		Change:    change,
		Timeframe: uint64(timeframe / time.Second),
	}
}

// And 构造逻辑与节点。
func And(conditions ...Condition) Condition {
	return Condition{Kind: KindAnd, Conditions: conditions}
}

// Or 构造逻辑或节点。
func Or(conditions ...Condition) Condition {
	return Condition{Kind: KindOr, Conditions: conditions}
}

// TimeframeDuration 返回涨跌幅窗口长度。
func (c Condition) TimeframeDuration() time.Duration {
	return time.Duration(c.Timeframe) * time.Second
}

// Clone 深拷贝条件树。
func (c Condition) Clone() Condition {
	out := c
	if c.LastEvaluated != nil {
		ts := *c.LastEvaluated
		out.LastEvaluated = &ts
	}
	if c.Conditions != nil {
		out.Conditions = make([]Condition, len(c.Conditions))
		for i := range c.Conditions {
			out.Conditions[i] = c.Conditions[i].Clone()
		}
	}
	return out
}

// String 以紧凑形式输出条件树，用于日志。
func (c Condition) String() string {
	switch c.Kind {
	case KindPriceAbove:
		return fmt.Sprintf("price(%s) > %g", c.Asset, c.Threshold)
	case KindPriceBelow:
		return fmt.Sprintf("price(%s) < %g", c.Asset, c.Threshold)
	case KindPercentageChange:
		return fmt.Sprintf("change(%s, %ds) %+g%%", c.Asset, c.Timeframe, c.Change)
	case KindAnd, KindOr:
		parts := make([]string, len(c.Conditions))
		for i := range c.Conditions {
			parts[i] = c.Conditions[i].String()
		}
		return fmt.Sprintf("%s(%s)", c.Kind, strings.Join(parts, ", "))
	default:
		return fmt.Sprintf("unknown(%s)", c.Kind)
	}
}

// Validate 检查条件树结构。
func Validate(c Condition) error {
	return validate(c, 0)
}

func validate(c Condition, depth int) error {
	if depth > maxDepth {
		return invalid(fmt.Sprintf("条件嵌套超过 %d 层", maxDepth))
	}
	switch c.Kind {
	case KindPriceAbove, KindPriceBelow:
		if strings.TrimSpace(c.Asset) == "" {
			return invalid("价格条件缺少资产")
		}
		if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) {
			return invalid("价格阈值必须是有限数值")
		}
	case KindPercentageChange:
		if strings.TrimSpace(c.Asset) == "" {
			return invalid("涨跌幅条件缺少资产")
		}
		if math.IsNaN(c.Change) || math.IsInf(c.Change, 0) {
			return invalid("涨跌幅必须是有限数值")
		}
		if c.Timeframe == 0 {
			return invalid("涨跌幅条件的时间窗口不能为 0")
		}
	case KindAnd, KindOr:
		for i := range c.Conditions {
			if err := validate(c.Conditions[i], depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return invalid(fmt.Sprintf("未知的条件类型: %q", c.Kind))
	}
	if len(c.Conditions) > 0 {
		return invalid(fmt.Sprintf("%s 条件不能包含子条件", c.Kind))
	}
	return nil
}

func invalid(message string) error {
	return xerrors.New(CodeInvalidCondition, message)
}
