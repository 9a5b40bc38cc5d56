package condition

import (
	"context"
	"fmt"
	"time"

	xerrors "listen-engine/internal/errors"
)

// Combinator 决定步骤顶层条件列表的组合方式。
type Combinator string

const (
	// CombinatorAll 要求全部条件成立（默认）。
	CombinatorAll Combinator = "all"
	// CombinatorAny 只要求任一条件成立。
	CombinatorAny Combinator = "any"
)

// ParseCombinator 解析配置中的组合方式，空字符串视为 all。
func ParseCombinator(raw string) (Combinator, error) {
	switch Combinator(raw) {
	case "", CombinatorAll:
		return CombinatorAll, nil
	case CombinatorAny:
		return CombinatorAny, nil
	default:
		return "", invalid(fmt.Sprintf("未知的条件组合方式: %q", raw))
	}
}

// Evaluate 对条件树求值，并在每个成功求值的节点上更新 Triggered 与 LastEvaluated。
//
// and 的空列表为真（空真），or 的空列表为假。组合节点总是求值全部子节点，
// 以便每个节点的审计字段在同一周期内一起刷新。任一叶子拿不到行情时返回
// ErrDataUnavailable，出错节点及其祖先保留上一次的求值结果。
func Evaluate(ctx context.Context, c *Condition, market MarketData, now time.Time) (bool, error) {
	var result bool
	switch c.Kind {
	case KindPriceAbove, KindPriceBelow:
		price, err := market.Price(ctx, c.Asset)
		if err != nil {
			return false, unavailable(c, err)
		}
		if c.Kind == KindPriceAbove {
			result = price > c.Threshold
		} else {
			result = price < c.Threshold
		}
	case KindPercentageChange:
		change, err := market.PercentageChange(ctx, c.Asset, c.TimeframeDuration())
		if err != nil {
			return false, unavailable(c, err)
		}
		if c.Change >= 0 {
			result = change >= c.Change
		} else {
			result = change <= c.Change
		}
	case KindAnd, KindOr:
		var firstErr error
		result = c.Kind == KindAnd
		for i := range c.Conditions {
			ok, err := Evaluate(ctx, &c.Conditions[i], market, now)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if c.Kind == KindAnd {
				result = result && ok
			} else {
				result = result || ok
			}
		}
		if firstErr != nil {
			return false, firstErr
		}
	default:
		return false, invalid(fmt.Sprintf("未知的条件类型: %q", c.Kind))
	}

	c.Triggered = result
	stamp := now
	c.LastEvaluated = &stamp
	return result, nil
}

// EvaluateAll 按组合方式对步骤的顶层条件列表求值。
//
// 空列表无论哪种组合方式都为真：没有条件的步骤在第一个周期立即执行。
func EvaluateAll(ctx context.Context, conditions []Condition, combinator Combinator, market MarketData, now time.Time) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}
	var firstErr error
	allTrue, anyTrue := true, false
	for i := range conditions {
		ok, err := Evaluate(ctx, &conditions[i], market, now)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		allTrue = allTrue && ok
		anyTrue = anyTrue || ok
	}
	if firstErr != nil {
		return false, firstErr
	}
	if combinator == CombinatorAny {
		return anyTrue, nil
	}
	return allTrue, nil
}

func unavailable(c *Condition, cause error) error {
	if xerrors.HasCode(cause, CodeDataUnavailable) {
		return cause
	}
	return xerrors.Wrap(CodeDataUnavailable, cause, "market data unavailable",
		xerrors.WithMetadata("asset", c.Asset),
		xerrors.WithMetadata("kind", string(c.Kind)),
	)
}
