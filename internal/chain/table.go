package chain

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "listen-engine/internal/errors"
)

// Family 表示链所属的执行环境家族。
type Family string

const (
	FamilyUnknown Family = ""
	FamilyEVM     Family = "evm"
	FamilySolana  Family = "solana"
)

const (
	solanaPrefix = "solana:"
	evmPrefix    = "eip155:"
)

// 内置链表覆盖的网络的 CAIP-2 标识。
const (
	Solana    = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	Ethereum  = "eip155:1"
	BSC       = "eip155:56"
	Arbitrum  = "eip155:42161"
	Base      = "eip155:8453"
	Blast     = "eip155:81457"
	Avalanche = "eip155:43114"
	Polygon   = "eip155:137"
	Scroll    = "eip155:534352"
	Optimism  = "eip155:10"
	Linea     = "eip155:59144"
	Gnosis    = "eip155:100"
	Fantom    = "eip155:250"
	Moonriver = "eip155:1285"
	Moonbeam  = "eip155:1284"
	Boba      = "eip155:288"
	Mode      = "eip155:34443"
	Metis     = "eip155:1088"
	Lisk      = "eip155:1135"
	Aurora    = "eip155:1313161554"
	Sei       = "eip155:1329"
	Immutable = "eip155:13371"
	Gravity   = "eip155:1625"
	Taiko     = "eip155:167000"
	Cronos    = "eip155:25"
	Fraxtal   = "eip155:252"
	Abstract  = "eip155:2741"
	Celo      = "eip155:42220"
	World     = "eip155:480"
	Mantle    = "eip155:5000"
	Berachain = "eip155:80094"
)

// SolanaNativeID 是报价服务用来表示 Solana 主网的数字 ID。
const SolanaNativeID uint64 = 1151111081099710

// CodeInvalidChainIdentifier 表示 CAIP-2 标识不在链表中或格式不被支持。
const CodeInvalidChainIdentifier xerrors.Code = "INVALID_CHAIN_IDENTIFIER"

// ErrInvalidChainIdentifier 是链标识无法解析时返回的错误。
var ErrInvalidChainIdentifier = xerrors.New(CodeInvalidChainIdentifier, "invalid chain identifier")

func init() {
	xerrors.Register(CodeInvalidChainIdentifier, xerrors.Attributes{
		Message:  "invalid chain identifier",
		Class:    xerrors.ClassStructural,
		Severity: xerrors.SeverityInfo,
	})
}

// FamilyOf 根据命名空间前缀判断链家族。
func FamilyOf(caip2 string) Family {
	switch {
	case strings.HasPrefix(caip2, solanaPrefix):
		return FamilySolana
	case strings.HasPrefix(caip2, evmPrefix):
		return FamilyEVM
	default:
		return FamilyUnknown
	}
}

// Table 是 CAIP-2 标识到原生链 ID 的只读映射，构造后可被并发读取。
type Table struct {
	ids map[string]uint64
}

// NewTable 使用给定映射构造链表，条目会被复制。
func NewTable(entries map[string]uint64) (*Table, error) {
	ids := make(map[string]uint64, len(entries))
	for caip2, id := range entries {
		if FamilyOf(caip2) == FamilyUnknown {
			return nil, xerrors.New(CodeInvalidChainIdentifier, fmt.Sprintf("不支持的链命名空间: %s", caip2))
		}
		if id == 0 {
			return nil, xerrors.New(CodeInvalidChainIdentifier, fmt.Sprintf("链 %s 的原生 ID 不能为 0", caip2))
		}
		ids[caip2] = id
	}
	return &Table{ids: ids}, nil
}

// DefaultEntries 返回内置的链映射副本。
func DefaultEntries() map[string]uint64 {
	return map[string]uint64{
		Solana:    SolanaNativeID,
		Ethereum:  1,
		BSC:       56,
		Arbitrum:  42161,
		Base:      8453,
		Blast:     81457,
		Avalanche: 43114,
		Polygon:   137,
		Scroll:    534352,
		Optimism:  10,
		Linea:     59144,
		Gnosis:    100,
		Fantom:    250,
		Moonriver: 1285,
		Moonbeam:  1284,
		Boba:      288,
		Mode:      34443,
		Metis:     1088,
		Lisk:      1135,
		Aurora:    1313161554,
		Sei:       1329,
		Immutable: 13371,
		Gravity:   1625,
		Taiko:     167000,
		Cronos:    25,
		Fraxtal:   252,
		Abstract:  2741,
		Celo:      42220,
		World:     480,
		Mantle:    5000,
		Berachain: 80094,
	}
}

// DefaultTable 返回内置链表。
func DefaultTable() *Table {
	table, err := NewTable(DefaultEntries())
	if err != nil {
		panic(err)
	}
	return table
}

// NativeID 精确匹配（区分大小写）查找原生链 ID。
func (t *Table) NativeID(caip2 string) (uint64, bool) {
	if t == nil {
		return 0, false
	}
	id, ok := t.ids[caip2]
	return id, ok
}

// Resolve 返回链的原生 ID 与家族；未知标识返回 ErrInvalidChainIdentifier。
func (t *Table) Resolve(caip2 string) (uint64, Family, error) {
	id, ok := t.NativeID(caip2)
	if !ok {
		return 0, FamilyUnknown, xerrors.New(CodeInvalidChainIdentifier, "invalid chain identifier",
			xerrors.WithMetadata("caip2", caip2))
	}
	return id, FamilyOf(caip2), nil
}

// Check 依次校验标识，返回第一个未登记标识的错误。
func (t *Table) Check(identifiers ...string) error {
	for _, caip2 := range identifiers {
		if _, _, err := t.Resolve(caip2); err != nil {
			return err
		}
	}
	return nil
}

// Identifiers 返回已登记的 CAIP-2 标识，按字典序排列。
func (t *Table) Identifiers() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.ids))
	for caip2 := range t.ids {
		out = append(out, caip2)
	}
	sort.Strings(out)
	return out
}

// Len 返回条目数量。
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.ids)
}

// overrides 对应 configs/chains.yaml 的结构。
type overrides struct {
	Chains map[string]uint64 `yaml:"chains"`
}

// LoadTable 在内置链表基础上叠加 YAML 文件中的条目；path 为空时直接返回内置链表。
func LoadTable(path string) (*Table, error) {
	entries := DefaultEntries()
	if strings.TrimSpace(path) == "" {
		return NewTable(entries)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取链配置失败: %w", err)
	}
	var defs overrides
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("解析链配置失败: %w", err)
	}
	for caip2, id := range defs.Chains {
		entries[caip2] = id
	}
	return NewTable(entries)
}
