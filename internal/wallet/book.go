// Package wallet 提供用户链上地址的查询。
package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
)

// Entry 是单个用户的地址配置。
type Entry struct {
	EVM    string `json:"evm"`
	Solana string `json:"solana"`
}

// Book 是静态地址簿，EVM 地址在加载时统一为校验和格式。
type Book struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewBook 校验并加载地址簿。
func NewBook(entries map[string]Entry) (*Book, error) {
	b := &Book{entries: make(map[string]Entry, len(entries))}
	for userID, entry := range entries {
		if err := b.Set(userID, entry); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Set 更新用户地址。
func (b *Book) Set(userID string, entry Entry) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	entry.EVM = strings.TrimSpace(entry.EVM)
	entry.Solana = strings.TrimSpace(entry.Solana)
	if entry.EVM != "" {
		if !common.IsHexAddress(entry.EVM) {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("用户 %s 的 EVM 地址无效: %q", userID, entry.EVM))
		}
		entry.EVM = common.HexToAddress(entry.EVM).Hex()
	}
	if entry.Solana != "" && !isSolanaAddress(entry.Solana) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("用户 %s 的 Solana 地址无效: %q", userID, entry.Solana))
	}
	b.mu.Lock()
	b.entries[userID] = entry
	b.mu.Unlock()
	return nil
}

// AddressFor 返回用户在指定链族上的地址，缺失时返回 MISSING_WALLET_ADDRESS。
func (b *Book) AddressFor(_ context.Context, userID string, family chain.Family) (string, error) {
	b.mu.RLock()
	entry, ok := b.entries[userID]
	b.mu.RUnlock()
	var address string
	if ok {
		switch family {
		case chain.FamilyEVM:
			address = entry.EVM
		case chain.FamilySolana:
			address = entry.Solana
		}
	}
	if address == "" {
		return "", xerrors.New(order.CodeMissingWalletAddress, "用户缺少该链族的钱包地址",
			xerrors.WithMetadata("user_id", userID),
			xerrors.WithMetadata("family", string(family)))
	}
	return address, nil
}

// solanaKeySize 是 ed25519 公钥的字节数。
const solanaKeySize = 32

// isSolanaAddress 要求地址是 base58 编码且解码后恰为 32 字节公钥。
func isSolanaAddress(address string) bool {
	key, err := base58.Decode(address)
	return err == nil && len(key) == solanaKeySize
}
