package wallet

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"listen-engine/internal/chain"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/order"
)

const (
	lowerEVM = "0xccc2b6d1a6e253d2a565ab1c3b2c3323b0b8c0c2"
	solAddr  = "aiamaErRMjbeNmf2b8BMZWFR3ofxrnZEf2mLKp935fM"
)

func TestBookChecksumsEVMAddress(t *testing.T) {
	book, err := NewBook(map[string]Entry{"u1": {EVM: lowerEVM, Solana: solAddr}})
	if err != nil {
		t.Fatalf("NewBook 返回错误: %v", err)
	}
	got, err := book.AddressFor(context.Background(), "u1", chain.FamilyEVM)
	if err != nil {
		t.Fatalf("AddressFor 返回错误: %v", err)
	}
	if got != common.HexToAddress(lowerEVM).Hex() {
		t.Fatalf("应返回校验和地址: %s", got)
	}
	if sol, _ := book.AddressFor(context.Background(), "u1", chain.FamilySolana); sol != solAddr {
		t.Fatalf("Solana 地址错误: %s", sol)
	}
}

func TestBookMissingAddress(t *testing.T) {
	book, _ := NewBook(map[string]Entry{"u1": {EVM: lowerEVM}})
	for _, tc := range []struct {
		user   string
		family chain.Family
	}{
		{"u1", chain.FamilySolana},
		{"nobody", chain.FamilyEVM},
		{"u1", chain.FamilyUnknown},
	} {
		_, err := book.AddressFor(context.Background(), tc.user, tc.family)
		if !xerrors.HasCode(err, order.CodeMissingWalletAddress) {
			t.Fatalf("%s/%s 应返回 MISSING_WALLET_ADDRESS, 得到 %v", tc.user, tc.family, err)
		}
		if xerrors.RetryableError(err) {
			t.Fatal("缺少钱包不应重试")
		}
	}
}

func TestBookRejectsInvalidAddresses(t *testing.T) {
	cases := []map[string]Entry{
		{"u1": {EVM: "0x1234"}},
		{"u1": {Solana: "0OIl-not-base58-address-000000000000"}},
		// 字符集合法但只能解码出 24 字节。
		{"u1": {Solana: "22222222222222222222222222222222"}},
		{"u1": {Solana: solAddr + "1"}},
		{"  ": {EVM: lowerEVM}},
	}
	for _, entries := range cases {
		if _, err := NewBook(entries); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("%v 应被拒绝, 得到 %v", entries, err)
		}
	}
}

func TestBookAcceptsSystemProgramStyleAddress(t *testing.T) {
	// 32 个 "1" 解码为 32 个零字节，长度合法。
	if _, err := NewBook(map[string]Entry{"u1": {Solana: "11111111111111111111111111111111"}}); err != nil {
		t.Fatalf("32 字节公钥应被接受: %v", err)
	}
}
