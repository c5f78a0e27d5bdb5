// Package maker binds the two DSS governance contracts a spell run touches:
// the Chief, which reports the current hat, and the spell itself.
package maker

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"cast-on-tenderly/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const chiefABIJSON = `[
	{"type":"function","name":"hat","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const spellABIJSON = `[
	{"type":"function","name":"schedule","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"cast","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"eta","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	chiefABI = mustParseABI(chiefABIJSON)
	spellABI = mustParseABI(spellABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("maker: invalid abi: %v", err))
	}
	return parsed
}

// HatSlotKey returns the storage key of a value slot index.
func HatSlotKey(slot uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(slot))
}

// HatSlotValue left-pads an address to a full storage word.
func HatSlotValue(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// Chief is a read-only binding of DSChief.
type Chief struct {
	address common.Address
	caller  web3.Caller
}

// NewChief binds the Chief deployed at address.
func NewChief(address common.Address, caller web3.Caller) *Chief {
	return &Chief{address: address, caller: caller}
}

// Hat returns the address currently holding governance authority.
func (c *Chief) Hat(ctx context.Context) (common.Address, error) {
	data, err := chiefABI.Pack("hat")
	if err != nil {
		return common.Address{}, fmt.Errorf("编码 hat 调用失败: %w", err)
	}
	out, err := c.caller.Call(ctx, c.address, data)
	if err != nil {
		return common.Address{}, err
	}
	values, err := chiefABI.Unpack("hat", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("解析 hat 返回值失败: %w", err)
	}
	hat, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("hat 返回了意外类型 %T", values[0])
	}
	return hat, nil
}

// Spell is a binding of a DSS spell.
type Spell struct {
	address common.Address
	caller  web3.Caller
}

// NewSpell binds the spell deployed at address.
func NewSpell(address common.Address, caller web3.Caller) *Spell {
	return &Spell{address: address, caller: caller}
}

// ScheduleTx builds the schedule() transaction.
func (s *Spell) ScheduleTx(from common.Address, gas uint64) web3.TxRequest {
	return s.tx("schedule", from, gas)
}

// CastTx builds the cast() transaction.
func (s *Spell) CastTx(from common.Address, gas uint64) web3.TxRequest {
	return s.tx("cast", from, gas)
}

func (s *Spell) tx(method string, from common.Address, gas uint64) web3.TxRequest {
	data, err := spellABI.Pack(method)
	if err != nil {
		panic(fmt.Sprintf("maker: pack %s: %v", method, err))
	}
	return web3.TxRequest{From: from, To: s.address, Data: data, Gas: gas}
}

// Eta returns the timestamp after which the spell can be cast. Zero means the
// spell has not been scheduled.
func (s *Spell) Eta(ctx context.Context) (*big.Int, error) {
	data, err := spellABI.Pack("eta")
	if err != nil {
		return nil, fmt.Errorf("编码 eta 调用失败: %w", err)
	}
	out, err := s.caller.Call(ctx, s.address, data)
	if err != nil {
		return nil, err
	}
	values, err := spellABI.Unpack("eta", out)
	if err != nil {
		return nil, fmt.Errorf("解析 eta 返回值失败: %w", err)
	}
	eta, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("eta 返回了意外类型 %T", values[0])
	}
	return eta, nil
}

// Selector returns the 4-byte selector of a spell or chief method, used to
// recognise calldata in tests and audit logs.
func Selector(method string) []byte {
	if m, ok := spellABI.Methods[method]; ok {
		return m.ID
	}
	if m, ok := chiefABI.Methods[method]; ok {
		return m.ID
	}
	return nil
}
