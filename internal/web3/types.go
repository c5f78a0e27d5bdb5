package web3

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReverted is returned when a mined transaction reports a failed status.
var ErrReverted = errors.New("transaction reverted")

// TxRequest describes an unsigned transaction submitted through an unlocked
// fork account. Gas is always explicit; fork nodes are never asked to estimate.
type TxRequest struct {
	From common.Address
	To   common.Address
	Data []byte
	Gas  uint64
}

// Receipt is the subset of a transaction receipt the caster inspects.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Status      uint64
}

// Caller performs read-only contract calls against the latest state.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Node is the set of fork node operations a run needs, including the
// non-standard simulation methods.
type Node interface {
	Caller
	Accounts(ctx context.Context) ([]common.Address, error)
	SetStorageAt(ctx context.Context, contract common.Address, slot, value common.Hash) error
	IncreaseTime(ctx context.Context, seconds uint64) error
	Snapshot(ctx context.Context) (string, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
	Close()
}
