// Package chain is the node access layer: consistent reads pinned to one
// block, simulations from the caller's address, and signed submissions with
// bounded receipt polling.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lendclient/contracts"
)

var (
	// ErrNoSigner is returned by Submit when the client was built without a key.
	ErrNoSigner = errors.New("chain: no signer configured")
	// ErrReceiptTimeout is returned when a transaction is not mined in time.
	ErrReceiptTimeout = errors.New("chain: timed out waiting for receipt")
	// ErrCallFailed marks a batched sub-call that reverted.
	ErrCallFailed = errors.New("chain: call failed")
)

// Snapshot identifies the chain state a read observed.
type Snapshot struct {
	Block uint64
	Time  time.Time
}

// IsZero reports whether the snapshot was never populated.
func (s Snapshot) IsZero() bool { return s.Block == 0 && s.Time.IsZero() }

// Result is the outcome of one call inside a batched read.
type Result struct {
	Data []byte
	Err  error
}

// Receipt is the mined outcome of a submitted transaction.
type Receipt struct {
	Hash    common.Hash
	Block   uint64
	Success bool
	GasUsed uint64
}

// Reader performs view calls. Every call in one ReadBatch observes the same
// block.
type Reader interface {
	Read(ctx context.Context, call contracts.Call) ([]byte, Snapshot, error)
	ReadBatch(ctx context.Context, calls []contracts.Call) ([]Result, Snapshot, error)
}

// Simulator dry-runs a state-changing call as the given sender.
type Simulator interface {
	Simulate(ctx context.Context, from common.Address, call contracts.Call) error
}

// Writer signs and broadcasts calls and waits for them to be mined.
type Writer interface {
	Sender() common.Address
	Submit(ctx context.Context, call contracts.Call) (common.Hash, error)
	AwaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
}

// Node is the full surface flows depend on.
type Node interface {
	Reader
	Simulator
	Writer
}
