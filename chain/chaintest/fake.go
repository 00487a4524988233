// Package chaintest provides an in-memory chain.Node for tests.
package chaintest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"lendclient/chain"
	"lendclient/contracts"
)

// Handler answers a read for one method.
type Handler func(call contracts.Call) ([]byte, error)

// Invocation records a simulated or submitted call.
type Invocation struct {
	From        common.Address
	Call        contracts.Call
	Fingerprint common.Hash
	Hash        common.Hash
}

// Fake is a scriptable chain.Node. Handlers are keyed by method name.
type Fake struct {
	mu sync.Mutex

	block uint64
	now   time.Time
	from  common.Address

	reads     map[string]Handler
	simulate  map[string]func(from common.Address, call contracts.Call) error
	submit    map[string]func(call contracts.Call) error
	mined     map[string]func(call contracts.Call) bool
	receipts  map[common.Hash]chain.Receipt
	onConfirm map[string]func(call contracts.Call)

	readCounts  map[string]int
	simulations []Invocation
	submissions []Invocation
	batchErr    error
}

// New returns a fake signing as from at block 100.
func New(from common.Address) *Fake {
	return &Fake{
		block:      100,
		now:        time.Unix(1_700_000_000, 0).UTC(),
		from:       from,
		reads:      make(map[string]Handler),
		simulate:   make(map[string]func(common.Address, contracts.Call) error),
		submit:     make(map[string]func(contracts.Call) error),
		mined:      make(map[string]func(contracts.Call) bool),
		receipts:   make(map[common.Hash]chain.Receipt),
		onConfirm:  make(map[string]func(contracts.Call)),
		readCounts: make(map[string]int),
	}
}

// Outputs ABI-encodes values as the return data of call. It panics on
// mismatched values.
func Outputs(call contracts.Call, values ...any) []byte {
	method, ok := call.ABI.Methods[call.Method]
	if !ok {
		panic(fmt.Sprintf("chaintest: unknown method %s", call.Method))
	}
	data, err := method.Outputs.Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("chaintest: pack %s outputs: %v", call.Method, err))
	}
	return data
}

// Returns is a Handler that always answers with values.
func Returns(values ...any) Handler {
	return func(call contracts.Call) ([]byte, error) {
		return Outputs(call, values...), nil
	}
}

// Reverts is a Handler or simulation result that reverts with reason.
func Reverts(reason string) error {
	return &chain.RevertError{Name: "Error", Reason: reason, Message: "execution reverted: " + reason}
}

// OnRead installs the handler for method.
func (f *Fake) OnRead(method string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[method] = h
}

// OnSimulate installs a simulation outcome for method. The default succeeds.
func (f *Fake) OnSimulate(method string, fn func(from common.Address, call contracts.Call) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulate[method] = fn
}

// OnSubmit installs a broadcast error for method. The default succeeds.
func (f *Fake) OnSubmit(method string, fn func(call contracts.Call) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submit[method] = fn
}

// OnMined decides whether a mined transaction for method succeeded. The
// default succeeds.
func (f *Fake) OnMined(method string, fn func(call contracts.Call) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mined[method] = fn
}

// OnConfirm runs fn after a transaction for method is mined successfully, so
// tests can update the state later reads observe.
func (f *Fake) OnConfirm(method string, fn func(call contracts.Call)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConfirm[method] = fn
}

// FailBatches makes every ReadBatch fail with err.
func (f *Fake) FailBatches(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchErr = err
}

// Now returns the fake chain time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the chain forward by blocks and d.
func (f *Fake) Advance(blocks uint64, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block += blocks
	f.now = f.now.Add(d)
}

// ReadCount returns how often method was read.
func (f *Fake) ReadCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCounts[method]
}

// Simulations returns the recorded simulations in order.
func (f *Fake) Simulations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.simulations...)
}

// Submissions returns the recorded submissions in order.
func (f *Fake) Submissions() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.submissions...)
}

func (f *Fake) snapshot() chain.Snapshot {
	return chain.Snapshot{Block: f.block, Time: f.now}
}

func (f *Fake) handle(call contracts.Call) ([]byte, error) {
	f.mu.Lock()
	h, ok := f.reads[call.Method]
	f.readCounts[call.Method]++
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("chaintest: no handler for %s", call.Method)
	}
	return h(call)
}

func (f *Fake) Read(ctx context.Context, call contracts.Call) ([]byte, chain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, chain.Snapshot{}, err
	}
	if _, err := call.Pack(); err != nil {
		return nil, chain.Snapshot{}, err
	}
	data, err := f.handle(call)
	if err != nil {
		return nil, chain.Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return data, f.snapshot(), nil
}

func (f *Fake) ReadBatch(ctx context.Context, calls []contracts.Call) ([]chain.Result, chain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, chain.Snapshot{}, err
	}
	f.mu.Lock()
	batchErr := f.batchErr
	f.mu.Unlock()
	if batchErr != nil {
		return nil, chain.Snapshot{}, batchErr
	}
	results := make([]chain.Result, len(calls))
	for i, call := range calls {
		data, err := f.handle(call)
		if err != nil {
			results[i] = chain.Result{Err: fmt.Errorf("%w: %s: %w", chain.ErrCallFailed, call, err)}
			continue
		}
		results[i] = chain.Result{Data: data}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return results, f.snapshot(), nil
}

func (f *Fake) Simulate(ctx context.Context, from common.Address, call contracts.Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fp, err := call.Fingerprint()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.simulations = append(f.simulations, Invocation{From: from, Call: call, Fingerprint: fp})
	fn := f.simulate[call.Method]
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(from, call)
}

func (f *Fake) Sender() common.Address { return f.from }

func (f *Fake) Submit(ctx context.Context, call contracts.Call) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	fp, err := call.Fingerprint()
	if err != nil {
		return common.Hash{}, err
	}
	f.mu.Lock()
	fn := f.submit[call.Method]
	f.mu.Unlock()
	if fn != nil {
		if err := fn(call); err != nil {
			return common.Hash{}, err
		}
	}

	f.mu.Lock()
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(len(f.submissions)))
	hash := crypto.Keccak256Hash(fp.Bytes(), seq[:])
	f.submissions = append(f.submissions, Invocation{From: f.from, Call: call, Fingerprint: fp, Hash: hash})

	success := true
	if mined := f.mined[call.Method]; mined != nil {
		success = mined(call)
	}
	f.block++
	f.receipts[hash] = chain.Receipt{Hash: hash, Block: f.block, Success: success, GasUsed: 21_000}
	confirm := f.onConfirm[call.Method]
	f.mu.Unlock()

	if success && confirm != nil {
		confirm(call)
	}
	return hash, nil
}

func (f *Fake) AwaitReceipt(ctx context.Context, hash common.Hash) (chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return chain.Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return chain.Receipt{}, fmt.Errorf("%w: %s", chain.ErrReceiptTimeout, hash.Hex())
	}
	return receipt, nil
}

var _ chain.Node = (*Fake)(nil)
