package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendclient/contracts"
	"lendclient/lending"
)

type stubBackend struct {
	mu       sync.Mutex
	head     uint64
	blocks   []*big.Int
	froms    []common.Address
	call     func(msg ethereum.CallMsg) ([]byte, error)
	estimate func(msg ethereum.CallMsg) (uint64, error)
	sent     []*gethtypes.Transaction
	receipts []*gethtypes.Receipt
}

func (s *stubBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (s *stubBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &gethtypes.Header{Number: new(big.Int).SetUint64(s.head), Time: 1_700_000_000, BaseFee: big.NewInt(10)}, nil
}

func (s *stubBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	s.mu.Lock()
	s.blocks = append(s.blocks, block)
	s.froms = append(s.froms, msg.From)
	fn := s.call
	s.mu.Unlock()
	return fn(msg)
}

func (s *stubBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if s.estimate != nil {
		return s.estimate(msg)
	}
	return 100_000, nil
}

func (s *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (s *stubBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (s *stubBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, tx)
	return nil
}

func (s *stubBackend) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.receipts) == 0 {
		return nil, ethereum.NotFound
	}
	next := s.receipts[0]
	s.receipts = s.receipts[1:]
	if next == nil {
		return nil, ethereum.NotFound
	}
	return next, nil
}

type jsonRPCError struct {
	msg  string
	data string
}

func (e jsonRPCError) Error() string          { return e.msg }
func (e jsonRPCError) ErrorData() interface{} { return e.data }

var (
	token  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	market = common.HexToAddress("0x5000000000000000000000000000000000000005")
	holder = common.HexToAddress("0x1000000000000000000000000000000000000001")
)

func TestReadBatchPinsOneBlock(t *testing.T) {
	balance := contracts.Token{Address: token}.BalanceOf(holder)
	backend := &stubBackend{head: 42, call: func(msg ethereum.CallMsg) ([]byte, error) {
		return contracts.ParsedERC20.Methods["balanceOf"].Outputs.Pack(big.NewInt(5))
	}}
	client := NewClient(backend)

	results, snap, err := client.ReadBatch(context.Background(), []contracts.Call{balance, balance, balance})
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if snap.Block != 42 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: %v", i, r.Err)
		}
		got, err := contracts.DecodeAmount(balance, r.Data)
		if err != nil || got.String() != "5" {
			t.Fatalf("result %d decoded %v %v", i, got, err)
		}
	}
	for _, block := range backend.blocks {
		if block == nil || block.Uint64() != 42 {
			t.Fatalf("call not pinned to head: %v", block)
		}
	}
}

func TestReadBatchReportsPerCallRevert(t *testing.T) {
	backend := &stubBackend{head: 9, call: func(msg ethereum.CallMsg) ([]byte, error) {
		if *msg.To == market {
			return nil, errors.New("execution reverted: missing")
		}
		return contracts.ParsedERC20.Methods["balanceOf"].Outputs.Pack(big.NewInt(1))
	}}
	client := NewClient(backend)
	results, _, err := client.ReadBatch(context.Background(), []contracts.Call{
		contracts.Token{Address: token}.BalanceOf(holder),
		contracts.LoanMarketContract{Address: market}.GetLoan(1),
	})
	if err != nil {
		t.Fatalf("batch must not fail on a single revert: %v", err)
	}
	if results[0].Err != nil || !errors.Is(results[1].Err, ErrCallFailed) {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestReadBatchThroughMulticall(t *testing.T) {
	type result struct {
		Success    bool
		ReturnData []byte
	}
	balance, _ := contracts.ParsedERC20.Methods["balanceOf"].Outputs.Pack(big.NewInt(77))
	backend := &stubBackend{head: 5, call: func(msg ethereum.CallMsg) ([]byte, error) {
		if *msg.To != contracts.Multicall3Address {
			t.Fatalf("expected a single multicall, got call to %s", msg.To.Hex())
		}
		return contracts.ParsedMulticall3.Methods["aggregate3"].Outputs.Pack([]result{
			{Success: true, ReturnData: balance},
			{Success: false},
		})
	}}
	client := NewClient(backend, WithMulticall(contracts.Multicall3Address))
	results, _, err := client.ReadBatch(context.Background(), []contracts.Call{
		contracts.Token{Address: token}.BalanceOf(holder),
		contracts.LoanMarketContract{Address: market}.GetLoan(1),
	})
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	if len(backend.blocks) != 1 {
		t.Fatalf("expected one eth_call, got %d", len(backend.blocks))
	}
	if results[0].Err != nil || !errors.Is(results[1].Err, ErrCallFailed) {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestSimulateDecodesCustomError(t *testing.T) {
	custom := contracts.ParsedLoanMarket.Errors["InsufficientCollateral"]
	args, err := custom.Inputs.Pack(big.NewInt(10), big.NewInt(9))
	if err != nil {
		t.Fatalf("pack error args: %v", err)
	}
	payload := append(append([]byte{}, custom.ID[:4]...), args...)
	backend := &stubBackend{call: func(ethereum.CallMsg) ([]byte, error) {
		return nil, jsonRPCError{msg: "execution reverted", data: hexutil.Encode(payload)}
	}}
	client := NewClient(backend)

	call := contracts.LoanMarketContract{Address: market}.AcceptLenderOffer(1, lending.NewAmount(10), lending.NewAmount(9))
	err = client.Simulate(context.Background(), holder, call)
	var revert *RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("expected revert error, got %v", err)
	}
	if revert.Name != "InsufficientCollateral" || len(revert.Args) != 2 {
		t.Fatalf("unexpected revert %+v", revert)
	}
	if backend.froms[0] != holder {
		t.Fatalf("simulation must run as the caller, got %s", backend.froms[0].Hex())
	}
	if backend.blocks[0] != nil {
		t.Fatalf("simulation must run against latest state")
	}
}

func TestSimulateDecodesReasonString(t *testing.T) {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("string type: %v", err)
	}
	args, err := abi.Arguments{{Type: stringType}}.Pack("Oracle: stale price")
	if err != nil {
		t.Fatalf("encode revert: %v", err)
	}
	revert := DecodeRevertData(append([]byte{0x08, 0xc3, 0x79, 0xa0}, args...))
	if revert.Name != "Error" || revert.Reason != "Oracle: stale price" {
		t.Fatalf("unexpected revert %+v", revert)
	}
}

func TestSimulateTransportError(t *testing.T) {
	backend := &stubBackend{call: func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	err := NewClient(backend).Simulate(context.Background(), holder, contracts.LoanMarketContract{Address: market}.RepayLoan(1, lending.NewAmount(1)))
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := AsRevert(err); ok {
		t.Fatalf("transport failure must not be classified as a revert")
	}
}

func TestSubmitSignsPackedCall(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := &stubBackend{}
	client := NewClient(backend, WithSigner(key, big.NewInt(31337)), WithGasBuffer(15_000))

	call := contracts.LoanMarketContract{Address: market}.RepayLoan(3, lending.NewAmount(1_000))
	hash, err := client.Submit(context.Background(), call)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash || *tx.To() != market || tx.Nonce() != 7 || tx.Gas() != 150_000 {
		t.Fatalf("unexpected tx %+v", tx)
	}
	want, _ := call.Pack()
	if string(tx.Data()) != string(want) {
		t.Fatalf("submitted data differs from packed call")
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(31337)), tx)
	if err != nil || sender != client.Sender() {
		t.Fatalf("unexpected sender %s (%v)", sender.Hex(), err)
	}
}

func TestSubmitWithoutSigner(t *testing.T) {
	_, err := NewClient(&stubBackend{}).Submit(context.Background(), contracts.Token{Address: token}.Approve(market, lending.NewAmount(1)))
	if !errors.Is(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
}

func TestAwaitReceiptPolls(t *testing.T) {
	backend := &stubBackend{receipts: []*gethtypes.Receipt{nil, nil, {Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(12)}}}
	client := NewClient(backend, WithReceiptPolling(time.Millisecond, time.Second))
	receipt, err := client.AwaitReceipt(context.Background(), common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if receipt.Success || receipt.Block != 12 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestAwaitReceiptTimeout(t *testing.T) {
	client := NewClient(&stubBackend{}, WithReceiptPolling(time.Millisecond, 10*time.Millisecond))
	_, err := client.AwaitReceipt(context.Background(), common.HexToHash("0x02"))
	if !errors.Is(err, ErrReceiptTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestAsRevertMatchesOnlyEVMReverts(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		revert bool
		reason string
	}{
		{name: "node revert", err: errors.New("execution reverted: LoanNotActive"), revert: true, reason: "LoanNotActive"},
		{name: "bare node revert", err: errors.New("Execution reverted"), revert: true},
		{name: "proxy page", err: errors.New("502 Bad Gateway: upstream reverted to maintenance page")},
		{name: "timeout", err: errors.New("i/o timeout")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			revert, ok := AsRevert(tc.err)
			if ok != tc.revert {
				t.Fatalf("AsRevert(%q) = %v, want %v", tc.err, ok, tc.revert)
			}
			if ok && revert.Reason != tc.reason {
				t.Fatalf("reason %q, want %q", revert.Reason, tc.reason)
			}
		})
	}
}
