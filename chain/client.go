package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lendclient/contracts"
	"lendclient/observability"
	telemetry "lendclient/observability/otel"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultReceiptTimeout = 3 * time.Minute
	defaultGasBufferBps   = 12_000
	defaultReadFanout     = 8
)

// Backend defines the subset of the Ethereum RPC used by the client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	raw, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", trimmed, err)
	}
	return ethclient.NewClient(raw), nil
}

// Client implements Node against a Backend.
type Client struct {
	backend        Backend
	multicall      common.Address
	limiter        *rate.Limiter
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	pollInterval   time.Duration
	receiptTimeout time.Duration
	gasBufferBps   uint64
	metrics        *observability.ChainMetrics
	tracer         trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithMulticall batches ReadBatch through the Multicall3 deployment at addr.
// Without it batches fan out as individual calls pinned to one block.
func WithMulticall(addr common.Address) Option {
	return func(c *Client) { c.multicall = addr }
}

// WithRateLimit caps outbound RPC requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithSigner enables Submit using key on chainID.
func WithSigner(key *ecdsa.PrivateKey, chainID *big.Int) Option {
	return func(c *Client) {
		if key == nil {
			return
		}
		c.key = key
		c.from = gethcrypto.PubkeyToAddress(key.PublicKey)
		c.chainID = chainID
	}
}

// WithReceiptPolling overrides the receipt poll interval and overall timeout.
func WithReceiptPolling(interval, timeout time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if timeout > 0 {
			c.receiptTimeout = timeout
		}
	}
}

// WithGasBuffer scales gas estimates by bps/10000. Values below 10000 are
// ignored.
func WithGasBuffer(bps uint64) Option {
	return func(c *Client) {
		if bps >= 10_000 {
			c.gasBufferBps = bps
		}
	}
}

// NewClient wraps backend.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend:        backend,
		pollInterval:   defaultPollInterval,
		receiptTimeout: defaultReceiptTimeout,
		gasBufferBps:   defaultGasBufferBps,
		metrics:        observability.Chain(),
		tracer:         telemetry.Tracer("lendclient/chain"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sender returns the signing address, or the zero address for read-only clients.
func (c *Client) Sender() common.Address {
	if c == nil {
		return common.Address{}
	}
	return c.from
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) startSpan(ctx context.Context, kind, method string) (context.Context, trace.Span, time.Time) {
	ctx, span := c.tracer.Start(ctx, "chain."+kind, trace.WithAttributes(attribute.String("method", method)))
	return ctx, span, time.Now()
}

func (c *Client) endSpan(span trace.Span, kind, method string, started time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	c.metrics.Observe(kind, method, time.Since(started), err)
}

func (c *Client) head(ctx context.Context) (Snapshot, error) {
	if err := c.wait(ctx); err != nil {
		return Snapshot{}, err
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("chain: fetch head: %w", err)
	}
	if header == nil || header.Number == nil {
		return Snapshot{}, fmt.Errorf("chain: block metadata unavailable")
	}
	return Snapshot{Block: header.Number.Uint64(), Time: time.Unix(int64(header.Time), 0).UTC()}, nil
}

func (c *Client) callAt(ctx context.Context, from common.Address, call contracts.Call, block *big.Int) ([]byte, error) {
	data, err := call.Pack()
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	to := call.To
	return c.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, block)
}

// Read executes a view call at the current head.
func (c *Client) Read(ctx context.Context, call contracts.Call) (out []byte, snap Snapshot, err error) {
	ctx, span, started := c.startSpan(ctx, "read", call.Method)
	defer func() { c.endSpan(span, "read", call.Method, started, err) }()

	snap, err = c.head(ctx)
	if err != nil {
		return nil, Snapshot{}, err
	}
	out, err = c.callAt(ctx, common.Address{}, call, new(big.Int).SetUint64(snap.Block))
	if err != nil {
		if revert, ok := AsRevert(err); ok {
			return nil, Snapshot{}, revert
		}
		return nil, Snapshot{}, fmt.Errorf("chain: call %s: %w", call, err)
	}
	return out, snap, nil
}

// ReadBatch executes calls against a single block. Individual failures are
// reported per Result; err is set only when the batch as a whole failed.
func (c *Client) ReadBatch(ctx context.Context, calls []contracts.Call) (results []Result, snap Snapshot, err error) {
	ctx, span, started := c.startSpan(ctx, "batch", "batch")
	defer func() { c.endSpan(span, "batch", "batch", started, err) }()
	c.metrics.ObserveBatch(len(calls))

	if len(calls) == 0 {
		return nil, Snapshot{}, nil
	}
	snap, err = c.head(ctx)
	if err != nil {
		return nil, Snapshot{}, err
	}
	block := new(big.Int).SetUint64(snap.Block)
	if c.multicall != (common.Address{}) {
		results, err = c.readMulticall(ctx, calls, block)
	} else {
		results, err = c.readFanout(ctx, calls, block)
	}
	if err != nil {
		return nil, Snapshot{}, err
	}
	return results, snap, nil
}

func (c *Client) readMulticall(ctx context.Context, calls []contracts.Call, block *big.Int) ([]Result, error) {
	agg, err := contracts.MulticallContract{Address: c.multicall}.Aggregate3(calls)
	if err != nil {
		return nil, err
	}
	raw, err := c.callAt(ctx, common.Address{}, agg, block)
	if err != nil {
		return nil, fmt.Errorf("chain: multicall: %w", err)
	}
	decoded, err := contracts.DecodeAggregate3(raw)
	if err != nil {
		return nil, err
	}
	if len(decoded) != len(calls) {
		return nil, fmt.Errorf("chain: multicall returned %d results for %d calls", len(decoded), len(calls))
	}
	results := make([]Result, len(calls))
	for i, r := range decoded {
		if !r.Success {
			results[i] = Result{Err: fmt.Errorf("%w: %s: %w", ErrCallFailed, calls[i], DecodeRevertData(r.ReturnData))}
			continue
		}
		results[i] = Result{Data: r.ReturnData}
	}
	return results, nil
}

func (c *Client) readFanout(ctx context.Context, calls []contracts.Call, block *big.Int) ([]Result, error) {
	results := make([]Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultReadFanout)
	for i := range calls {
		i := i
		g.Go(func() error {
			data, err := c.callAt(gctx, common.Address{}, calls[i], block)
			if err != nil {
				if revert, ok := AsRevert(err); ok {
					results[i] = Result{Err: fmt.Errorf("%w: %s: %w", ErrCallFailed, calls[i], revert)}
					return nil
				}
				return fmt.Errorf("chain: call %s: %w", calls[i], err)
			}
			results[i] = Result{Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Simulate executes call as from against the latest state. A revert is
// returned as *RevertError; anything else is a transport failure.
func (c *Client) Simulate(ctx context.Context, from common.Address, call contracts.Call) (err error) {
	ctx, span, started := c.startSpan(ctx, "simulate", call.Method)
	defer func() { c.endSpan(span, "simulate", call.Method, started, err) }()

	if _, err = c.callAt(ctx, from, call, nil); err != nil {
		if revert, ok := AsRevert(err); ok {
			return revert
		}
		return fmt.Errorf("chain: simulate %s: %w", call, err)
	}
	return nil
}

// Submit signs and broadcasts call as an EIP-1559 transaction.
func (c *Client) Submit(ctx context.Context, call contracts.Call) (hash common.Hash, err error) {
	ctx, span, started := c.startSpan(ctx, "submit", call.Method)
	defer func() { c.endSpan(span, "submit", call.Method, started, err) }()

	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	data, err := call.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	chainID := c.chainID
	if chainID == nil {
		if err = c.wait(ctx); err != nil {
			return common.Hash{}, err
		}
		if chainID, err = c.backend.ChainID(ctx); err != nil {
			return common.Hash{}, fmt.Errorf("chain: chain id: %w", err)
		}
		c.chainID = chainID
	}
	if err = c.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: tip cap: %w", err)
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: fetch head: %w", err)
	}
	baseFee := big.NewInt(0)
	if header != nil && header.BaseFee != nil {
		baseFee = header.BaseFee
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	to := call.To
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data, GasTipCap: tip, GasFeeCap: feeCap})
	if err != nil {
		if revert, ok := AsRevert(err); ok {
			return common.Hash{}, revert
		}
		return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", err)
	}
	gas = gas * c.gasBufferBps / 10_000

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign: %w", err)
	}
	if err = c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send: %w", err)
	}
	return signed.Hash(), nil
}

// AwaitReceipt polls for the receipt of hash until it is mined, the receipt
// timeout elapses or ctx is cancelled.
func (c *Client) AwaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	if (hash == common.Hash{}) {
		return Receipt{}, fmt.Errorf("chain: tx hash required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		if err := c.wait(ctx); err != nil {
			return Receipt{}, c.receiptErr(ctx, hash, err)
		}
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			out := Receipt{
				Hash:    hash,
				Success: receipt.Status == gethtypes.ReceiptStatusSuccessful,
				GasUsed: receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				out.Block = receipt.BlockNumber.Uint64()
			}
			c.metrics.RecordReceipt(out.Success)
			return out, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return Receipt{}, fmt.Errorf("chain: fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return Receipt{}, c.receiptErr(ctx, hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) receiptErr(ctx context.Context, hash common.Hash, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
	}
	return err
}

var _ Node = (*Client)(nil)
