// Package stack wires the chain client, local stores, feeds and flows for a
// configured network. lendctl and lendingd share it.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"lendclient/chain"
	"lendclient/config"
	"lendclient/crypto"
	"lendclient/flows"
	"lendclient/observability/logging"
	"lendclient/pricing"
	"lendclient/storage"
	"lendclient/storage/journal"
	"lendclient/terms"
	"lendclient/txflow"
)

// Options selects the signer and local storage for a stack.
type Options struct {
	// Signer enables writes. Nil yields a read-only stack.
	Signer *crypto.PrivateKey
	// DataDir holds the LevelDB entity cache. Empty keeps the cache in memory.
	DataDir string
	// JournalPath is the SQLite transaction journal. Empty keeps it in memory.
	JournalPath string
	Logger      *slog.Logger
	// Now overrides the freshness clock.
	Now func() time.Time
}

// Stack is a fully wired client for one network.
type Stack struct {
	Network   config.Network
	Node      chain.Node
	Repo      *storage.Repository
	Journal   *journal.Journal
	Preflight *txflow.Preflight
	Prices    *pricing.PriceFeed
	Rates     *pricing.RateFeed
	Terms     *terms.Resolver
	Dashboard *flows.Dashboard
	Market    *flows.Marketplace

	db storage.Database
}

// Build dials the network RPC endpoint and assembles the stack over it.
func Build(ctx context.Context, n config.Network, opts Options) (*Stack, error) {
	backend, err := chain.Dial(ctx, n.RPCURL)
	if err != nil {
		return nil, err
	}
	clientOpts := []chain.Option{
		chain.WithRateLimit(n.Limits.RequestsPerSecond, n.Limits.Burst),
		chain.WithReceiptPolling(n.Limits.ReceiptPolling()),
	}
	if multicall := config.Address(n.Contracts.Multicall); multicall != (common.Address{}) {
		clientOpts = append(clientOpts, chain.WithMulticall(multicall))
	}
	if n.Limits.GasBufferBps > 0 {
		clientOpts = append(clientOpts, chain.WithGasBuffer(n.Limits.GasBufferBps))
	}
	if opts.Signer != nil {
		clientOpts = append(clientOpts, chain.WithSigner(opts.Signer.PrivateKey, n.ChainIDBig()))
	}
	return Assemble(chain.NewClient(backend, clientOpts...), n, opts)
}

// Assemble wires stores, feeds and flows over an existing node.
func Assemble(node chain.Node, n config.Network, opts Options) (*Stack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("network", n.Name))

	var db storage.Database
	if opts.DataDir == "" {
		db = storage.NewMemDB()
	} else {
		if err := os.MkdirAll(filepath.Dir(opts.DataDir), 0o755); err != nil {
			return nil, fmt.Errorf("stack: data dir: %w", err)
		}
		ldb, err := storage.NewLevelDB(opts.DataDir)
		if err != nil {
			return nil, fmt.Errorf("stack: open cache: %w", err)
		}
		db = ldb
	}
	journalPath := opts.JournalPath
	if journalPath == "" {
		journalPath = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else if err := os.MkdirAll(filepath.Dir(journalPath), 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("stack: journal dir: %w", err)
	}
	j, err := journal.Open(journalPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	repo := storage.NewRepository(db, logger)
	preflight := txflow.NewPreflight(node,
		txflow.WithJournal(j),
		txflow.WithLogger(logger),
		txflow.WithPriceRefresh(n.MockOracle),
	)

	feedOpts := []pricing.Option{
		pricing.WithRepository(repo),
		pricing.WithLogger(logger),
		pricing.WithDeviationGuard(n.Limits.MaxPriceDeviationBps),
	}
	if opts.Now != nil {
		feedOpts = append(feedOpts, pricing.WithClock(opts.Now))
	}
	if n.Limits.PriceWaitAttempts > 0 {
		feedOpts = append(feedOpts, pricing.WithMaxWaitAttempts(n.Limits.PriceWaitAttempts))
	}
	if n.MockOracle && opts.Signer != nil {
		feedOpts = append(feedOpts, pricing.WithMockOracle(preflight))
	}
	s := &Stack{
		Network:   n,
		Node:      node,
		Repo:      repo,
		Journal:   j,
		Preflight: preflight,
		Prices:    pricing.NewPriceFeed(node, config.Address(n.Contracts.PriceOracle), feedOpts...),
		Terms:     terms.NewResolver(node, config.Address(n.Contracts.LTVConfig), logger),
		db:        db,
	}
	if rates := config.Address(n.Contracts.ExchangeRateOracle); rates != (common.Address{}) {
		rateOpts := []pricing.Option{pricing.WithRepository(repo), pricing.WithLogger(logger)}
		if opts.Now != nil {
			rateOpts = append(rateOpts, pricing.WithClock(opts.Now))
		}
		s.Rates = pricing.NewRateFeed(node, rates, rateOpts...)
	}

	deps := flows.Deps{
		Reader:          node,
		Market:          config.Address(n.Contracts.LoanMarket),
		FiatMarket:      config.Address(n.Contracts.FiatLoanMarket),
		Prices:          s.Prices,
		Rates:           s.Rates,
		Terms:           s.Terms,
		Repo:            repo,
		Tokens:          n.TokenTable(),
		ApprovalOptions: []txflow.ApprovalOption{txflow.WithRetryDelay(n.Limits.AllowanceRetry())},
		Logger:          logger,
		Now:             opts.Now,
	}
	if opts.Signer != nil {
		deps.Preflight = preflight
	}
	s.Dashboard = flows.NewDashboard(deps)
	s.Market = flows.NewMarketplace(deps)
	logger.Info("lending stack ready",
		logging.MaskField("rpc_url", n.RPCURL),
		slog.String("signer", logging.ShortAddress(node.Sender().Hex())),
		slog.Bool("writable", opts.Signer != nil),
		slog.Bool("mock_oracle", n.MockOracle))
	return s, nil
}

// Writable reports whether the stack was built with a signer.
func (s *Stack) Writable() bool {
	return s.Node.Sender() != (common.Address{})
}

// Close releases the cache and journal.
func (s *Stack) Close() error {
	var errs []error
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	if s.db != nil {
		s.db.Close()
	}
	return errors.Join(errs...)
}
