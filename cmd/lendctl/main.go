package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"lendclient/cmd/internal/passphrase"
	"lendclient/internal/stack"
	"lendclient/config"
	"lendclient/crypto"
	"lendclient/lending"
	"lendclient/observability/logging"
)

type globalOptions struct {
	configPath string
	network    string
	keystore   string
	passEnv    string
	keyEnv     string
	dataDir    string
	logLevel   string
}

// command is one lendctl subcommand. Write commands need a signer.
type command struct {
	usage string
	write bool
	run   func(e *env, args []string) int
}

// env is what a subcommand runs against.
type env struct {
	ctx    context.Context
	stack  *stack.Stack
	stdout io.Writer
	stderr io.Writer
}

var commands = map[string]command{
	"price":             {usage: "price --asset SYMBOL", run: runPrice},
	"rate":              {usage: "rate --currency EUR", run: runRate},
	"terms":             {usage: "terms --asset SYMBOL --duration DAYS", run: runTerms},
	"quote-collateral":  {usage: "quote-collateral --borrow SYMBOL --collateral SYMBOL --duration DAYS --amount X", run: runQuoteCollateral},
	"loans":             {usage: "loans [--borrower ADDR] [--fiat]", run: runLoans},
	"offers":            {usage: "offers [--from ID] [--count N] [--fiat]", run: runOffers},
	"requests":          {usage: "requests [--from ID] [--count N]", run: runRequests},
	"wait-price":        {usage: "wait-price --asset SYMBOL", run: runWaitPrice},
	"quote-repay":       {usage: "quote-repay --loan ID --amount X|--full [--wallet ADDR]", run: runQuoteRepay},
	"repay":             {usage: "repay --loan ID --amount X|--full", write: true, run: runRepay},
	"accept-offer":      {usage: "accept-offer --offer ID --amount X", write: true, run: runAcceptOffer},
	"accept-fiat-offer": {usage: "accept-fiat-offer --offer ID --amount X", write: true, run: runAcceptFiatOffer},
	"create-request":    {usage: "create-request --borrow SYMBOL --collateral SYMBOL --amount X --collateral-amount X --rate-bps N --duration DAYS [--expiry DUR]", write: true, run: runCreateRequest},
	"cancel-request":    {usage: "cancel-request --id ID", write: true, run: runCancelRequest},
	"cancel-offer":      {usage: "cancel-offer --id ID [--fiat]", write: true, run: runCancelOffer},
	"refresh-price":     {usage: "refresh-price --asset SYMBOL", write: true, run: runRefreshPrice},
	"resume":            {usage: "resume [--hash 0x...]", run: runResume},
}

// openStack is replaced in tests.
var openStack = func(ctx context.Context, g globalOptions, write bool, stderr io.Writer) (*stack.Stack, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	network, err := cfg.Network(g.network)
	if err != nil {
		return nil, err
	}
	logger := logging.SetupWithOptions(logging.Options{Service: "lendctl", Env: "cli", Level: g.logLevel, Writer: stderr})

	opts := stack.Options{
		DataDir:     filepath.Join(g.dataDir, network.Name, "cache"),
		JournalPath: filepath.Join(g.dataDir, network.Name, "journal.db"),
		Logger:      logger,
	}
	if write {
		signer, err := loadSigner(g)
		if err != nil {
			return nil, err
		}
		opts.Signer = signer
	}
	return stack.Build(ctx, network, opts)
}

func loadSigner(g globalOptions) (*crypto.PrivateKey, error) {
	switch {
	case g.keystore != "":
		pass, err := passphrase.NewSource(g.passEnv).Get()
		if err != nil {
			return nil, err
		}
		return crypto.LoadSigner(crypto.SignerSource{Keystore: g.keystore, Passphrase: pass})
	case g.keyEnv != "":
		return crypto.LoadSigner(crypto.SignerSource{KeyEnv: g.keyEnv})
	default:
		return nil, fmt.Errorf("write commands need --keystore or --key-env: %w", crypto.ErrNoKey)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var g globalOptions
	fs := flag.NewFlagSet("lendctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.configPath, "config", envOr("LENDCTL_CONFIG", "networks.toml"), "network table (TOML)")
	fs.StringVar(&g.network, "network", os.Getenv("LENDCTL_NETWORK"), "network name (defaults to DefaultNetwork)")
	fs.StringVar(&g.keystore, "keystore", "", "signer keystore file")
	fs.StringVar(&g.passEnv, "pass-env", "LENDCTL_PASSPHRASE", "environment variable holding the keystore passphrase")
	fs.StringVar(&g.keyEnv, "key-env", "", "environment variable holding a hex private key")
	fs.StringVar(&g.dataDir, "data-dir", defaultDataDir(), "local cache and journal directory")
	fs.StringVar(&g.logLevel, "log-level", "warn", "log level")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 2
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 2
	}

	st, err := openStack(ctx, g, cmd.write, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer st.Close()
	return cmd.run(&env{ctx: ctx, stack: st, stdout: stdout, stderr: stderr}, rest[1:])
}

func usage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Usage: lendctl [--config FILE] [--network NAME] [--keystore FILE | --key-env VAR] <command> [flags]\n\nCommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s\n", commands[name].usage)
	}
	return strings.TrimRight(b.String(), "\n")
}

// fail prints err with its remedy and returns the exit code.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if remedy := lending.RemedyOf(err); remedy != lending.RemedyNone {
		fmt.Fprintf(stderr, "Remedy: %s\n", remedyHint(remedy))
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}

func remedyHint(r lending.Remedy) string {
	switch r {
	case lending.RemedyRefreshPrice:
		return "run `lendctl refresh-price` for the stale asset, then retry"
	case lending.RemedyWaitForOracle:
		return "run `lendctl wait-price` until the oracle publishes, then retry"
	case lending.RemedyTopUpBalance:
		return "top up the wallet balance"
	case lending.RemedyApproveAgain:
		return "allowance not yet visible; re-run to approve again"
	case lending.RemedyReduceAmount:
		return "reduce the amount"
	default:
		return string(r)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "lendctl")
	}
	return filepath.Join(os.TempDir(), "lendctl")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("lendctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
