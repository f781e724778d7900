// Package main runs the vault daemon: the HTTP entry points over a ledger
// backend, an in-process lending market, and an optional chain mirror.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"yield-vault/internal/adapter"
	"yield-vault/internal/api"
	"yield-vault/internal/domain"
	"yield-vault/internal/lending/klend"
	"yield-vault/internal/mirror"
	"yield-vault/internal/observability"
	"yield-vault/internal/solana"
	"yield-vault/internal/storage"
	chstore "yield-vault/internal/storage/clickhouse"
	"yield-vault/internal/storage/memory"
	"yield-vault/internal/storage/migrations"
	pgstore "yield-vault/internal/storage/postgres"
	"yield-vault/internal/vault"
)

const defaultProgramID = "DHdGHuLQ2NK7nCDUCVkMa9fKkEG8zJQdiB3H8Dn4ngj"

// config is the parsed command line.
type config struct {
	programID      domain.Address
	klendProgramID domain.Address
	httpAddr       string
	postgresDSN    string
	clickhouseDSN  string
	useMemory      bool
	devFaucet      bool
	reserveMints   []domain.Address
	rpcEndpoint    string
	wsEndpoint     string
	watch          []mirror.Target
	mirrorInterval time.Duration
}

// backend is the ledger and event log the daemon runs on.
type backend struct {
	ledger storage.Ledger
	faucet storage.Faucet
	events storage.VaultEventStore
	close  func()
}

func main() {
	loadEnvFile()

	logger := log.New(os.Stdout, "[vaultd] ", log.LstdFlags|log.Lshortfile)

	cfg, err := parseFlags()
	if err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()

		sig = <-sigCh
		logger.Printf("Received second signal %v, forcing exit", sig)
		os.Exit(1)
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Println("Shutdown complete")
}

func parseFlags() (*config, error) {
	programID := flag.String("program-id", envOr("VAULT_PROGRAM_ID", defaultProgramID), "Vault program id (base58)")
	klendProgramID := flag.String("klend-program-id", envOr("KLEND_PROGRAM_ID", klend.DefaultProgramID.String()), "Lending program id (base58)")
	httpAddr := flag.String("http-addr", envOr("HTTP_ADDR", ":8080"), "HTTP address for the API, /health and /metrics")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string (ledger)")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (vault events)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory ledger and event log instead of PostgreSQL/ClickHouse")
	devFaucet := flag.Bool("dev-faucet", false, "Expose /dev routes that fund wallets and token accounts")
	reserveMints := flag.String("reserve-mints", os.Getenv("RESERVE_MINTS"), "Comma-separated mints to open lending reserves for")
	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("SOLANA_RPC_ENDPOINT"), "Solana RPC HTTP endpoint for the mirror")
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("SOLANA_WS_ENDPOINT"), "Solana WebSocket endpoint for the mirror")
	watch := flag.String("watch", os.Getenv("WATCH_VAULTS"), "Comma-separated <owner>:<vault_id> vaults to mirror")
	mirrorInterval := flag.Duration("mirror-interval", time.Minute, "Poll interval for the mirror when no WebSocket endpoint is set")
	flag.Parse()

	cfg := &config{
		httpAddr:       *httpAddr,
		postgresDSN:    *postgresDSN,
		clickhouseDSN:  *clickhouseDSN,
		useMemory:      *useMemory,
		devFaucet:      *devFaucet,
		rpcEndpoint:    *rpcEndpoint,
		wsEndpoint:     *wsEndpoint,
		mirrorInterval: *mirrorInterval,
	}

	var err error
	if cfg.programID, err = domain.ParseAddress(*programID); err != nil {
		return nil, fmt.Errorf("--program-id: %w", err)
	}
	if cfg.klendProgramID, err = domain.ParseAddress(*klendProgramID); err != nil {
		return nil, fmt.Errorf("--klend-program-id: %w", err)
	}
	for _, s := range splitList(*reserveMints) {
		mint, err := domain.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("--reserve-mints: %w", err)
		}
		cfg.reserveMints = append(cfg.reserveMints, mint)
	}
	for _, s := range splitList(*watch) {
		t, err := mirror.ParseTarget(s)
		if err != nil {
			return nil, fmt.Errorf("--watch: %w", err)
		}
		cfg.watch = append(cfg.watch, t)
	}

	if !cfg.useMemory && (cfg.postgresDSN == "" || cfg.clickhouseDSN == "") {
		return nil, errors.New("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}
	if len(cfg.watch) > 0 && cfg.rpcEndpoint == "" {
		return nil, errors.New("--watch requires --rpc-endpoint")
	}
	if cfg.devFaucet && !cfg.useMemory {
		return nil, errors.New("--dev-faucet is only allowed with --use-memory")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config, logger *log.Logger) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	market, err := klend.NewMarket(cfg.klendProgramID)
	if err != nil {
		return fmt.Errorf("create lending market: %w", err)
	}
	err = be.ledger.Atomic(ctx, func(tx storage.Tx) error {
		for _, mint := range cfg.reserveMints {
			r, err := market.AddReserve(ctx, tx, mint)
			if err != nil {
				return fmt.Errorf("reserve %s: %w", mint, err)
			}
			logger.Printf("Reserve %s open for mint %s", r.Address, mint)
		}
		return nil
	})
	if err != nil {
		return err
	}

	registry, err := adapter.NewRegistry(adapter.NewKaminoAdapter(market,
		adapter.WithKaminoLogger(log.New(os.Stdout, "[kamino] ", log.LstdFlags))))
	if err != nil {
		return err
	}

	ctrl, err := vault.NewController(vault.Config{ProgramID: cfg.programID}, be.ledger, registry,
		vault.WithLogger(log.New(os.Stdout, "[vault] ", log.LstdFlags)),
		vault.WithEventStore(be.events),
	)
	if err != nil {
		return err
	}
	logger.Printf("Vault program %s, lending program %s", cfg.programID, cfg.klendProgramID)

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithEventStore(be.events),
		api.WithReserves(func(mint domain.Address) (adapter.RemoteAccounts, bool) {
			r, ok := market.Reserve(mint)
			if !ok {
				return nil, false
			}
			return r.Accounts(), true
		}),
	}
	if cfg.devFaucet {
		logger.Println("Dev faucet enabled")
		opts = append(opts, api.WithDevFaucet(be.ledger, be.faucet))
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- serveHTTP(ctx, cfg.httpAddr, api.NewServer(ctrl, opts...), logger)
	}()
	if len(cfg.watch) > 0 {
		go func() {
			errCh <- runMirror(ctx, cfg, logger)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func openBackend(ctx context.Context, cfg *config, logger *log.Logger) (*backend, error) {
	if cfg.useMemory {
		logger.Println("Using in-memory ledger")
		l := memory.NewLedger()
		return &backend{ledger: l, faucet: l, events: memory.NewVaultEventStore(), close: func() {}}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.postgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	l := pgstore.NewLedger(pool)
	return &backend{
		ledger: l,
		faucet: l,
		events: chstore.NewVaultEventStore(chConn),
		close: func() {
			chConn.Close()
			pool.Close()
		},
	}, nil
}

func serveHTTP(ctx context.Context, addr string, srv *api.Server, logger *log.Logger) error {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.Handler())
	r.Mount("/", srv.Routes())

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown: %v", err)
		}
	}()

	logger.Printf("Starting HTTP server on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// runMirror reports the on-chain state of the watched vaults, by
// subscription when a WebSocket endpoint is set and by polling otherwise.
func runMirror(ctx context.Context, cfg *config, logger *log.Logger) error {
	mlog := log.New(os.Stdout, "[mirror] ", log.LstdFlags)
	rpc := solana.NewHTTPClient(cfg.rpcEndpoint)
	report := func(s mirror.Status) {
		switch s.State {
		case mirror.StateActive:
			mlog.Printf("%s ACTIVE slot=%d lamports=%d underfunded=%t projects=%d mint=%s",
				s.Address, s.Slot, s.Lamports, s.Underfunded, len(s.Record.Projects), s.Record.Mint)
		case mirror.StateCorrupt:
			mlog.Printf("%s CORRUPT: %v", s.Address, s.Reason)
		default:
			mlog.Printf("%s %s", s.Address, s.State)
		}
	}

	if cfg.wsEndpoint != "" {
		wsCfg := solana.DefaultWSConfig()
		wsCfg.Logger = mlog
		ws, err := solana.NewWSClient(ctx, cfg.wsEndpoint, &wsCfg)
		if err != nil {
			return fmt.Errorf("connect websocket: %w", err)
		}
		defer ws.Close()

		m := mirror.New(cfg.programID, rpc, mirror.WithWSClient(ws), mirror.WithLogger(mlog))
		return m.Watch(ctx, cfg.watch, report)
	}

	m := mirror.New(cfg.programID, rpc, mirror.WithLogger(mlog))
	ticker := time.NewTicker(cfg.mirrorInterval)
	defer ticker.Stop()
	for {
		statuses, err := m.Check(ctx, cfg.watch)
		if err != nil {
			logger.Printf("Mirror check failed: %v", err)
		}
		for _, s := range statuses {
			report(s)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadEnvFile loads KEY=VALUE lines from ./.env without overriding the
// process environment.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, strings.Trim(strings.TrimSpace(value), `"'`))
		}
	}
}
