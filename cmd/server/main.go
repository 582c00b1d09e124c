/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the loyalty ledger. Loads configuration, wires
  the stores, the settlement core and the HTTP API, and runs either the
  server or a one-off expiry sweep.

COMMANDS:
  serve   Run the HTTP API and the expiry scheduler
  sweep   Expire lapsed credit once and exit

FLAGS:
  --config  TOML config file (default: loyalty.toml, optional)
  --dev     Development logging
  --port    HTTP server port (serve only, overrides [server].port)
  --db      SQLite database path (overrides [database].path)
            Use ":memory:" for an in-memory database

STARTUP SEQUENCE (serve):
  1. Load config, apply flag overrides
  2. Open SQLite store (and Redis snapshot cache if enabled)
  3. Build ledger, balance cache, coordinator, fulfillment service
  4. Start expiry scheduler
  5. Start HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler (waits for an in-flight sweep)
  4. Close database connection

EXAMPLES:
  ./server serve --db=":memory:" --dev
  ./server serve --config=/etc/loyalty.toml --port=3000
  ./server sweep --db=./data/loyalty.db

SEE ALSO:
  - config/config.go: Configuration file format
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/api"
	"github.com/warp/loyalty-ledger/checkout"
	"github.com/warp/loyalty-ledger/config"
	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/directory"
	"github.com/warp/loyalty-ledger/fulfillment"
	"github.com/warp/loyalty-ledger/settlement"
	redisstore "github.com/warp/loyalty-ledger/store/redis"
	"github.com/warp/loyalty-ledger/store/sqlite"
)

func init() {
	rootCmd.PersistentFlags().String("config", "loyalty.toml", "Path to TOML config file")
	rootCmd.PersistentFlags().Bool("dev", false, "Development logging")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")

	serveCmd.Flags().Int("port", 0, "HTTP server port (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Loyalty credit ledger and settlement service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiry scheduler",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire lapsed credit once and exit",
	RunE:  runSweep,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	app.scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(app.handler, cfg.Server.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
			zap.Bool("redis", cfg.Redis.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		app.scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	app.scheduler.Stop()

	logger.Info("server stopped")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	run, err := app.scheduler.RunNow(cmd.Context(), api.TriggerCLI)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sweep %s: %s, %d accounts, %d grants expired, %s credit expired, %d failures\n",
		run.ID, run.Status, run.Accounts, run.ExpiredEntries, run.ExpiredAmount, run.Failures)
	if run.Failures > 0 {
		return fmt.Errorf("%d accounts failed to sweep", run.Failures)
	}
	return nil
}

func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.Path = db
	}

	dev, _ := cmd.Flags().GetBool("dev")
	var logger *zap.Logger
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return cfg, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	store     *sqlite.Store
	handler   *api.Handler
	scheduler *api.ExpiryScheduler
	closers   []func() error
}

func newApp(cfg config.Config, logger *zap.Logger) (*app, error) {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{store: store, closers: []func() error{store.Close}}

	var snapshots credit.SnapshotStore = store
	if cfg.Redis.Enabled {
		client, err := redisstore.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		snapshots = redisstore.NewSnapshotStore(client, cfg.RedisTTL())
		logger.Info("balance snapshots cached in redis", zap.String("addr", cfg.Redis.Addr))
	}

	bonus, err := cfg.BonusPolicy()
	if err != nil {
		a.Close()
		return nil, err
	}
	accounts, items, err := cfg.Directory()
	if err != nil {
		a.Close()
		return nil, err
	}
	dir := directory.NewStatic(accounts, items)

	clock := credit.SystemClock{}
	locks := credit.NewAccountLocks()
	ledger := credit.NewLedger(store, clock)
	cache := credit.NewBalanceCache(ledger, snapshots, clock, cfg.SnapshotMaxAge(), logger.Named("balance"))
	redeemer := credit.NewRedeemer(ledger, cache, clock, logger.Named("redeem"))
	converter := settlement.NewConverter(ledger, cache, clock, bonus, cfg.ExpiryPolicy(), logger.Named("surplus"))

	coord := checkout.NewCoordinator(checkout.Deps{
		Orders:       store,
		Fulfillments: store,
		Ledger:       ledger,
		Cache:        cache,
		Redeemer:     redeemer,
		Converter:    converter,
		Directory:    dir,
		Catalog:      dir,
		Clock:        clock,
		Logger:       logger.Named("checkout"),
	})
	fulfillments := fulfillment.NewService(store, clock, logger.Named("fulfillment"))
	fulfillments.Locks = locks

	sweeper := credit.NewSweeper(ledger, cache, clock, locks, cfg.Sweeper.Workers, logger.Named("sweeper"))
	a.scheduler = api.NewExpiryScheduler(sweeper, store, logger.Named("scheduler"))
	a.scheduler.CheckInterval = cfg.SweepInterval()
	a.scheduler.Enabled = cfg.Sweeper.Enabled

	a.handler = api.NewHandler(coord, fulfillments, redeemer, locks, a.scheduler, store, logger.Named("api"))
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
