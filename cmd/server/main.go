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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtrntr/clob/internal/api"
	"github.com/xtrntr/clob/internal/auth"
	"github.com/xtrntr/clob/internal/config"
	"github.com/xtrntr/clob/internal/db"
	"github.com/xtrntr/clob/internal/events"
	"github.com/xtrntr/clob/internal/exchange"
	"github.com/xtrntr/clob/internal/ledger"
	"github.com/xtrntr/clob/internal/metrics"
	"github.com/xtrntr/clob/internal/registry"
	"github.com/xtrntr/clob/internal/vault"
)

const configFlagName = "config"

var rootCmd = &cobra.Command{
	Use:          "clob-server",
	Short:        "Runs the order book matching engine and its HTTP API",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString(configFlagName)
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.Flags().String(configFlagName, "", "Path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	// Connect to database
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(context.Background())
	if err := database.Migrate(ctx, cfg.MigrationsPath); err != nil {
		return err
	}

	store, err := ledger.OpenPebble(cfg.LedgerDir)
	if err != nil {
		return err
	}
	defer store.Close()

	v, err := vault.New(store, cfg.Owner, cfg.Fees, log.Named("vault"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// The hub's snapshot reads the exchange, which is built after it.
	var ex *exchange.Exchange
	hub := events.NewHub(func() []events.Event { return ex.Snapshots(cfg.BookDepth) }, log.Named("ws"))
	publishers := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		publishers = append(publishers, producer)
		log.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	ex = exchange.NewExchange(registry.New(), v, cfg.Owner, log.Named("exchange"),
		exchange.WithHistory(database),
		exchange.WithPublisher(publishers),
		exchange.WithMetrics(m),
	)
	for _, p := range cfg.Pairs {
		if err := ex.AddPair(cfg.Owner, p); err != nil {
			return err
		}
	}
	if err := restore(ctx, database, ex, log); err != nil {
		return err
	}

	log.Info("fee schedule",
		zap.String("taker_percent", config.BpsToPercent(cfg.Fees.TakerFeeBps)),
		zap.String("maker_percent", config.BpsToPercent(cfg.Fees.MakerFeeBps)),
		zap.String("recipient", cfg.Fees.Recipient))

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL)
	handler := api.NewHandler(ex, authService, database, log.Named("api"))
	router := api.NewRouter(handler, hub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go hub.Run(ctx, cfg.BroadcastInterval)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.ListenAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// restore rebuilds the books from orders that were open at shutdown
func restore(ctx context.Context, database *db.DB, ex *exchange.Exchange, log *zap.Logger) error {
	orders, err := database.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}
	lastOrder, err := database.LastOrderID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load order sequence: %w", err)
	}
	lastSettlement, err := database.LastSettlementID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settlement sequence: %w", err)
	}
	if err := ex.Restore(orders, lastOrder, lastSettlement); err != nil {
		return err
	}

	// Transfers for these may or may not have happened, so they are reported
	// for manual reconciliation instead of being replayed.
	unprocessed, err := database.UnprocessedSettlements(ctx)
	if err != nil {
		return fmt.Errorf("failed to count unprocessed settlements: %w", err)
	}
	if unprocessed > 0 {
		log.Warn("settlements were unprocessed at shutdown", zap.Int("count", unprocessed))
	}
	log.Info("order books restored", zap.Int("open_orders", len(orders)),
		zap.Uint64("last_order_id", lastOrder), zap.Uint64("last_settlement_id", lastSettlement))
	return nil
}
