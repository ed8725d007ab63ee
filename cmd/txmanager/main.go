package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/saltyorg/txmanager/internal/config"
	"github.com/saltyorg/txmanager/internal/database"
	"github.com/saltyorg/txmanager/internal/logging"
	"github.com/saltyorg/txmanager/internal/maintenance"
	"github.com/saltyorg/txmanager/internal/metrics"
	"github.com/saltyorg/txmanager/internal/txmanager"
	"github.com/saltyorg/txmanager/internal/web"
	"github.com/saltyorg/txmanager/internal/web/sse"
	"github.com/saltyorg/txmanager/internal/workload"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// CLI flags
var (
	driver     string
	dsn        string
	configPath string
	dbPath     string
	verbosity  int

	port        int
	bind        string
	allowSubnet string

	// Timeout flags (advanced)
	httpReadTimeout  time.Duration
	httpWriteTimeout time.Duration
	shutdownTimeout  time.Duration

	benchTransactions int
	benchConcurrency  int
	benchPoolSize     int
	benchRate         float64
	benchDeadlockRate float64
	benchLatency      time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "txmanager",
		Short: "txmanager - pooled transaction manager",
		Long:  `txmanager runs database transactions through a bounded pool with deadlock retries and timeouts.`,
	}

	rootCmd.PersistentFlags().StringVar(&driver, "driver", database.DriverSQLite, "Managed database driver (sqlite, postgres, mysql)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "Managed database DSN (or set TXMANAGER_DSN env var)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML settings file, takes precedence over stored settings")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "./txmanager.db", "SQLite state database path (or set DB_PATH env var)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v debug, -vv trace)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transaction manager with the HTTP introspection API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP server port (required, or set PORT env var)")
	serveCmd.Flags().StringVarP(&bind, "bind", "b", "", "IP address to bind to (e.g., 127.0.0.1, 0.0.0.0)")
	serveCmd.Flags().StringVarP(&allowSubnet, "allow-subnet", "a", "", "CIDR subnet allowed to connect (e.g., 192.168.1.0/24)")
	serveCmd.Flags().DurationVar(&httpReadTimeout, "http-read-timeout", 15*time.Second, "Timeout for reading HTTP requests")
	serveCmd.Flags().DurationVar(&httpWriteTimeout, "http-write-timeout", 30*time.Second, "Timeout for API responses (event stream exempt)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Grace period for requests and transactions on shutdown")

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a concurrent counter workload and print a summary",
		RunE:  runBench,
	}
	benchCmd.Flags().IntVarP(&benchTransactions, "transactions", "n", 100, "Number of transactions")
	benchCmd.Flags().IntVar(&benchConcurrency, "concurrency", 0, "Maximum concurrent submitters (0 = all)")
	benchCmd.Flags().IntVar(&benchPoolSize, "pool", 0, "Override the pool size")
	benchCmd.Flags().Float64Var(&benchRate, "rate", 0, "Submissions per second (0 = unpaced)")
	benchCmd.Flags().Float64Var(&benchDeadlockRate, "deadlock-rate", 0, "Chance of an injected deadlock on a first attempt")
	benchCmd.Flags().DurationVar(&benchLatency, "latency", 0, "Simulated work inside each transaction")

	rootCmd.AddCommand(serveCmd, benchCmd, &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("txmanager %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Check for PORT env var if flag not set
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			if _, err := fmt.Sscanf(envPort, "%d", &port); err != nil {
				return fmt.Errorf("invalid PORT environment variable %q: %w", envPort, err)
			}
		}
	}
	if port == 0 {
		return fmt.Errorf("--port flag or PORT environment variable is required")
	}

	if !cmd.Flags().Changed("db") {
		if envDB := os.Getenv("DB_PATH"); envDB != "" {
			dbPath = envDB
		}
	}

	if bind != "" {
		if ip := net.ParseIP(bind); ip == nil {
			return fmt.Errorf("invalid bind address: %s", bind)
		}
	}

	var allowedNet *net.IPNet
	if allowSubnet != "" {
		_, parsedNet, err := net.ParseCIDR(allowSubnet)
		if err != nil {
			return fmt.Errorf("invalid allow-subnet CIDR: %s", allowSubnet)
		}
		allowedNet = parsedNet
	}

	logging.Apply(logging.LevelFromVerbosity(verbosity), nil, "")

	config.SetGlobalTimeouts(&config.TimeoutConfig{
		HTTPRead:  httpReadTimeout,
		HTTPWrite: httpWriteTimeout,
		Shutdown:  shutdownTimeout,
	})

	if (bind == "" || bind == "0.0.0.0" || bind == "::") && allowSubnet == "" {
		log.Warn().Msg("Server is accessible from all interfaces without subnet restrictions. Consider using --bind or --allow-subnet for security.")
	}

	db, err := database.New(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize state database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	if err := db.InitializeDefaults(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize default settings")
	}

	fileSettings, settings, err := loadSettings(db)
	if err != nil {
		return err
	}
	loader := config.NewLoader(settings)
	logging.Apply(logLevel(loader), loader, logging.FilePathForDB(dbPath))

	log.Info().
		Str("version", version).
		Int("port", port).
		Str("bind", bind).
		Str("allow_subnet", allowSubnet).
		Str("driver", driver).
		Str("database", dbPath).
		Msg("Starting txmanager")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	managed, closeManaged, err := openManaged(ctx)
	if err != nil {
		return err
	}
	defer closeManaged()

	broker := sse.NewBroker()
	reg := metrics.DefaultRegistry()

	manager, err := txmanager.New(managed, txmanager.LoadConfig(settings),
		txmanager.WithHooks(reg.Hooks()),
		txmanager.WithHooks(broker.TransactionHooks()),
		txmanager.WithHooks(txmanager.Hooks{
			OnFinish: func(stats txmanager.Stats) {
				if err := db.RecordTransaction(stats); err != nil {
					log.Warn().Err(err).Str("tx_id", stats.ID.String()).Msg("Failed to archive transaction")
				}
			},
		}),
	)
	if err != nil {
		return err
	}
	reg.RegisterPool(manager)

	scheduler := maintenance.New(manager, db, maintenance.LoadConfig(settings))
	scheduler.SetSSEBroker(broker)
	if err := scheduler.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start maintenance scheduler")
	}
	defer scheduler.Stop()

	if fileSettings != nil {
		go func() {
			err := config.Watch(ctx, fileSettings, func(*config.FileSettings) {
				if verbosity == 0 {
					logging.SetLevel(logLevel(loader))
				}
				log.Info().Str("path", fileSettings.Path()).Msg("Settings file reloaded")
			})
			if err != nil {
				log.Warn().Err(err).Msg("Failed to watch settings file")
			}
		}()
	}

	server := web.NewServer(manager, db, broker, reg, port, bind, allowedNet)
	server.SetVersionInfo(version, commit, date)

	if err := server.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Server error")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Close(closeCtx); err != nil {
		log.Error().Err(err).Msg("Failed to close transaction manager cleanly")
	}

	log.Info().Msg("txmanager stopped")
	return nil
}

func runBench(cmd *cobra.Command, args []string) error {
	logging.Apply(logging.LevelFromVerbosity(verbosity), nil, "")

	var settings config.SettingsGetter
	if configPath != "" {
		f, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		settings = f
	}

	cfg := txmanager.LoadConfig(settings)
	if benchPoolSize > 0 {
		cfg.MaxConcurrentTransactions = benchPoolSize
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	managed, closeManaged, err := openManaged(ctx)
	if err != nil {
		return err
	}
	defer closeManaged()

	manager, err := txmanager.New(managed, cfg)
	if err != nil {
		return err
	}
	defer manager.Close(context.Background())

	if err := workload.Prepare(ctx, manager); err != nil {
		return err
	}

	summary, err := workload.Run(ctx, manager, workload.Config{
		Transactions: benchTransactions,
		Concurrency:  benchConcurrency,
		Rate:         benchRate,
		DeadlockRate: benchDeadlockRate,
		Latency:      benchLatency,
	})
	fmt.Printf("pool=%d %s\n", cfg.MaxConcurrentTransactions, summary)
	return err
}

// loadSettings layers the optional YAML file over the stored settings
func loadSettings(db *database.DB) (*config.FileSettings, config.SettingsGetter, error) {
	if configPath == "" {
		return nil, db, nil
	}
	f, err := config.LoadFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	return f, config.Chain{f, db}, nil
}

// logLevel honours -v over the log.level setting
func logLevel(loader *config.Loader) string {
	if verbosity > 0 {
		return logging.LevelFromVerbosity(verbosity)
	}
	return loader.String("log.level", "info")
}
