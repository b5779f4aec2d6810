/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the farming engine: the HTTP API, the Telegram
  bot, or both. Handles configuration, dependency injection, and graceful
  shutdown.

COMMANDS:
  serve    HTTP API only
  bot      Telegram bot only
  all      HTTP API and Telegram bot in one process

STARTUP SEQUENCE:
  1. Load config (defaults, YAML, .env, environment), then apply flags
  2. Initialize the store (memory, sqlite or redis)
  3. Create the farming service
  4. Start the HTTP server and/or the bot poller
  5. Wait for SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  --config     YAML config file (default: $FARM_CONFIG)
  --port       HTTP server port
  --store      memory | sqlite | redis
  --db         SQLite database path; ":memory:" for in-memory
  --redis      Redis address
  --log-level  debug | info | warn | error

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections and stop polling Telegram
  2. Wait for active requests to complete (30s timeout)
  3. Close the store
  4. Exit

EXAMPLES:
  # Run the API with a file database
  ./server serve --db=./data/farm.db

  # Run everything against Redis
  FARM_BOT_TOKEN=... ./server all --store=redis --redis=localhost:6379

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - bot/telegram.go: Bot transport
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/farm-engine/api"
	"github.com/warp/farm-engine/bot"
	"github.com/warp/farm-engine/config"
	"github.com/warp/farm-engine/farming"
	"github.com/warp/farm-engine/farming/store"
	"github.com/warp/farm-engine/logging"
	"github.com/warp/farm-engine/metrics"
	"github.com/warp/farm-engine/store/redis"
	"github.com/warp/farm-engine/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

type flags struct {
	configPath string
	port       int
	driver     string
	dbPath     string
	redisAddr  string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:          "server",
		Short:        "Farming reward backend: HTTP API and Telegram bot",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file (default $FARM_CONFIG)")
	pf.IntVar(&f.port, "port", 0, "HTTP server port")
	pf.StringVar(&f.driver, "store", "", "store driver: memory, sqlite or redis")
	pf.StringVar(&f.dbPath, "db", "", `SQLite database path (":memory:" for in-memory)`)
	pf.StringVar(&f.redisAddr, "redis", "", "Redis address")
	pf.StringVar(&f.logLevel, "log-level", "", "log level")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), f, true, false)
			},
		},
		&cobra.Command{
			Use:   "bot",
			Short: "Run the Telegram bot",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), f, false, true)
			},
		},
		&cobra.Command{
			Use:   "all",
			Short: "Run the HTTP API and the Telegram bot",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), f, true, true)
			},
		},
	)
	return root
}

// loadConfig loads config and applies the flags that were set.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.driver != "" {
		cfg.Store.Driver = f.driver
	}
	if f.dbPath != "" {
		cfg.Store.SQLitePath = f.dbPath
	}
	if f.redisAddr != "" {
		cfg.Store.RedisAddr = f.redisAddr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

// openStore builds the configured store. The closer releases it.
func openStore(cfg config.StoreConfig) (farming.Store, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), closerFunc(func() error { return nil }), nil
	case config.DriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s := redis.New(client, cfg.RedisPrefix)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func run(parent context.Context, f *flags, withHTTP, withBot bool) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	st, closer, err := openStore(cfg.Store)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize store")
		return err
	}
	defer closer.Close()

	svc, err := farming.NewService(st, cfg.FarmingEconomy(), logger.WithField("component", "farming"))
	if err != nil {
		return err
	}
	collector := metrics.NewCollector()

	var (
		tg *tgbotapi.BotAPI
		d  *bot.Dispatcher
	)
	if withBot {
		if cfg.Bot.Token == "" {
			return errors.New("bot token is required (FARM_BOT_TOKEN or TELEGRAM_BOT_TOKEN)")
		}
		if tg, err = bot.NewTelegram(cfg.Bot.Token); err != nil {
			return fmt.Errorf("connect to telegram: %w", err)
		}
		d = bot.NewDispatcher(svc, bot.Links{
			Play:      cfg.Bot.PlayURL,
			Community: cfg.Bot.CommunityURL,
			Website:   cfg.Bot.WebsiteURL,
		}, cfg.Bot.StaffIDs, logger.WithField("component", "bot"))
		d.Metrics = collector
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	running := 0

	var server *http.Server
	if withHTTP {
		server = newHTTPServer(cfg, svc, st, collector, logger)
		running++
		go func() {
			logger.WithFields(logrus.Fields{
				"port":  cfg.Server.Port,
				"store": cfg.Store.Driver,
			}).Info("🚀 Server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("http server: %w", err)
				return
			}
			errs <- nil
		}()
	}

	if withBot {
		running++
		go func() {
			errs <- bot.RunPolling(ctx, tg, d, cfg.Bot.PollTimeout, logger.WithField("component", "bot"))
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case runErr = <-errs:
		running--
		if runErr != nil {
			logger.WithError(runErr).Error("Component failed")
		}
		stop()
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server forced to shutdown")
		}
	}
	for ; running > 0; running-- {
		if err := <-errs; err != nil && runErr == nil {
			runErr = err
		}
	}

	logger.Info("Server stopped")
	return runErr
}

func newHTTPServer(cfg *config.Config, svc *farming.Service, st farming.Store, collector *metrics.Collector, logger *logrus.Logger) *http.Server {
	h := api.NewHandler(svc, collector, logger.WithField("component", "api"))
	if p, ok := st.(api.Pinger); ok {
		h.Health = p
	}
	router := api.NewRouter(h, api.RouterOptions{CORSOrigins: cfg.Server.CORSOrigins})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
