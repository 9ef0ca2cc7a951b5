package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"genflow/internal/api"
	"genflow/internal/cache"
	"genflow/internal/config"
	"genflow/internal/domain"
	"genflow/internal/handlers/generate"
	"genflow/internal/handlers/httpcall"
	"genflow/internal/handlers/shell"
	"genflow/internal/history"
	"genflow/internal/scheduler"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite history DB path, empty disables the archive")
		workers = flag.Int("workers", 0, "number of logical workers (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *debug {
		cfg.Debug = true
	}

	var archive *history.Archive
	if cfg.DBPath != "" {
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer

		if err := history.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		archive = history.NewArchive(db)
	}

	var statsCache cache.Cache = cache.NewMemory()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, using in-process cache")
		} else {
			statsCache = cache.NewRedis(rdb)
			defer rdb.Close()
		}
	}

	var sink scheduler.Sink
	if archive != nil {
		sink = archive
	}
	sched := scheduler.New(scheduler.Config{
		Workers:           cfg.Workers,
		TickInterval:      cfg.TickInterval.Std(),
		DefaultTimeout:    cfg.DefaultTimeout.Std(),
		StrictDefinitions: cfg.StrictDefinitions,
		StatsTTL:          cfg.StatsTTL.Std(),
		Logger:            log.Logger,
	}, statsCache, sink)

	register := func(def domain.Definition) {
		if err := sched.RegisterDefinition(def); err != nil {
			log.Fatal().Err(err).Str("definition", def.ID).Msg("register definition")
		}
	}
	register(domain.Definition{
		ID:         "generate",
		Name:       "content generation",
		Handler:    generate.Generator{},
		MaxRetries: 2,
		Timeout:    60 * time.Second,
	})
	register(domain.Definition{
		ID:      "httpcall",
		Name:    "outbound HTTP call",
		Handler: httpcall.Caller{Client: &http.Client{Timeout: 30 * time.Second}},
	})
	register(domain.Definition{
		ID:      "shell",
		Name:    "shell command",
		Handler: shell.Shell{},
	})

	sched.Start(context.Background())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServerWithDebug(sched, archive, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop(shutdownCtx)
}
