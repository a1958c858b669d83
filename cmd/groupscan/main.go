package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/blockedby/groupscan/internal/api"
	"github.com/blockedby/groupscan/internal/cache"
	"github.com/blockedby/groupscan/internal/config"
	"github.com/blockedby/groupscan/internal/database"
	"github.com/blockedby/groupscan/internal/events"
	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/migrator"
	"github.com/blockedby/groupscan/internal/nats"
	"github.com/blockedby/groupscan/internal/publisher"
	"github.com/blockedby/groupscan/internal/repository"
	"github.com/blockedby/groupscan/internal/scanner"
	"github.com/blockedby/groupscan/internal/scheduler"
	"github.com/blockedby/groupscan/internal/telegram"
	"github.com/blockedby/groupscan/migrations"
)

func main() {
	configPath := flag.String("config", "", "path to config.json (default $GROUPSCAN_CONFIG or ./config.json)")
	targetsPath := flag.String("targets", "", "optional targets YAML to scan on startup")
	migrate := flag.String("migrate", "up", "schema action: up, status, down[=N] or force=V (all but up exit afterwards)")
	flag.Parse()

	_ = godotenv.Load()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Initialize logger
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Msg("starting groupscan")

	// 3. Setup context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 4. Connect to database and migrate
	db, err := database.New(ctx, cfg.DSN(),
		database.WithMaxConns(cfg.Database.MaxConns),
		database.WithMaxIdleTime(cfg.Database.MaxIdle()),
		database.WithQueryLogging(cfg.Database.LogQueries),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	m, err := migrator.NewWithFS(migrations.FS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load migrations")
	}
	if exit := runMigrations(ctx, m, cfg.DSN(), *migrate); exit {
		return
	}
	schema, err := m.Status(ctx, cfg.DSN())
	if err != nil {
		log.Warn().Err(err).Msg("failed to read schema version")
	}

	// 5. Peer cache
	var peers cache.PeerCache = cache.NewMemory()
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      time.Duration(cfg.Redis.TTLMinutes) * time.Minute,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to redis, using in-memory peer cache")
		} else {
			defer rc.Close()
			peers = rc
		}
	}

	// 6. Credential sessions
	governor := telegram.NewGovernor(cfg.Delay())
	sessionOpts := func() telegram.Options {
		return telegram.Options{
			Governor:      governor,
			Limiter:       telegram.NewRateLimiter(cfg.Scan.RequestsPerSecond, 1),
			Cache:         peers,
			Log:           log,
			Retries:       cfg.Scan.TransientRetries,
			PageSize:      cfg.Scan.PageSize,
			PollInterval:  cfg.PollInterval(),
			MaxRetryAfter: cfg.MaxRetryAfter(),
		}
	}

	accountManager := telegram.NewManager(telegram.AccountCredentials(cfg), db.GORM)
	account := telegram.NewSession(telegram.KindAccount, accountManager, sessionOpts())
	if err := account.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("account session init failed")
	}
	defer account.Disconnect()

	// a nil *Session must not reach the delegator as a non-nil interface
	var bot scanner.Session
	var botSession *telegram.Session
	if creds, ok := telegram.BotCredentials(cfg); ok {
		botDB, err := database.OpenSQLite(telegram.BotSessionPath(cfg.Sessions.Dir, creds.BotToken))
		if err != nil {
			log.Error().Err(err).Msg("failed to open bot session file, bot disabled")
		} else {
			botSession = telegram.NewSession(telegram.KindBot, telegram.NewManager(creds, botDB), sessionOpts())
			if err := botSession.Connect(ctx); err != nil {
				log.Error().Err(err).Msg("bot session init failed")
			}
			defer botSession.Disconnect()
			bot = botSession
		}
	}

	// 7. Scanner, store and jobs
	bus := events.NewBus()
	defer bus.Close()

	store := repository.NewStore(db.GORM)
	maintenance := repository.NewMaintenanceRepository(db.Pool)

	delegator := scanner.NewDelegator(bot, account, scanner.DelegatorOptions{
		MaxRetryAfter:           cfg.MaxRetryAfter(),
		AccountRateLimitRetries: cfg.Scan.AccountRateLimitRetries,
		Log:                     log,
	})
	svc := scanner.NewService(delegator, account, store, bus, scanner.ServiceOptions{
		DelayMin:      seconds(cfg.Limits.DelayMin),
		DelayMax:      seconds(cfg.Limits.DelayMax),
		BotMaxGroups:  cfg.Bot.Workload.MaxMonitoredGroups,
		BotMaxMembers: cfg.Bot.Workload.MaxMonitoredMembersPerGroup,
		PollInterval:  cfg.PollInterval(),
		Log:           log,
	})
	jobs := scanner.NewJobManager(svc, bus, cfg.Scan.MaxConcurrentJobs, log)

	// 8. Scheduler
	sched := scheduler.New(time.UTC, bus, log)
	if cfg.Retention.Days > 0 && cfg.Retention.Schedule != "" {
		if _, err := sched.AddRetention(cfg.Retention.Schedule, cfg.Retention.Days, maintenance); err != nil {
			log.Fatal().Err(err).Msg("invalid retention schedule")
		}
	}
	if cfg.Retention.RescanSchedule != "" {
		if _, err := sched.AddRescan(cfg.Retention.RescanSchedule, cfg.Retention.RescanAfterHours, 0, store, jobs); err != nil {
			log.Fatal().Err(err).Msg("invalid rescan schedule")
		}
	}
	sched.Start()
	defer sched.Stop()

	// 9. Connect to NATS
	if cfg.NATS.URL != "" {
		nc, err := nats.New(ctx, cfg.NATS.URL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
		} else {
			defer nc.Close()
			if err := nc.EnsureStream(ctx, cfg.NATS.Stream); err != nil {
				log.Warn().Err(err).Msg("failed to ensure nats stream")
			}
			go publisher.NewNATSPublisher(nc, log).Run(ctx, bus)
		}
	}

	// 10. WebSocket hub and API server
	hub := api.NewHub(log)
	go hub.Run(ctx)
	go hub.Feed(bus.Subscribe(ctx, nil))

	server := api.NewServer(api.Config{Port: cfg.Server.Port}, api.Dependencies{
		Jobs:    jobs,
		Scanner: svc,
		Groups:  store,
		Stats:   maintenance,
		Hub:     hub,
		Status: func(ctx context.Context) api.Status {
			health := db.Health(ctx)
			st := api.Status{
				Account:        account.Status(),
				Governor:       governor.Stats(),
				RunningJobs:    jobs.Running(),
				AccountLimiter: account.LimiterStats(),
				Database:       &health,
				Schema:         &schema,
			}
			if botSession != nil {
				st.Bot = botSession.Status()
				bl := botSession.LimiterStats()
				st.BotLimiter = &bl
			}
			return st
		},
	})

	log.Info().Int("port", cfg.Server.Port).Msg("starting api server")
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	// 11. Optional startup job
	if *targetsPath != "" {
		targets, err := scanner.LoadTargets(*targetsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load targets")
		}
		job, err := jobs.Start(ctx, targets.Request())
		if err != nil {
			log.Error().Err(err).Msg("failed to start targets job")
		} else {
			log.Info().Str("job_id", job.ID.String()).Int("groups", job.Total).Msg("targets job started")
		}
	}

	// 12. Wait for shutdown
	<-ctx.Done()
	log.Info().Msg("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := jobs.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("jobs did not stop in time")
	}
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}

	log.Info().Msg("shutdown complete")
}

// runMigrations applies the schema action and reports whether the process
// should exit afterwards.
func runMigrations(ctx context.Context, m *migrator.Migrator, dsn, action string) bool {
	log := logger.Get()
	name, arg, _ := strings.Cut(action, "=")

	switch name {
	case "up":
		if err := m.Up(ctx, dsn); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		return false
	case "status":
	case "down":
		steps := 0
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				log.Fatal().Str("steps", arg).Msg("down expects a non-negative step count")
			}
			steps = n
		}
		if err := m.Down(ctx, dsn, steps); err != nil {
			log.Fatal().Err(err).Msg("failed to roll back migrations")
		}
	case "force":
		v, err := strconv.Atoi(arg)
		if err != nil {
			log.Fatal().Str("version", arg).Msg("force expects a version, e.g. force=3")
		}
		if err := m.Force(ctx, dsn, v); err != nil {
			log.Fatal().Err(err).Msg("failed to force schema version")
		}
	default:
		log.Fatal().Str("migrate", action).Msg("unknown migrate action")
	}

	st, err := m.Status(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read schema version")
	}
	log.Info().
		Uint("current", st.Current).
		Uint("latest", st.Latest).
		Bool("dirty", st.Dirty).
		Int("pending", len(st.Pending)).
		Msg("schema status")
	return true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
