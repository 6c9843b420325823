package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"quel-fitting-server/modules/common/config"
	"quel-fitting-server/modules/common/database"
	"quel-fitting-server/modules/common/gemini"
	"quel-fitting-server/modules/common/logger"
	"quel-fitting-server/modules/common/metrics"
	"quel-fitting-server/modules/common/redis"
	"quel-fitting-server/modules/common/storage"
	"quel-fitting-server/modules/fitting"
	"quel-fitting-server/modules/provider"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, dotenv, err := config.LoadConfig()
	if err != nil {
		l := logger.New("production")
		l.Fatal().Err(err).Msg("failed to load config")
	}
	log := logger.New(cfg.AppEnv)
	if !dotenv {
		log.Debug().Msg(".env not found, using process environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, &log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server stopped")
}

// app - 프로세스 하나가 들고 있는 구성 요소
type app struct {
	orch    *fitting.Orchestrator
	handler *fitting.Handler
	worker  *fitting.Worker
	metrics *metrics.Metrics
	rdb     *goredis.Client
	started time.Time
}

// build - 설정에 따라 선택적 구성 요소(Redis, Supabase, Gemini)를 붙인다
func build(ctx context.Context, cfg *config.Config, log *zerolog.Logger) (*app, error) {
	m := metrics.New()

	var limiter *rate.Limiter
	if cfg.SubmitRatePerSec > 0 {
		burst := int(cfg.SubmitRatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), burst)
	}

	opts := fitting.Options{
		Profiles: cfg.Providers,
		Provider: provider.NewClient(provider.Options{Logger: log, SubmitLimiter: limiter}),
		Metrics:  m,
		Logger:   log,
	}

	var db *database.Client
	if cfg.SupabaseEnabled() {
		var err error
		db, err = database.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseJobsTable, log)
		if err != nil {
			return nil, err
		}
		opts.Store = db
		opts.Finder = db
		log.Info().Str("table", cfg.SupabaseJobsTable).Msg("job persistence enabled")
	} else {
		log.Warn().Msg("supabase not configured, jobs live in memory only")
	}

	storeOpts := storage.Options{
		SupabaseURL:    cfg.SupabaseURL,
		ServiceKey:     cfg.SupabaseServiceKey,
		StorageBaseURL: cfg.SupabaseStorageBaseURL,
		Bucket:         cfg.ResultBucket,
		Logger:         log,
	}
	if db != nil {
		storeOpts.Attaches = db
		storeOpts.Recorder = db
	}
	files := storage.NewClient(storeOpts)
	opts.Downloader = files
	if db != nil {
		opts.Archiver = files
	}

	if len(cfg.GeminiAPIKeys) > 0 {
		scorer, err := gemini.NewScorer(gemini.Options{APIKeys: cfg.GeminiAPIKeys, Model: cfg.GeminiModel, Logger: log})
		if err != nil {
			return nil, err
		}
		opts.Scorer = scorer
		log.Info().Str("model", cfg.GeminiModel).Int("keys", len(cfg.GeminiAPIKeys)).Msg("gemini validation enabled")
	} else {
		log.Info().Msg("no gemini keys, using heuristic validation")
	}

	a := &app{metrics: m, started: time.Now()}

	var queue *redis.Queue
	if cfg.RedisEnabled() {
		rdb, err := redis.Connect(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		queue = redis.NewQueue(rdb, cfg.JobQueueKey)
		opts.Cancels = queue
	} else {
		log.Warn().Msg("redis not configured, queue worker disabled")
	}

	orch, err := fitting.NewOrchestrator(opts)
	if err != nil {
		return nil, err
	}
	a.orch = orch

	if queue != nil {
		a.handler = fitting.NewHandler(orch, queue, log)
		if db != nil {
			a.worker = fitting.NewWorker(fitting.WorkerOptions{
				Queue:         queue,
				Jobs:          db,
				Inputs:        files,
				Orchestrator:  orch,
				MaxConcurrent: cfg.MaxConcurrentJobs,
				Logger:        log,
			})
		} else {
			log.Warn().Msg("queue worker needs supabase to load job definitions, disabled")
		}
	} else {
		a.handler = fitting.NewHandler(orch, nil, log)
	}
	return a, nil
}

// router - 헬스 체크, 메트릭, fitting 라우트. CORS 는 라우트 매칭 전에 감싼다 (preflight 는 라우트가 없다).
func (a *app) router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", a.healthCheck).Methods("GET")
	r.HandleFunc("/health", a.healthCheck).Methods("GET")
	r.Handle("/metrics", a.metrics.Handler()).Methods("GET")
	a.handler.RegisterRoutes(r)
	return enableCORS(r)
}

func run(ctx context.Context, cfg *config.Config, log *zerolog.Logger) error {
	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	if a.rdb != nil {
		defer a.rdb.Close()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("quel fitting server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.worker != nil {
		g.Go(func() error {
			return a.worker.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		if err := a.orch.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("orchestrator shutdown")
		}
		return nil
	})
	return g.Wait()
}
