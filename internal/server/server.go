package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/itstheanurag/autograder/internal/api"
	config "github.com/itstheanurag/autograder/internal/config"
	"github.com/itstheanurag/autograder/internal/database"
	"github.com/itstheanurag/autograder/internal/events"
	"github.com/itstheanurag/autograder/internal/grader"
	"github.com/itstheanurag/autograder/internal/grades"
	"github.com/itstheanurag/autograder/internal/limiter"
	"github.com/itstheanurag/autograder/internal/queue"
	"github.com/itstheanurag/autograder/internal/sandbox"
	"github.com/itstheanurag/autograder/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	db          *database.Database
	rdb         *redis.Client
	sandbox     *sandbox.DockerSandbox
	queue       *queue.Manager
	workers     []*worker.Worker
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
}

// Components are the pieces shared by the HTTP server and the one-shot CLI.
type Components struct {
	DB       *database.Database
	Sandbox  *sandbox.DockerSandbox
	Recorder *grades.Recorder
	Grader   *grader.Grader
}

func (c *Components) Close() {
	if c.DB != nil {
		c.DB.Close()
	}
	if c.Sandbox != nil {
		_ = c.Sandbox.Close()
	}
}

// NewComponents opens the store and the docker client and builds the grader.
func NewComponents(conf *config.Config, logger *zerolog.Logger) (*Components, error) {
	c := &Components{}

	var store grades.Store
	switch conf.Store {
	case config.StoreMemory:
		logger.Warn().Msg("using in-memory submission store, grades are lost on restart")
		store = grades.NewMemoryStore()
	default:
		db, err := database.New(conf, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		c.DB = db
		ctx, cancel := context.WithTimeout(context.Background(), database.DatabasePingTimeout*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			c.Close()
			return nil, err
		}
		store = grades.NewPgStore(db.Pool)
	}

	sb, err := sandbox.NewDockerSandbox(logger, sandbox.BuildConfig{
		ContextDir: conf.Sandbox.BuildContext,
		Timeout:    conf.Sandbox.BuildTimeout,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	c.Sandbox = sb

	c.Recorder = grades.NewRecorder(store, logger)
	c.Grader = grader.New(sb, c.Recorder, conf.Sandbox, logger)
	return c, nil
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
) (*Server, error) {

	comps, err := NewComponents(conf, logger)
	if err != nil {
		return nil, err
	}

	q := queue.NewManager(conf.Worker.QueueCapacity)

	rl := limiter.NewRateLimiter(
		conf.Limiter.GlobalRPS,
		conf.Limiter.PerIPRPS,
		conf.Limiter.PerIPBurst,
		conf.Limiter.MaxConcurrent,
	)

	var (
		rdb       *redis.Client
		publisher worker.Publisher
	)
	if conf.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		publisher = events.NewPublisher(rdb, conf.Redis.Stream)
	}

	// A request may wait for a queued image build and then a full run.
	waitTimeout := conf.Sandbox.BuildTimeout + conf.Sandbox.Timeout + time.Minute
	handler := api.NewHandler(q, comps.Recorder, waitTimeout, logger)

	mux := http.NewServeMux()

	// health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// grading endpoint with rate limiting
	mux.HandleFunc("/grade", rl.Middleware(handler.Grade))
	mux.HandleFunc("/submissions", handler.Submission)

	httpServer := &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      mux,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	workers := make([]*worker.Worker, conf.Worker.Count)
	for i := range workers {
		workers[i] = worker.NewWorker(i, comps.Grader, q, publisher, logger)
	}

	s := &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		db:          comps.DB,
		rdb:         rdb,
		sandbox:     comps.Sandbox,
		queue:       q,
		workers:     workers,
		rateLimiter: rl,
	}

	return s, nil
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Int("workers", len(s.workers)).
		Msg("starting HTTP server")

	// Warm the sandbox image; jobs build it on demand if this fails.
	if err := s.sandbox.EnsureImage(context.Background(), s.conf.Sandbox.Image); err != nil {
		s.logger.Warn().Err(err).Str("image", s.conf.Sandbox.Image).Msg("failed to prepare sandbox image")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	s.rateLimiter.StartCleanup(ctx, 5*time.Minute)
	for _, w := range s.workers {
		go w.Start(ctx)
	}

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

// Stop stops the workers, drains HTTP and releases every client even when
// the drain does not finish in time.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if s.db != nil {
		s.db.Close()
	}

	if s.sandbox != nil {
		if err := s.sandbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close docker client: %w", err))
		}
	}

	return errors.Join(errs...)
}
