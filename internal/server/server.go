package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/livequiz/internal/anomaly"
	"github.com/victornm/livequiz/internal/api"
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/gate"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/lobby"
	"github.com/victornm/livequiz/internal/persist"
	"github.com/victornm/livequiz/internal/question"
	"github.com/victornm/livequiz/internal/realtime"
	"github.com/victornm/livequiz/internal/scoring"
	"github.com/victornm/livequiz/internal/session"
	"github.com/victornm/livequiz/internal/telemetry"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port           int32
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Store       RedisConfig
		Pubsub      RedisConfig
		Leaderboard RedisConfig
	}

	Postgres struct {
		Enabled bool
		Addr    string
		User    string
		Pass    string
		Name    string
	}

	Game struct {
		scoring.Rules    `mapstructure:",squash"`
		session.Defaults `mapstructure:",squash"`
	}

	Supplier struct {
		BaseURL        string `mapstructure:"base_url"`
		APIKey         string `mapstructure:"api_key"`
		Model          string
		Timeout        time.Duration
		Attempts       uint
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
		FallbackFile   string        `mapstructure:"fallback_file"`
	}

	Anomaly anomaly.Config

	Persistence struct {
		Attempts     uint
		Concurrency  int
		ReapInterval time.Duration `mapstructure:"reap_interval"`
	}

	Moderators struct {
		Elevated []string
	}

	Realtime realtime.Config
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			store       redis.UniversalClient
			pubsub      redis.UniversalClient
			leaderboard redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		store       persist.Store
		sync        *persist.Synchronizer
		questions   *question.Retrying
		hub         *realtime.Hub
		lobby       *lobby.Lobby
		registry    *session.Registry
		gate        *gate.Gate
		leaderboard *leaderboard.Service
	}

	grpc *grpc.Server
	http *http.Server

	ctx  context.Context // background work, cancelled by Shutdown
	stop context.CancelFunc
	done chan struct{}
}

func Init(c Config) (*Server, error) {
	s := &Server{
		c:    c,
		eb:   event.NewBus(),
		done: make(chan struct{}),
	}
	s.ctx, s.stop = context.WithCancel(context.Background())

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("init service: %w", err)
	}

	s.initAPI()

	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if !s.c.Postgres.Enabled {
		return nil
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, rc RedisConfig) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    rc.Addrs,
			Password: rc.Pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.store, err = connect("store", s.c.Redis.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc := s.c.Postgres
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	var store persist.Store = persist.NewRedisStore(s.infra.redis.store, s.c.Redis.Store.Prefix)
	if s.infra.postgres != nil {
		pg := persist.NewPostgresStore(s.infra.postgres)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}

		// Redis answers reads; postgres keeps the archive.
		store = persist.Multi{store, pg}
	}
	s.service.store = store

	s.service.sync = persist.NewSynchronizer(persist.SyncConfig{
		Store:       store,
		Attempts:    s.c.Persistence.Attempts,
		Concurrency: s.c.Persistence.Concurrency,
	})

	if err := s.initQuestions(); err != nil {
		return fmt.Errorf("questions: %w", err)
	}

	s.service.hub = realtime.NewHub(s.c.Realtime)
	notifier := domain.Notifiers{
		s.service.hub,
		api.NewPublisher(s.infra.redis.pubsub, s.c.Redis.Pubsub.Prefix),
	}

	s.service.lobby = lobby.New(notifier, lobby.WithStore(store))

	s.service.registry = session.NewRegistry(session.Config{
		Questions: s.service.questions,
		Notifier:  notifier,
		Persister: s.service.sync,
		EventBus:  s.eb,
		Lobby:     s.service.lobby,
		Scoring:   s.c.Game.Rules,
		Defaults:  s.c.Game.Defaults,
	}, session.WithProfiles(store))

	s.service.gate = gate.New(gate.FromRegistry(s.service.registry), s.c.Moderators.Elevated...)
	s.service.hub.Route(realtime.Services{
		Lobby:    s.service.lobby,
		Sessions: s.service.registry,
		Gate:     s.service.gate,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Notifier: notifier,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	anomaly.NewMonitor(s.c.Anomaly, notifier, s.eb)

	s.eb.Subscribe(domain.EventNameSessionEnded, func(_ context.Context, e event.Event) error {
		s.service.questions.Forget(e.(domain.EventSessionEnded).SessionID)
		return nil
	})

	return nil
}

func (s *Server) initQuestions() error {
	sc := s.c.Supplier

	var bank *question.Bank
	if sc.FallbackFile != "" {
		b, err := question.LoadBank(sc.FallbackFile)
		if err != nil {
			return fmt.Errorf("fallback bank: %w", err)
		}
		bank = b
	}

	var supplier question.Supplier
	if sc.APIKey != "" || sc.BaseURL != "" {
		supplier = question.NewChatSupplier(sc.APIKey, sc.BaseURL, sc.Model, sc.Timeout)
	} else {
		slog.Warn("server: no question supplier configured, every round uses the fallback bank")
	}

	s.service.questions = question.NewRetrying(question.RetryConfig{
		Supplier:       supplier,
		Bank:           bank,
		Attempts:       sc.Attempts,
		InitialBackoff: sc.InitialBackoff,
		MaxBackoff:     sc.MaxBackoff,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())

	a := api.New(api.Config{
		GRPC:        s.grpc,
		Gate:        s.service.gate,
		Sessions:    s.service.registry,
		Leaderboard: s.service.leaderboard,
	})
	a.Routes(e, s.service.hub)

	origins := s.c.HTTP.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowCredentials: true,
	}).Handler(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Start restores unfinished sessions and serves until Shutdown.
func (s *Server) Start() {
	defer close(s.done)

	ctx := s.ctx
	s.restore(ctx)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return s.service.sync.Run(ctx)
	})

	eg.Go(func() error {
		s.reap(ctx)
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) restore(ctx context.Context) {
	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	snaps, err := s.service.store.ListOpen(lctx)
	if err != nil {
		slog.ErrorContext(ctx, "server: list open sessions failed", "error", err)
		return
	}

	n := s.service.registry.Restore(ctx, snaps)
	slog.InfoContext(ctx, "server: sessions restored", "count", n)
}

// reap drops finished sessions from memory once their last snapshot is stored.
func (s *Server) reap(ctx context.Context) {
	interval := s.c.Persistence.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.service.registry.Reap(s.service.sync.Durable); n > 0 {
				slog.InfoContext(ctx, "server: reaped finished sessions", "count", n)
			}
		}
	}
}

// Shutdown stops accepting traffic, stops the sessions and writes what is still pending.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.hub.Close()
	s.service.registry.Close()
	s.eb.Stop()

	if err := s.service.sync.Flush(ctx); err != nil {
		slog.ErrorContext(ctx, "server: flush pending snapshots failed", "error", err)
	}

	s.stop()
	<-s.done

	for _, r := range []redis.UniversalClient{s.infra.redis.store, s.infra.redis.pubsub, s.infra.redis.leaderboard} {
		_ = r.Close()
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
