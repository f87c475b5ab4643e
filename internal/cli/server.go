package cli

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quizroom-service/internal/app"
	"quizroom-service/internal/config"
	"quizroom-service/internal/follower"
	"quizroom-service/internal/infra/memory"
	"quizroom-service/internal/infra/postgres"
	infraredis "quizroom-service/internal/infra/redis"
	transport "quizroom-service/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz room server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// adapters is the set of backends picked from config.
type adapters struct {
	rooms     app.RoomStore
	events    app.EventBus
	questions app.QuestionProvider
	closers   []func()
}

func (a *adapters) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildAdapters wires Postgres for rooms and the question bank when a URL is
// set, Redis for rooms, broadcast and the question cache when an address is
// set, and in-memory fallbacks for whatever is missing.
func buildAdapters(ctx context.Context, cfg config.Config) (*adapters, error) {
	a := &adapters{}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 2*time.Hour)

	var loader memory.QuestionLoader = memory.NewStaticQuestionBank(memory.SampleQuestions())
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		loader = postgres.NewQuestionBank(pool)

		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		db := bun.NewDB(sqldb, pgdialect.New())
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.rooms = postgres.NewRoomStore(db)
	}

	cacheTTL := config.TTLDuration(cfg.Questions.CacheTTL, 10*time.Minute)
	if redisClient != nil {
		a.questions = infraredis.NewQuestionCache(redisClient, loader, cacheTTL)
		a.events = infraredis.NewEventBus(redisClient)
		if a.rooms == nil {
			a.rooms = infraredis.NewRoomStore(redisClient, redisTTL)
		}
	} else {
		a.questions = memory.NewQuestionCache(loader, cacheTTL)
		a.events = memory.NewEventBus()
		if a.rooms == nil {
			a.rooms = memory.NewRoomStore()
		}
	}
	return a, nil
}

func serviceOptions(cfg config.Config) app.Options {
	opts := app.DefaultOptions()
	if cfg.Room.MinPlayers > 0 {
		opts.MinPlayers = cfg.Room.MinPlayers
	}
	opts.StoreTimeout = config.TTLDuration(cfg.Room.StoreTimeout, opts.StoreTimeout)
	opts.GenerateTimeout = config.TTLDuration(cfg.Room.GenerateTimeout, opts.GenerateTimeout)
	opts.TimeUpGrace = config.TTLDuration(cfg.Room.TimeUpGrace, opts.TimeUpGrace)
	if cfg.Room.MaxPoints > 0 {
		opts.Scoring.MaxPoints = cfg.Room.MaxPoints
	}
	if cfg.Room.MinPointsRatio > 0 {
		opts.Scoring.MinRatio = cfg.Room.MinPointsRatio
	}
	return opts
}

func followerOptions(cfg config.Config) follower.Options {
	opts := follower.DefaultOptions()
	opts.PollInterval = config.TTLDuration(cfg.Follower.PollInterval, opts.PollInterval)
	opts.AdvanceTimeout = config.TTLDuration(cfg.Follower.AdvanceTimeout, opts.AdvanceTimeout)
	opts.PlayerEventDelay = config.TTLDuration(cfg.Follower.PlayerEventDelay, opts.PlayerEventDelay)
	return opts
}

// newMux mounts health, REST and websocket routes for service.
func newMux(service *app.RoomService, cfg config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	transport.NewRESTHandler(service).Register(mux)
	wsHandler := transport.NewWSHandler(service, transport.WSOptions{
		MessagesPerSecond: cfg.Server.MessagesPerSecond,
		Burst:             cfg.Server.Burst,
		Follower:          followerOptions(cfg),
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	return mux
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	backends, err := buildAdapters(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.close()

	service := app.NewRoomService(backends.rooms, backends.events, backends.questions, serviceOptions(cfg))

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     newMux(service, cfg),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: websocket connections are long-lived.
	}

	go func() {
		log.Printf("starting quiz room service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
