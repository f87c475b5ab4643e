package integration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
	"quizroom-service/internal/infra/postgres"
	"quizroom-service/internal/infra/postgres/migrations"
	infraredis "quizroom-service/internal/infra/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

func TestMultiplayerRoomEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := migrateRooms(t, ctx, pgURL)
	defer db.Close()

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	bank := postgres.NewQuestionBank(pool)
	if err := bank.Insert(ctx, "trivia", sampleQuestions()); err != nil {
		t.Fatalf("seed questions: %v", err)
	}

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	service := app.NewRoomService(
		postgres.NewRoomStore(db),
		infraredis.NewEventBus(redisClient),
		infraredis.NewQuestionCache(redisClient, bank, 5*time.Minute),
		app.DefaultOptions(),
	)

	room, err := service.CreateRoom(ctx, app.CreateRoomRequest{
		HostUserID: "u1", Username: "Alice", Mode: domain.ModeMultiplayer, GameType: "trivia", Rounds: 2,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := service.JoinRoom(ctx, app.JoinRequest{RoomID: room.ID, UserID: "u2", Username: "Bob"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	events, cancel, err := service.Subscribe(ctx, room.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	started, err := service.StartGame(ctx, room.ID, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.StatusInProgress || started.TotalQuestions != 2 || started.CurrentQuestion == nil {
		t.Fatalf("unexpected started room: %+v", started)
	}
	expectEvent(t, events, domain.EventGameStarted)
	expectEvent(t, events, domain.EventNewQuestion)

	for index := 0; index < 2; index++ {
		snap, err := service.Snapshot(ctx, room.ID)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		correct := correctIndex(t, snap.Room.CurrentQuestion.Question)
		if _, err := service.SubmitAnswer(ctx, room.ID, "u2", correct, 0); err != nil {
			t.Fatalf("bob answer %d: %v", index, err)
		}
		if _, err := service.SubmitAnswer(ctx, room.ID, "u2", correct, 0); err == nil {
			t.Fatalf("expected duplicate answer on question %d to fail", index)
		}
		if _, err := service.SubmitAnswer(ctx, room.ID, "u1", domain.NoAnswer, 0); err != nil {
			t.Fatalf("alice no-answer %d: %v", index, err)
		}
		expectEvent(t, events, domain.EventPlayerAnswered)
		expectEvent(t, events, domain.EventPlayerAnswered)

		res, err := service.NextQuestion(ctx, app.AdvanceRequest{RoomID: room.ID, RequesterID: "u1", FromIndex: app.From(index)})
		if err != nil || !res.Advanced {
			t.Fatalf("advance from %d: advanced=%v err=%v", index, res.Advanced, err)
		}
		if index == 0 {
			expectEvent(t, events, domain.EventNewQuestion)
		} else {
			expectEvent(t, events, domain.EventGameFinished)
		}
	}

	final, err := service.Snapshot(ctx, room.ID)
	if err != nil {
		t.Fatalf("final snapshot: %v", err)
	}
	if final.Room.Status != domain.StatusFinished {
		t.Fatalf("expected finished, got %s", final.Room.Status)
	}
	scores := map[string]int{}
	for _, p := range final.Players {
		scores[p.UserID] = p.Score
	}
	if scores["u2"] != 2000 || scores["u1"] != 0 {
		t.Fatalf("unexpected scores: %v", scores)
	}

	// Multiplayer rooms draw fresh questions, so nothing lands in the cache.
	keys, err := redisClient.Keys(ctx, "quizroom:questions:*").Result()
	if err != nil {
		t.Fatalf("redis keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("multiplayer rooms must bypass the question cache, found %v", keys)
	}
}

func expectEvent(t *testing.T, events <-chan domain.Event, want domain.EventType) domain.Event {
	t.Helper()
	select {
	case ev := <-events:
		if ev.Type != want {
			t.Fatalf("expected %s, got %s", want, ev.Type)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
	return domain.Event{}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateRooms(t *testing.T, ctx context.Context, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{Question: "What is 2 + 2?", Options: []string{"3", "4", "5"}, CorrectAnswerIndex: 1, Difficulty: "easy", Category: "math"},
		{Question: "Capital of France?", Options: []string{"Paris", "Rome"}, CorrectAnswerIndex: 0, Difficulty: "easy", Category: "geography"},
		{Question: "Largest planet?", Options: []string{"Mars", "Venus", "Jupiter"}, CorrectAnswerIndex: 2, Difficulty: "medium", Category: "science"},
	}
}

func correctIndex(t *testing.T, prompt string) int {
	t.Helper()
	for _, q := range sampleQuestions() {
		if q.Question == prompt {
			return q.CorrectAnswerIndex
		}
	}
	t.Fatalf("unknown question %q", prompt)
	return -1
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
