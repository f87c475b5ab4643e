package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
	"quizroom-service/internal/infra/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testPool has the correct answer at index 0 for every question.
func testPool(n int) map[string][]domain.Question {
	qs := make([]domain.Question, n)
	for i := range qs {
		qs[i] = domain.Question{
			Question:           fmt.Sprintf("question %d", i),
			Options:            []string{"right", "wrong", "also wrong"},
			CorrectAnswerIndex: 0,
			Explanation:        fmt.Sprintf("because %d", i),
			Difficulty:         "easy",
			Category:           "test",
		}
	}
	return map[string][]domain.Question{"trivia": qs}
}

type fixture struct {
	service *app.RoomService
	rooms   *memory.RoomStore
	events  *memory.EventBus
	clock   *testClock
}

func newFixture(t *testing.T, provider app.QuestionProvider, tweak func(*app.Options)) *fixture {
	t.Helper()
	if provider == nil {
		provider = memory.NewStaticQuestionBankWithSeed(testPool(5), 1)
	}
	opts := app.DefaultOptions()
	if tweak != nil {
		tweak(&opts)
	}
	f := &fixture{
		rooms:  memory.NewRoomStore(),
		events: memory.NewEventBus(),
		clock:  newTestClock(),
	}
	f.service = app.NewRoomServiceWithClock(f.rooms, f.events, provider, opts, f.clock.Now)
	return f
}

func (f *fixture) createRoom(t *testing.T, mode domain.RoomMode, rounds int, settings domain.Settings) domain.RoomView {
	t.Helper()
	room, err := f.service.CreateRoom(context.Background(), app.CreateRoomRequest{
		HostUserID: "alice",
		Username:   "Alice",
		Mode:       mode,
		GameType:   "trivia",
		Difficulty: "easy",
		Rounds:     rounds,
		Settings:   settings,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func (f *fixture) join(t *testing.T, roomID, userID string) {
	t.Helper()
	if _, err := f.service.JoinRoom(context.Background(), app.JoinRequest{RoomID: roomID, UserID: userID, Username: userID}); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
}

func (f *fixture) room(t *testing.T, roomID string) domain.RoomView {
	t.Helper()
	snap, err := f.service.Snapshot(context.Background(), roomID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap.Room
}

func (f *fixture) player(t *testing.T, roomID, userID string) domain.Player {
	t.Helper()
	p, err := f.rooms.GetPlayer(context.Background(), roomID, userID)
	if err != nil {
		t.Fatalf("get player %s: %v", userID, err)
	}
	return p
}

type failingProvider struct{ err error }

func (p failingProvider) GenerateQuestions(context.Context, domain.GenerateRequest) ([]domain.Question, error) {
	return nil, p.err
}

type blockingProvider struct{}

func (blockingProvider) GenerateQuestions(ctx context.Context, _ domain.GenerateRequest) ([]domain.Question, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type gatedProvider struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	inner   app.QuestionProvider
}

func (p *gatedProvider) GenerateQuestions(ctx context.Context, req domain.GenerateRequest) ([]domain.Question, error) {
	if p.calls.Add(1) == 1 {
		close(p.entered)
	}
	select {
	case <-p.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.inner.GenerateQuestions(ctx, req)
}

func TestCreateRoomDefaultsAndValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	room := f.createRoom(t, domain.ModeSolo, 3, domain.Settings{})
	if room.Status != domain.StatusLobby || room.CurrentQuestionIndex != -1 || room.Version != 1 {
		t.Fatalf("unexpected new room: %+v", room)
	}
	if room.Settings.TimePerQuestion != 30 {
		t.Fatalf("expected default time per question 30, got %d", room.Settings.TimePerQuestion)
	}

	snap, err := f.service.Snapshot(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Players) != 1 || snap.Players[0].UserID != "alice" {
		t.Fatalf("expected host as only player, got %+v", snap.Players)
	}

	_, err = f.service.CreateRoom(context.Background(), app.CreateRoomRequest{HostUserID: "alice", Username: "Alice", Mode: "duel", GameType: "trivia", Rounds: 3})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown mode, got %v", err)
	}
}

func TestSoloGameRunsToFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	room := f.createRoom(t, domain.ModeSolo, 3, domain.Settings{TimePerQuestion: 30})

	started, err := f.service.StartGame(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.StatusInProgress || started.CurrentQuestionIndex != 0 || started.TotalQuestions != 3 {
		t.Fatalf("unexpected started room: %+v", started)
	}
	if started.CurrentQuestion == nil || !started.CurrentQuestion.StartedAt.Equal(f.clock.Now()) {
		t.Fatalf("expected question 0 stamped at server time, got %+v", started.CurrentQuestion)
	}

	for i := 0; i < 3; i++ {
		f.clock.Advance(3 * time.Second)
		res, err := f.service.SubmitAnswer(ctx, room.ID, "alice", 0, 3)
		if err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
		if !res.IsCorrect || res.PointsEarned != 910 || res.QuestionIndex != i {
			t.Fatalf("unexpected answer result %d: %+v", i, res)
		}
		adv, err := f.service.NextQuestion(ctx, app.AdvanceRequest{RoomID: room.ID, RequesterID: "alice", FromIndex: app.From(i)})
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if !adv.Advanced {
			t.Fatalf("expected advance from %d", i)
		}
	}

	final := f.room(t, room.ID)
	if final.Status != domain.StatusFinished {
		t.Fatalf("expected finished, got %s", final.Status)
	}
	if final.CurrentQuestionIndex != 2 {
		t.Fatalf("expected cursor to stay on last question, got %d", final.CurrentQuestionIndex)
	}
	if score := f.player(t, room.ID, "alice").Score; score != 3*910 {
		t.Fatalf("expected score %d, got %d", 3*910, score)
	}
}

func TestStartGameRequiresHostAndPlayers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	room := f.createRoom(t, domain.ModeMultiplayer, 3, domain.Settings{})

	if _, err := f.service.StartGame(ctx, room.ID, "alice"); !errors.Is(err, domain.ErrNotEnoughPlayers) || !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected not enough players, got %v", err)
	}
	f.join(t, room.ID, "bob")
	if _, err := f.service.StartGame(ctx, room.ID, "bob"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for non-host, got %v", err)
	}
	if _, err := f.service.StartGame(ctx, room.ID, "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.service.StartGame(ctx, room.ID, "alice"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state on second start, got %v", err)
	}
}

func TestStartGameGenerationFailureKeepsLobby(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, failingProvider{err: errors.New("model unavailable")}, nil)
	room := f.createRoom(t, domain.ModeSolo, 3, domain.Settings{})

	_, err := f.service.StartGame(ctx, room.ID, "alice")
	if !errors.Is(err, domain.ErrQuestionGenerationFailed) {
		t.Fatalf("expected generation failure, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatalf("expected generation failure to be retryable")
	}
	after := f.room(t, room.ID)
	if after.Status != domain.StatusLobby || after.Version != room.Version {
		t.Fatalf("expected untouched lobby room, got %+v", after)
	}
}

func TestStartGameGenerationTimeout(t *testing.T) {
	f := newFixture(t, blockingProvider{}, func(o *app.Options) { o.GenerateTimeout = 20 * time.Millisecond })
	room := f.createRoom(t, domain.ModeSolo, 3, domain.Settings{})

	_, err := f.service.StartGame(context.Background(), room.ID, "alice")
	if !errors.Is(err, domain.ErrTimeout) || !errors.Is(err, domain.ErrQuestionGenerationFailed) {
		t.Fatalf("expected generation timeout, got %v", err)
	}
	if got := f.room(t, room.ID).Status; got != domain.StatusLobby {
		t.Fatalf("expected lobby after timeout, got %s", got)
	}
}

func TestStartGameRejectsInvalidQuestions(t *testing.T) {
	bad := map[string][]domain.Question{"trivia": {{Question: "broken", Options: []string{"a", "b"}, CorrectAnswerIndex: 5, Difficulty: "easy"}}}
	f := newFixture(t, memory.NewStaticQuestionBank(bad), nil)
	room := f.createRoom(t, domain.ModeSolo, 1, domain.Settings{})

	if _, err := f.service.StartGame(context.Background(), room.ID, "alice"); !errors.Is(err, domain.ErrQuestionGenerationFailed) {
		t.Fatalf("expected generation failure for bad answer key, got %v", err)
	}
}

func TestDuplicateStartSharesGeneration(t *testing.T) {
	provider := &gatedProvider{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		inner:   memory.NewStaticQuestionBankWithSeed(testPool(5), 1),
	}
	f := newFixture(t, provider, nil)
	room := f.createRoom(t, domain.ModeSolo, 3, domain.Settings{})

	var wg sync.WaitGroup
	start := func() {
		defer wg.Done()
		_, _ = f.service.StartGame(context.Background(), room.ID, "alice")
	}
	wg.Add(2)
	go start()
	<-provider.entered
	go start()
	time.Sleep(20 * time.Millisecond)
	close(provider.release)
	wg.Wait()

	if calls := provider.calls.Load(); calls != 1 {
		t.Fatalf("expected one generation, got %d", calls)
	}
	if got := f.room(t, room.ID).Status; got != domain.StatusInProgress {
		t.Fatalf("expected in progress, got %s", got)
	}
}

func TestDuplicateStartOutlivesFirstCaller(t *testing.T) {
	provider := &gatedProvider{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		inner:   memory.NewStaticQuestionBankWithSeed(testPool(5), 1),
	}
	f := newFixture(t, provider, nil)
	room := f.createRoom(t, domain.ModeSolo, 3, domain.Settings{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = f.service.StartGame(firstCtx, room.ID, "alice")
	}()
	<-provider.entered

	var secondErr error
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_, secondErr = f.service.StartGame(context.Background(), room.ID, "alice")
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	close(provider.release)
	<-firstDone
	<-secondDone

	if secondErr != nil {
		t.Fatalf("collapsed start must not fail because the first caller went away: %v", secondErr)
	}
	if got := f.room(t, room.ID).Status; got != domain.StatusInProgress {
		t.Fatalf("expected in progress, got %s", got)
	}
	if calls := provider.calls.Load(); calls != 1 {
		t.Fatalf("expected one generation, got %d", calls)
	}
}

func TestJoinRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	solo := f.createRoom(t, domain.ModeSolo, 3, domain.Settings{})

	_, err := f.service.JoinRoom(ctx, app.JoinRequest{RoomID: solo.ID, UserID: "bob", Username: "Bob"})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied joining solo room, got %v", err)
	}
	_, err = f.service.JoinRoom(ctx, app.JoinRequest{RoomID: "missing", UserID: "bob", Username: "Bob"})
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected room not found, got %v", err)
	}

	multi := f.createRoom(t, domain.ModeMultiplayer, 3, domain.Settings{})
	f.join(t, multi.ID, "bob")
	f.join(t, multi.ID, "bob")
	snap, err := f.service.Snapshot(ctx, multi.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Players) != 2 {
		t.Fatalf("expected rejoin to keep two players, got %d", len(snap.Players))
	}
}

func TestLeaveRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	room := f.createRoom(t, domain.ModeMultiplayer, 3, domain.Settings{})
	f.join(t, room.ID, "bob")

	if err := f.service.LeaveRoom(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := f.rooms.GetPlayer(ctx, room.ID, "bob"); !errors.Is(err, domain.ErrPlayerNotInRoom) {
		t.Fatalf("expected bob removed, got %v", err)
	}

	if err := f.service.LeaveRoom(ctx, room.ID, "alice"); err != nil {
		t.Fatalf("host leave: %v", err)
	}
	if got := f.room(t, room.ID).Status; got != domain.StatusCancelled {
		t.Fatalf("expected host leaving to cancel, got %s", got)
	}
}

func TestLeaveDuringGameKeepsScore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	room := f.createRoom(t, domain.ModeMultiplayer, 3, domain.Settings{})
	f.join(t, room.ID, "bob")
	if _, err := f.service.StartGame(ctx, room.ID, "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.service.SubmitAnswer(ctx, room.ID, "bob", 0, 0); err != nil {
		t.Fatalf("bob answer: %v", err)
	}

	events, cancel, err := f.service.Subscribe(ctx, room.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := f.service.LeaveRoom(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	bob := f.player(t, room.ID, "bob")
	if bob.Present() || bob.Score != 1000 {
		t.Fatalf("expected bob marked left with score kept, got %+v", bob)
	}
	select {
	case ev := <-events:
		if ev.Type != domain.EventPlayerLeft || ev.PlayerID != "bob" {
			t.Fatalf("expected PLAYER_LEFT for bob, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected PLAYER_LEFT event")
	}

	f.join(t, room.ID, "bob")
	if !f.player(t, room.ID, "bob").Present() {
		t.Fatalf("expected rejoin to bring bob back")
	}
}

func TestCancelRoomIsIdempotentAndTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	room := f.createRoom(t, domain.ModeSolo, 3, domain.Settings{})
	if _, err := f.service.StartGame(ctx, room.ID, "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}

	first, err := f.service.CancelRoom(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second, err := f.service.CancelRoom(ctx, room.ID, "alice")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if first.Status != domain.StatusCancelled || second.Version != first.Version {
		t.Fatalf("expected one cancellation, got %+v then %+v", first, second)
	}

	if _, err := f.service.StartGame(ctx, room.ID, "alice"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state starting cancelled room, got %v", err)
	}
	if _, err := f.service.SubmitAnswer(ctx, room.ID, "alice", 0, 1); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state answering cancelled room, got %v", err)
	}
	if _, err := f.service.NextQuestion(ctx, app.AdvanceRequest{RoomID: room.ID, RequesterID: "alice", FromIndex: app.From(0)}); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state advancing cancelled room, got %v", err)
	}
}

func TestStartPublishesStartedThenQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	room := f.createRoom(t, domain.ModeSolo, 2, domain.Settings{})

	events, cancel, err := f.service.Subscribe(ctx, room.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if _, err := f.service.StartGame(ctx, room.ID, "alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := <-events
	second := <-events
	if first.Type != domain.EventGameStarted || second.Type != domain.EventNewQuestion {
		t.Fatalf("expected GAME_STARTED then NEW_QUESTION, got %s then %s", first.Type, second.Type)
	}
	if second.Question == nil || second.Question.Index != 0 || second.Version != first.Version {
		t.Fatalf("unexpected question event: %+v", second)
	}
}
