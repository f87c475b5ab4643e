package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"quizroom-service/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// RoomStore abstracts durable room and player state (in-memory, Redis, Postgres).
// Every room mutation goes through SwapRoom, which must be a compare-and-swap
// on Version.
type RoomStore interface {
	CreateRoom(ctx context.Context, room domain.Room) error
	GetRoom(ctx context.Context, roomID string) (domain.Room, error)
	// SwapRoom stores next if the stored version equals expectedVersion, bumping
	// it by one. With resetAnswers, every player's per-question fields are
	// cleared in the same write. Returns ErrConcurrencyConflict on mismatch.
	SwapRoom(ctx context.Context, expectedVersion int64, next domain.Room, resetAnswers bool) (domain.Room, error)
	AddPlayer(ctx context.Context, player domain.Player) (domain.Player, error)
	// MarkLeft flags a player as departed without dropping their score. A
	// later AddPlayer for the same user clears the flag.
	MarkLeft(ctx context.Context, roomID, userID string, at time.Time) (domain.Player, error)
	RemovePlayer(ctx context.Context, roomID, userID string) error
	GetPlayer(ctx context.Context, roomID, userID string) (domain.Player, error)
	ListPlayers(ctx context.Context, roomID string) ([]domain.Player, error)
	// RecordAnswer stores the answer only if the room is in progress on
	// questionIndex and the player has not answered yet.
	RecordAnswer(ctx context.Context, roomID string, questionIndex int, answer domain.Answer) (domain.Player, error)
}

// EventBus is the room-scoped broadcast primitive. Events passed to a single
// Publish call are delivered in order.
type EventBus interface {
	Publish(ctx context.Context, roomID string, events ...domain.Event) error
	Subscribe(ctx context.Context, roomID string) (<-chan domain.Event, func(), error)
}

// QuestionProvider generates the question set for a room.
type QuestionProvider interface {
	GenerateQuestions(ctx context.Context, req domain.GenerateRequest) ([]domain.Question, error)
}

// Options tune the engine.
type Options struct {
	MinPlayers      int
	GenerateTimeout time.Duration
	StoreTimeout    time.Duration
	PublishTimeout  time.Duration
	// TimeUpGrace absorbs client clock skew when a client reports expiry.
	TimeUpGrace time.Duration
	Scoring     ScoringPolicy
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MinPlayers:      2,
		GenerateTimeout: 20 * time.Second,
		StoreTimeout:    3 * time.Second,
		PublishTimeout:  2 * time.Second,
		TimeUpGrace:     time.Second,
		Scoring:         DefaultScoring(),
	}
}

const defaultTimePerQuestion = 30

// RoomService contains the room use cases: lifecycle, cursor, ledger and advancement.
type RoomService struct {
	rooms     RoomStore
	events    EventBus
	questions QuestionProvider
	opts      Options
	now       func() time.Time
	validate  *validator.Validate
	starts    singleflight.Group
}

func NewRoomService(rooms RoomStore, events EventBus, questions QuestionProvider, opts Options) *RoomService {
	return NewRoomServiceWithClock(rooms, events, questions, opts, time.Now)
}

// NewRoomServiceWithClock is for deterministic timestamps in tests.
func NewRoomServiceWithClock(rooms RoomStore, events EventBus, questions QuestionProvider, opts Options, now func() time.Time) *RoomService {
	if opts.MinPlayers <= 0 {
		opts.MinPlayers = 1
	}
	if opts.Scoring.MaxPoints == 0 {
		opts.Scoring = DefaultScoring()
	}
	return &RoomService{
		rooms:     rooms,
		events:    events,
		questions: questions,
		opts:      opts,
		now:       now,
		validate:  validator.New(),
	}
}

// CreateRoomRequest is the input of CreateRoom.
type CreateRoomRequest struct {
	HostUserID string          `json:"hostUserId" validate:"required,max=128"`
	Username   string          `json:"username" validate:"required,max=64"`
	AvatarURL  string          `json:"avatarUrl" validate:"omitempty,url"`
	Mode       domain.RoomMode `json:"mode" validate:"required,oneof=solo multiplayer"`
	GameType   string          `json:"gameType" validate:"required,max=64"`
	Difficulty string          `json:"difficulty" validate:"omitempty,oneof=easy medium hard mixed"`
	Rounds     int             `json:"rounds" validate:"min=1,max=50"`
	Settings   domain.Settings `json:"settings"`
}

// JoinRequest is the input of JoinRoom.
type JoinRequest struct {
	RoomID    string `json:"roomId" validate:"required"`
	UserID    string `json:"userId" validate:"required,max=128"`
	Username  string `json:"username" validate:"required,max=64"`
	AvatarURL string `json:"avatarUrl" validate:"omitempty,url"`
}

// CreateRoom opens a room in the lobby with the host as its first player.
func (s *RoomService) CreateRoom(ctx context.Context, req CreateRoomRequest) (domain.RoomView, error) {
	if req.Settings.TimePerQuestion == 0 {
		req.Settings.TimePerQuestion = defaultTimePerQuestion
	}
	if err := s.validate.Struct(req); err != nil {
		return domain.RoomView{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	now := s.now()
	room := domain.Room{
		ID:                   uuid.NewString(),
		Status:               domain.StatusLobby,
		Mode:                 req.Mode,
		HostUserID:           req.HostUserID,
		GameType:             req.GameType,
		Difficulty:           req.Difficulty,
		Rounds:               req.Rounds,
		Settings:             req.Settings,
		CurrentQuestionIndex: -1,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.rooms.CreateRoom(storeCtx, room); err != nil {
		return domain.RoomView{}, domain.StoreError("create room", err)
	}
	if _, err := s.rooms.AddPlayer(storeCtx, domain.Player{
		RoomID:    room.ID,
		UserID:    req.HostUserID,
		Username:  req.Username,
		AvatarURL: req.AvatarURL,
		JoinedAt:  now,
	}); err != nil {
		return domain.RoomView{}, domain.StoreError("add host", err)
	}
	log.Printf("room %s created by %s (%s, %d rounds)", room.ID, room.HostUserID, room.Mode, room.Rounds)
	return room.View(), nil
}

// JoinRoom registers or refreshes a player. Solo rooms only admit their host.
func (s *RoomService) JoinRoom(ctx context.Context, req JoinRequest) (domain.Player, error) {
	if err := s.validate.Struct(req); err != nil {
		return domain.Player{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	room, err := s.getRoom(ctx, req.RoomID)
	if err != nil {
		return domain.Player{}, err
	}
	if room.Status.Terminal() {
		return domain.Player{}, fmt.Errorf("join %s room: %w", room.Status, domain.ErrInvalidState)
	}
	if room.Mode == domain.ModeSolo && req.UserID != room.HostUserID {
		return domain.Player{}, fmt.Errorf("join solo room: %w", domain.ErrPermissionDenied)
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	player, err := s.rooms.AddPlayer(storeCtx, domain.Player{
		RoomID:    req.RoomID,
		UserID:    req.UserID,
		Username:  req.Username,
		AvatarURL: req.AvatarURL,
		JoinedAt:  s.now(),
	})
	if err != nil {
		return domain.Player{}, domain.StoreError("add player", err)
	}
	s.publish(ctx, room.ID, domain.Event{
		Type:     domain.EventPlayerJoined,
		RoomID:   room.ID,
		Version:  room.Version,
		Status:   room.Status,
		Index:    room.CurrentQuestionIndex,
		PlayerID: req.UserID,
		At:       s.now(),
	})
	return player, nil
}

// LeaveRoom removes a player from the lobby. The host leaving cancels the room.
// During a game the player is only marked as departed: their score stays on
// the board and the all-answered trigger stops waiting for them.
func (s *RoomService) LeaveRoom(ctx context.Context, roomID, userID string) error {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if userID == room.HostUserID && !room.Status.Terminal() {
		_, err := s.CancelRoom(ctx, roomID, userID)
		return err
	}
	if room.Status.Terminal() {
		return nil
	}

	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if room.Status == domain.StatusInProgress {
		if _, err := s.rooms.MarkLeft(storeCtx, roomID, userID, s.now()); err != nil {
			return domain.StoreError("mark player left", err)
		}
	} else if err := s.rooms.RemovePlayer(storeCtx, roomID, userID); err != nil {
		return domain.StoreError("remove player", err)
	}
	s.publish(ctx, roomID, domain.Event{
		Type:     domain.EventPlayerLeft,
		RoomID:   roomID,
		Version:  room.Version,
		Status:   room.Status,
		Index:    room.CurrentQuestionIndex,
		PlayerID: userID,
		At:       s.now(),
	})
	if room.Status == domain.StatusInProgress && room.Settings.AdvanceWhenAllAnswered {
		s.advanceIfAllAnswered(ctx, room)
	}
	return nil
}

// StartGame moves a lobby room into play. Concurrent duplicate calls from the
// same requester share one question generation.
func (s *RoomService) StartGame(ctx context.Context, roomID, requesterID string) (domain.RoomView, error) {
	// Duplicates wait on the first caller's generation, so it must not die
	// with that caller's request. GenerateTimeout still bounds it.
	shared := context.WithoutCancel(ctx)
	result, err, collapsed := s.starts.Do(roomID+"/"+requesterID, func() (interface{}, error) {
		return s.startGame(shared, roomID, requesterID)
	})
	if collapsed {
		log.Printf("room %s: duplicate start collapsed", roomID)
	}
	if err != nil {
		return domain.RoomView{}, err
	}
	return result.(domain.RoomView), nil
}

func (s *RoomService) startGame(ctx context.Context, roomID, requesterID string) (domain.RoomView, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return domain.RoomView{}, err
	}
	if requesterID != room.HostUserID {
		return domain.RoomView{}, fmt.Errorf("start game: %w", domain.ErrPermissionDenied)
	}
	if !CanTransition(room.Status, domain.StatusInProgress) {
		return domain.RoomView{}, fmt.Errorf("start game from %s: %w", room.Status, domain.ErrInvalidState)
	}
	if room.Mode == domain.ModeMultiplayer {
		players, err := s.listPlayers(ctx, roomID)
		if err != nil {
			return domain.RoomView{}, err
		}
		if len(players) < s.opts.MinPlayers {
			return domain.RoomView{}, fmt.Errorf("start game with %d/%d players: %w", len(players), s.opts.MinPlayers, domain.ErrNotEnoughPlayers)
		}
	}

	questions := room.Questions
	if len(questions) == 0 || room.Mode == domain.ModeMultiplayer {
		questions, err = s.generate(ctx, room)
		if err != nil {
			log.Printf("room %s: question generation failed: %v", roomID, err)
			return domain.RoomView{}, err
		}
	}

	next := planStart(room, questions, s.now())
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	stored, err := s.rooms.SwapRoom(storeCtx, room.Version, next, true)
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		current, gerr := s.getRoom(ctx, roomID)
		if gerr == nil && current.Status != domain.StatusLobby {
			return domain.RoomView{}, fmt.Errorf("start game from %s: %w", current.Status, domain.ErrInvalidState)
		}
		return domain.RoomView{}, err
	}
	if err != nil {
		return domain.RoomView{}, domain.StoreError("start game", err)
	}

	now := s.now()
	s.publish(ctx, roomID,
		domain.Event{Type: domain.EventGameStarted, RoomID: roomID, Version: stored.Version, Status: stored.Status, Index: 0, At: now},
		newQuestionEvent(stored, now),
	)
	log.Printf("room %s started with %d questions", roomID, len(stored.Questions))
	return stored.View(), nil
}

func (s *RoomService) generate(ctx context.Context, room domain.Room) ([]domain.Question, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.opts.GenerateTimeout)
	defer cancel()

	questions, err := s.questions.GenerateQuestions(genCtx, domain.GenerateRequest{
		GameType:   room.GameType,
		Difficulty: room.Difficulty,
		Rounds:     room.Rounds,
		Settings:   room.Settings,
		Fresh:      room.Mode == domain.ModeMultiplayer,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrQuestionGenerationFailed, domain.ErrTimeout)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrQuestionGenerationFailed, err)
	}
	if room.Rounds > 0 && len(questions) > room.Rounds {
		questions = questions[:room.Rounds]
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: provider returned no questions", domain.ErrQuestionGenerationFailed)
	}
	for i, q := range questions {
		if !q.Valid() {
			return nil, fmt.Errorf("%w: question %d has no valid answer key", domain.ErrQuestionGenerationFailed, i)
		}
	}
	return questions, nil
}

// CancelRoom aborts a lobby or running room. Cancelling twice is a no-op.
func (s *RoomService) CancelRoom(ctx context.Context, roomID, requesterID string) (domain.RoomView, error) {
	for attempt := 0; attempt < 3; attempt++ {
		room, err := s.getRoom(ctx, roomID)
		if err != nil {
			return domain.RoomView{}, err
		}
		if requesterID != room.HostUserID {
			return domain.RoomView{}, fmt.Errorf("cancel room: %w", domain.ErrPermissionDenied)
		}
		if room.Status == domain.StatusCancelled {
			return room.View(), nil
		}
		if !CanTransition(room.Status, domain.StatusCancelled) {
			return domain.RoomView{}, fmt.Errorf("cancel %s room: %w", room.Status, domain.ErrInvalidState)
		}

		next := room.Clone()
		next.Status = domain.StatusCancelled
		next.UpdatedAt = s.now()

		storeCtx, cancel := s.storeCtx(ctx)
		stored, err := s.rooms.SwapRoom(storeCtx, room.Version, next, false)
		cancel()
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return domain.RoomView{}, domain.StoreError("cancel room", err)
		}
		s.publish(ctx, roomID, domain.Event{
			Type:    domain.EventGameCancelled,
			RoomID:  roomID,
			Version: stored.Version,
			Status:  stored.Status,
			Index:   stored.CurrentQuestionIndex,
			At:      s.now(),
		})
		log.Printf("room %s cancelled", roomID)
		return stored.View(), nil
	}
	return domain.RoomView{}, fmt.Errorf("cancel room: %w", domain.ErrConcurrencyConflict)
}

// Snapshot returns the authoritative client view used for resync.
func (s *RoomService) Snapshot(ctx context.Context, roomID string) (domain.RoomSnapshot, error) {
	room, err := s.getRoom(ctx, roomID)
	if err != nil {
		return domain.RoomSnapshot{}, err
	}
	players, err := s.listPlayers(ctx, roomID)
	if err != nil {
		return domain.RoomSnapshot{}, err
	}
	return domain.RoomSnapshot{Room: room.View(), Players: players, ServerAt: s.now()}, nil
}

// Subscribe returns the room's event stream. The caller must invoke the
// returned cancel function to avoid leaks.
func (s *RoomService) Subscribe(ctx context.Context, roomID string) (<-chan domain.Event, func(), error) {
	if _, err := s.getRoom(ctx, roomID); err != nil {
		return nil, nil, err
	}
	return s.events.Subscribe(ctx, roomID)
}

func (s *RoomService) getRoom(ctx context.Context, roomID string) (domain.Room, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	room, err := s.rooms.GetRoom(storeCtx, roomID)
	if err != nil {
		return domain.Room{}, domain.StoreError("get room", err)
	}
	return room, nil
}

func (s *RoomService) listPlayers(ctx context.Context, roomID string) ([]domain.Player, error) {
	storeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	players, err := s.rooms.ListPlayers(storeCtx, roomID)
	if err != nil {
		return nil, domain.StoreError("list players", err)
	}
	return players, nil
}

func (s *RoomService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

// publish is best effort: state is already committed and clients converge by
// resyncing when a broadcast is lost.
func (s *RoomService) publish(ctx context.Context, roomID string, events ...domain.Event) {
	timeout := s.opts.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.events.Publish(pubCtx, roomID, events...); err != nil {
		log.Printf("room %s: publish %d events failed: %v", roomID, len(events), err)
	}
}

func newQuestionEvent(room domain.Room, at time.Time) domain.Event {
	ev := domain.Event{
		Type:    domain.EventNewQuestion,
		RoomID:  room.ID,
		Version: room.Version,
		Status:  room.Status,
		Index:   room.CurrentQuestionIndex,
		At:      at,
	}
	if room.CurrentQuestion != nil {
		cq := room.CurrentQuestion.Clone()
		ev.Question = &cq
	}
	return ev
}
