// Package follower keeps a client-side view of a room in step with the server.
//
// A Follower subscribes to room events, resyncs from a snapshot whenever it
// notices a version gap or a quiet stream, and reports local question expiry
// to the server exactly once per question. The server stays authoritative: the
// follower never moves its own cursor, it only applies what the server says.
package follower

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"quizroom-service/internal/domain"
)

// ErrSubscriptionClosed is returned by Run when the event stream ends.
var ErrSubscriptionClosed = errors.New("room subscription closed")

// Engine is the part of the room service a follower drives.
type Engine interface {
	Snapshot(ctx context.Context, roomID string) (domain.RoomSnapshot, error)
	Subscribe(ctx context.Context, roomID string) (<-chan domain.Event, func(), error)
	SubmitAnswer(ctx context.Context, roomID, playerID string, answerIndex int, timeTaken float64) (domain.AnswerResult, error)
	TimeUp(ctx context.Context, roomID, playerID string, fromIndex int) (domain.AdvanceResult, error)
}

type Options struct {
	// PollInterval is how long the stream may stay quiet before a resync.
	PollInterval time.Duration
	// AdvanceTimeout clears a pending time-up that never resolved.
	AdvanceTimeout time.Duration
	// PlayerEventDelay batches player events into one snapshot fetch.
	PlayerEventDelay time.Duration
	// OnChange receives a copy of the view after every applied change.
	OnChange func(domain.RoomSnapshot)
	// OnEvent receives every event read from the stream, applied or not.
	OnEvent func(domain.Event)
	Now     func() time.Time
}

func DefaultOptions() Options {
	return Options{
		PollInterval:     5 * time.Second,
		AdvanceTimeout:   5 * time.Second,
		PlayerEventDelay: 250 * time.Millisecond,
	}
}

type Follower struct {
	engine   Engine
	roomID   string
	playerID string
	opts     Options

	mu   sync.Mutex
	view domain.RoomSnapshot
	// advancing is set while a time-up call is in flight for advancingFrom.
	advancing      bool
	advancingFrom  int
	advancingSince time.Time
	// timeUpSent is the last index a time-up was issued for, -1 for none.
	timeUpSent int
	lastHeard  time.Time
	// syncs counts applied snapshot fetches.
	syncs uint64
}

func New(engine Engine, roomID, playerID string, opts Options) *Follower {
	defaults := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.AdvanceTimeout <= 0 {
		opts.AdvanceTimeout = defaults.AdvanceTimeout
	}
	if opts.PlayerEventDelay <= 0 {
		opts.PlayerEventDelay = defaults.PlayerEventDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Follower{
		engine:     engine,
		roomID:     roomID,
		playerID:   playerID,
		opts:       opts,
		timeUpSent: -1,
	}
}

// View returns a copy of the current view.
func (f *Follower) View() domain.RoomSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneSnapshot(f.view)
}

// Answer submits for the question currently in view. A negative timeTaken is
// replaced by the time elapsed since the question started.
func (f *Follower) Answer(ctx context.Context, answerIndex int, timeTaken float64) (domain.AnswerResult, error) {
	f.mu.Lock()
	cq := f.view.Room.CurrentQuestion
	var startedAt time.Time
	if cq != nil {
		startedAt = cq.StartedAt
	}
	f.mu.Unlock()

	if timeTaken < 0 {
		timeTaken = 0
		if !startedAt.IsZero() {
			timeTaken = f.opts.Now().Sub(startedAt).Seconds()
		}
	}
	return f.engine.SubmitAnswer(ctx, f.roomID, f.playerID, answerIndex, timeTaken)
}

// Resync replaces the view with a fresh snapshot.
func (f *Follower) Resync(ctx context.Context) error {
	snap, err := f.engine.Snapshot(ctx, f.roomID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.syncs++
	changed := f.acceptSnapshot(snap)
	out := cloneSnapshot(f.view)
	f.mu.Unlock()
	if changed {
		f.notify(out)
	}
	return nil
}

type advanceOutcome struct {
	from   int
	result domain.AdvanceResult
	err    error
}

// Run follows the room until ctx ends or the subscription closes.
func (f *Follower) Run(ctx context.Context) error {
	events, cancel, err := f.engine.Subscribe(ctx, f.roomID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer cancel()

	// Subscribed first, so nothing committed after the snapshot is missed.
	if err := f.Resync(ctx); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}

	poll := time.NewTicker(f.opts.PollInterval)
	defer poll.Stop()
	outcomes := make(chan advanceOutcome, 1)

	// Player events arrive in bursts; one snapshot after the burst settles
	// covers them all unless a room event already refetched.
	var settle *time.Timer
	var settleC <-chan time.Time
	var pendingSince uint64
	defer func() { stopTimer(settle) }()

	for {
		var expiry <-chan time.Time
		var timer *time.Timer
		if d, ok := f.untilExpiry(); ok {
			timer = time.NewTimer(d)
			expiry = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case ev, ok := <-events:
			stopTimer(timer)
			if !ok {
				return ErrSubscriptionClosed
			}
			if f.handleEvent(ctx, ev) && settleC == nil {
				pendingSince = f.syncCount()
				settle = time.NewTimer(f.opts.PlayerEventDelay)
				settleC = settle.C
			}
		case <-settleC:
			stopTimer(timer)
			settle, settleC = nil, nil
			if f.syncCount() == pendingSince {
				f.resync(ctx)
			}
		case <-expiry:
			f.fireTimeUp(ctx, outcomes)
		case out := <-outcomes:
			stopTimer(timer)
			f.handleOutcome(ctx, out)
		case <-poll.C:
			stopTimer(timer)
			f.handlePoll(ctx)
		}
	}
}

// handleEvent applies one event and reports whether it was a player event
// whose effect still has to be fetched.
func (f *Follower) handleEvent(ctx context.Context, ev domain.Event) bool {
	if f.opts.OnEvent != nil {
		f.opts.OnEvent(ev)
	}

	f.mu.Lock()
	f.lastHeard = f.opts.Now()
	if !ev.ChangesRoom() {
		f.mu.Unlock()
		// Player events carry no version; scores come from the snapshot.
		return true
	}
	applied, gap := f.applyRoomEvent(ev)
	out := cloneSnapshot(f.view)
	f.mu.Unlock()

	switch {
	case gap:
		log.Printf("follower %s/%s: version gap at %d, resyncing", f.roomID, f.playerID, ev.Version)
		f.resync(ctx)
	case applied:
		f.notify(out)
		if ev.Type == domain.EventNewQuestion || ev.Type == domain.EventGameStarted {
			// Answers were reset server-side.
			f.resync(ctx)
		}
	}
	return false
}

func (f *Follower) syncCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncs
}

// applyRoomEvent must be called with mu held. It reports whether the view
// changed and whether a version gap means the view must be refetched.
func (f *Follower) applyRoomEvent(ev domain.Event) (applied, gap bool) {
	current := f.view.Room.Version
	switch {
	case ev.Version < current:
		return false, false
	case ev.Version == current:
		// GAME_STARTED and NEW_QUESTION share a version; the question rides on the second.
		if ev.Type != domain.EventNewQuestion || ev.Question == nil {
			return false, false
		}
		if cq := f.view.Room.CurrentQuestion; cq != nil && cq.Index == ev.Question.Index && cq.StartedAt.Equal(ev.Question.StartedAt) {
			return false, false
		}
	case ev.Version > current+1:
		return false, true
	}

	room := &f.view.Room
	room.Version = ev.Version
	if ev.Status != "" {
		room.Status = ev.Status
	}
	room.CurrentQuestionIndex = ev.Index
	if ev.Question != nil {
		q := ev.Question.Clone()
		room.CurrentQuestion = &q
	}
	f.clearAdvancingIfMoved()
	return true, false
}

func (f *Follower) acceptSnapshot(snap domain.RoomSnapshot) bool {
	f.lastHeard = f.opts.Now()
	if snap.Room.Version < f.view.Room.Version {
		return false
	}
	f.view = cloneSnapshot(snap)
	f.clearAdvancingIfMoved()
	return true
}

// clearAdvancingIfMoved must be called with mu held.
func (f *Follower) clearAdvancingIfMoved() {
	room := f.view.Room
	if f.advancing && (room.CurrentQuestionIndex != f.advancingFrom || room.Status != domain.StatusInProgress) {
		f.advancing = false
	}
}

// untilExpiry returns the wait until the active question's local deadline,
// or false when no time-up is due from this follower.
func (f *Follower) untilExpiry() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := f.view.Room
	if room.Status != domain.StatusInProgress || room.CurrentQuestion == nil {
		return 0, false
	}
	if f.advancing || f.timeUpSent == room.CurrentQuestionIndex {
		return 0, false
	}
	return room.CurrentQuestion.Remaining(f.opts.Now()), true
}

func (f *Follower) fireTimeUp(ctx context.Context, outcomes chan<- advanceOutcome) {
	f.mu.Lock()
	from := f.view.Room.CurrentQuestionIndex
	if f.advancing || f.view.Room.Status != domain.StatusInProgress {
		f.mu.Unlock()
		return
	}
	f.advancing = true
	f.advancingFrom = from
	f.advancingSince = f.opts.Now()
	f.timeUpSent = from
	f.mu.Unlock()

	go func() {
		result, err := f.engine.TimeUp(ctx, f.roomID, f.playerID, from)
		select {
		case outcomes <- advanceOutcome{from: from, result: result, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (f *Follower) handleOutcome(ctx context.Context, out advanceOutcome) {
	f.mu.Lock()
	if f.advancing && f.advancingFrom == out.from {
		f.advancing = false
	}
	behind := out.err == nil && out.result.Room.Version > f.view.Room.Version
	f.mu.Unlock()

	if out.err != nil {
		if domain.NeedsResync(out.err) {
			f.resync(ctx)
			return
		}
		log.Printf("follower %s/%s: time up for %d: %v", f.roomID, f.playerID, out.from, out.err)
		return
	}
	if behind {
		f.resync(ctx)
	}
}

func (f *Follower) handlePoll(ctx context.Context) {
	now := f.opts.Now()
	f.mu.Lock()
	stuck := f.advancing && now.Sub(f.advancingSince) >= f.opts.AdvanceTimeout
	if stuck {
		f.advancing = false
		f.timeUpSent = -1
	}
	// A question still on screen after its deadline gets another time-up.
	room := f.view.Room
	if !f.advancing && room.Status == domain.StatusInProgress && room.CurrentQuestion != nil &&
		f.timeUpSent == room.CurrentQuestionIndex && room.CurrentQuestion.Expired(now) {
		f.timeUpSent = -1
	}
	quiet := now.Sub(f.lastHeard) >= f.opts.PollInterval
	f.mu.Unlock()

	if stuck || quiet {
		f.resync(ctx)
	}
}

func (f *Follower) resync(ctx context.Context) {
	if err := f.Resync(ctx); err != nil && ctx.Err() == nil {
		log.Printf("follower %s/%s: resync: %v", f.roomID, f.playerID, err)
	}
}

func (f *Follower) notify(snap domain.RoomSnapshot) {
	if f.opts.OnChange != nil {
		f.opts.OnChange(snap)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func cloneSnapshot(s domain.RoomSnapshot) domain.RoomSnapshot {
	out := s
	if s.Room.CurrentQuestion != nil {
		q := s.Room.CurrentQuestion.Clone()
		out.Room.CurrentQuestion = &q
	}
	if s.Players != nil {
		out.Players = make([]domain.Player, len(s.Players))
		for i, p := range s.Players {
			out.Players[i] = p.Clone()
		}
	}
	return out
}
