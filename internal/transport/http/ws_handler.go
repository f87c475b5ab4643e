package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
	"quizroom-service/internal/follower"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// WSOptions tune per-connection behaviour.
type WSOptions struct {
	MessagesPerSecond float64
	Burst             int
	Follower          follower.Options
}

type WSHandler struct {
	service  *app.RoomService
	opts     WSOptions
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.RoomService, opts WSOptions) *WSHandler {
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	return &WSHandler{
		service: service,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	AnswerIndex int      `json:"answerIndex"`
	TimeTaken   *float64 `json:"timeTaken"`
}

type advancePayload struct {
	FromIndex *int `json:"fromIndex"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ServeWS upgrades the request and binds the socket to one player in one room.
// A follower per socket streams snapshots and events and reports local
// question expiry for the player.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	userID := r.URL.Query().Get("userId")
	displayName := r.URL.Query().Get("name")
	if roomID == "" || userID == "" || displayName == "" {
		http.Error(w, "missing roomId, userId, or name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := h.service.JoinRoom(ctx, app.JoinRequest{RoomID: roomID, UserID: userID, Username: displayName}); err != nil {
		_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: toErrorPayload(err)})
		return
	}

	send := make(chan outboundMessage, 32)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	followerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				// Unblocks the read loop.
				_ = conn.Close()
				for range send {
				}
				return
			}
		}
	}()

	enqueue := func(msg outboundMessage) {
		select {
		case send <- msg:
		case <-closeSignals:
		}
	}

	fopts := h.opts.Follower
	fopts.OnChange = func(snap domain.RoomSnapshot) {
		enqueue(outboundMessage{Type: "snapshot", Payload: snap})
	}
	fopts.OnEvent = func(ev domain.Event) {
		enqueue(outboundMessage{Type: "event", Payload: ev})
	}
	f := follower.New(h.service, roomID, userID, fopts)

	go func() {
		defer close(followerDone)
		if err := f.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ws follower %s/%s stopped: %v", roomID, userID, err)
			_ = conn.Close()
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.Burst)
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if !limiter.Allow() {
			enqueue(outboundMessage{Type: "error", Payload: errorPayload{Code: "rate_limited", Message: "too many messages", Retryable: true}})
			continue
		}
		if msg, ok := h.handle(ctx, f, roomID, userID, inbound); ok {
			enqueue(msg)
		}
	}

	close(closeSignals)
	cancel()
	<-followerDone
	close(send)
	<-writerDone
}

// handle runs one inbound intent. The returned message, if any, is the direct
// reply to the sender; room-wide effects arrive through the follower.
func (h *WSHandler) handle(ctx context.Context, f *follower.Follower, roomID, userID string, in inboundMessage) (outboundMessage, bool) {
	switch in.Type {
	case "start":
		if _, err := h.service.StartGame(ctx, roomID, userID); err != nil {
			return errorMessage(err), true
		}
		return outboundMessage{}, false
	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(in.Payload, &payload); err != nil {
			return errorMessage(domain.ErrInvalidArgument), true
		}
		taken := -1.0
		if payload.TimeTaken != nil {
			taken = *payload.TimeTaken
		}
		result, err := f.Answer(ctx, payload.AnswerIndex, taken)
		if err != nil {
			return errorMessage(err), true
		}
		return outboundMessage{Type: "answerResult", Payload: result}, true
	case "next", "skip":
		var payload advancePayload
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &payload); err != nil {
				return errorMessage(domain.ErrInvalidArgument), true
			}
		}
		req := app.AdvanceRequest{RoomID: roomID, RequesterID: userID, FromIndex: payload.FromIndex}
		var (
			result domain.AdvanceResult
			err    error
		)
		if in.Type == "next" {
			result, err = h.service.NextQuestion(ctx, req)
		} else {
			result, err = h.service.SkipQuestion(ctx, req)
		}
		if err != nil {
			h.resyncOnStale(ctx, f, err)
			return errorMessage(err), true
		}
		return outboundMessage{Type: "advanceResult", Payload: result}, true
	case "cancel":
		if _, err := h.service.CancelRoom(ctx, roomID, userID); err != nil {
			return errorMessage(err), true
		}
		return outboundMessage{}, false
	case "leave":
		if err := h.service.LeaveRoom(ctx, roomID, userID); err != nil {
			return errorMessage(err), true
		}
		return outboundMessage{}, false
	case "sync":
		// The follower emits the fresh snapshot.
		if err := f.Resync(ctx); err != nil {
			return errorMessage(err), true
		}
		return outboundMessage{}, false
	default:
		return outboundMessage{Type: "error", Payload: errorPayload{Code: "unsupported", Message: "unsupported message type"}}, true
	}
}

func (h *WSHandler) resyncOnStale(ctx context.Context, f *follower.Follower, err error) {
	if !domain.NeedsResync(err) {
		return
	}
	if rerr := f.Resync(ctx); rerr != nil {
		log.Printf("ws resync failed: %v", rerr)
	}
}

func errorMessage(err error) outboundMessage {
	return outboundMessage{Type: "error", Payload: toErrorPayload(err)}
}
