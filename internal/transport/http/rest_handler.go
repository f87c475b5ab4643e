package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"quizroom-service/internal/app"
	"quizroom-service/internal/domain"
)

// RESTHandler exposes the room operations as JSON endpoints.
type RESTHandler struct {
	service *app.RoomService
}

func NewRESTHandler(service *app.RoomService) *RESTHandler {
	return &RESTHandler{service: service}
}

// Register mounts the room routes on mux.
func (h *RESTHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /rooms", h.createRoom)
	mux.HandleFunc("GET /rooms/{id}", h.getRoom)
	mux.HandleFunc("POST /rooms/{id}/join", h.joinRoom)
	mux.HandleFunc("POST /rooms/{id}/leave", h.leaveRoom)
	mux.HandleFunc("POST /rooms/{id}/start", h.startGame)
	mux.HandleFunc("POST /rooms/{id}/answer", h.submitAnswer)
	mux.HandleFunc("POST /rooms/{id}/next", h.nextQuestion)
	mux.HandleFunc("POST /rooms/{id}/skip", h.skipQuestion)
	mux.HandleFunc("POST /rooms/{id}/time-up", h.timeUp)
	mux.HandleFunc("POST /rooms/{id}/cancel", h.cancelRoom)
}

type actorRequest struct {
	UserID string `json:"userId"`
}

type joinRequest struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

type answerRequest struct {
	UserID      string  `json:"userId"`
	AnswerIndex int     `json:"answerIndex"`
	TimeTaken   float64 `json:"timeTaken"`
}

type advanceRequest struct {
	UserID    string `json:"userId"`
	FromIndex *int   `json:"fromIndex"`
}

type timeUpRequest struct {
	UserID    string `json:"userId"`
	FromIndex int    `json:"fromIndex"`
}

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (h *RESTHandler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req app.CreateRoomRequest
	if !decode(w, r, &req) {
		return
	}
	room, err := h.service.CreateRoom(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *RESTHandler) getRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *RESTHandler) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	player, err := h.service.JoinRoom(r.Context(), app.JoinRequest{
		RoomID:    r.PathValue("id"),
		UserID:    req.UserID,
		Username:  req.Username,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

func (h *RESTHandler) leaveRoom(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.service.LeaveRoom(r.Context(), r.PathValue("id"), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) startGame(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decode(w, r, &req) {
		return
	}
	room, err := h.service.StartGame(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *RESTHandler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.service.SubmitAnswer(r.Context(), r.PathValue("id"), req.UserID, req.AnswerIndex, req.TimeTaken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *RESTHandler) nextQuestion(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.service.NextQuestion(r.Context(), app.AdvanceRequest{
		RoomID:      r.PathValue("id"),
		RequesterID: req.UserID,
		FromIndex:   req.FromIndex,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *RESTHandler) skipQuestion(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.service.SkipQuestion(r.Context(), app.AdvanceRequest{
		RoomID:      r.PathValue("id"),
		RequesterID: req.UserID,
		FromIndex:   req.FromIndex,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *RESTHandler) timeUp(w http.ResponseWriter, r *http.Request) {
	var req timeUpRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.service.TimeUp(r.Context(), r.PathValue("id"), req.UserID, req.FromIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *RESTHandler) cancelRoom(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if !decode(w, r, &req) {
		return
	}
	room, err := h.service.CancelRoom(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "invalid_argument", Message: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http write error: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("http request failed: %v", err)
	}
	writeJSON(w, status, toErrorPayload(err))
}

func toErrorPayload(err error) errorPayload {
	return errorPayload{
		Code:      domain.Code(err),
		Message:   err.Error(),
		Retryable: domain.IsRetryable(err),
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrPlayerNotInRoom):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidAnswer):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyAnswered), errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQuestionGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
