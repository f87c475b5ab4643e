package domain

import "time"

// EventType names a room broadcast.
type EventType string

const (
	EventPlayerJoined   EventType = "PLAYER_JOINED"
	EventPlayerLeft     EventType = "PLAYER_LEFT"
	EventGameStarted    EventType = "GAME_STARTED"
	EventNewQuestion    EventType = "NEW_QUESTION"
	EventPlayerAnswered EventType = "PLAYER_ANSWERED"
	EventGameFinished   EventType = "GAME_FINISHED"
	EventGameCancelled  EventType = "GAME_CANCELLED"
)

// Event is published on a room's channel after a committed mutation. Version
// is the room version the event was produced at.
type Event struct {
	Type     EventType     `json:"type"`
	RoomID   string        `json:"roomId"`
	Version  int64         `json:"version"`
	Status   RoomStatus    `json:"status,omitempty"`
	Index    int           `json:"index"`
	Question *QuestionView `json:"question,omitempty"`
	PlayerID string        `json:"playerId,omitempty"`
	At       time.Time     `json:"at"`
}

// ChangesRoom reports whether the event carries a new room version.
func (e Event) ChangesRoom() bool {
	switch e.Type {
	case EventGameStarted, EventNewQuestion, EventGameFinished, EventGameCancelled:
		return true
	}
	return false
}
