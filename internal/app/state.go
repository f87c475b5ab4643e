package app

import "quizroom-service/internal/domain"

var transitions = map[domain.RoomStatus][]domain.RoomStatus{
	domain.StatusLobby:      {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusFinished, domain.StatusCancelled},
}

// CanTransition reports whether the room lifecycle allows from -> to.
func CanTransition(from, to domain.RoomStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
