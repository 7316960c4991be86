package subscription

import "board-sync/domain"

// Tee broadcasts every delta to each of its members in order.
type Tee []Broadcaster

func (t Tee) Broadcast(boardID string, d domain.Delta) {
	for _, b := range t {
		if b != nil {
			b.Broadcast(boardID, d)
		}
	}
}
