package ws

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// HubNotifier адаптирует Hub под интерфейс уведомлений сервисного слоя.
type HubNotifier struct {
	hub *Hub
}

// NewHubNotifier создаёт адаптер.
func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// Notify отправляет событие пользователю через WebSocket.
func (n *HubNotifier) Notify(_ context.Context, userID uuid.UUID, eventType string, referenceID uuid.UUID) error {
	return n.hub.BroadcastToUser(userID, eventType, map[string]any{
		"reference_id": referenceID,
		"occurred_at":  time.Now().UTC(),
	})
}
