package sandbox

import (
	"context"
	"sync"

	"github.com/rom8726/apflow"
)

var _ apflow.Notifier = (*RecordingNotifier)(nil)

// RecordingNotifier keeps delivered notifications in memory, once per idempotency key.
type RecordingNotifier struct {
	mu    sync.Mutex
	sent  []apflow.Notification
	byKey map[string]apflow.NotificationReceipt
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{byKey: make(map[string]apflow.NotificationReceipt)}
}

func (n *RecordingNotifier) Notify(_ context.Context, notification apflow.Notification) (*apflow.NotificationReceipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if receipt, ok := n.byKey[notification.IdempotencyKey]; ok && notification.IdempotencyKey != "" {
		return &receipt, nil
	}

	receipt := apflow.NotificationReceipt{MessageIDs: make([]string, 0, len(notification.Recipients))}
	for _, recipient := range notification.Recipients {
		receipt.MessageIDs = append(receipt.MessageIDs, "MSG-"+shortHash(notification.IdempotencyKey+":"+recipient))
	}
	n.sent = append(n.sent, notification)
	if notification.IdempotencyKey != "" {
		n.byKey[notification.IdempotencyKey] = receipt
	}

	return &receipt, nil
}

func (n *RecordingNotifier) Sent() []apflow.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]apflow.Notification(nil), n.sent...)
}
