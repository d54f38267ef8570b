package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// EventRoundOpened is emitted after every successful open-round workflow.
	EventRoundOpened = "round.opened"
	// EventRoundClosed is emitted after every successful close-round workflow.
	EventRoundClosed = "round.closed"
)

// Event is the queue payload consumed by the webhook relay worker.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	RoundID    int64     `json:"round_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier pushes round lifecycle events onto a redis list for the webhook
// relay. Delivery is best effort: a queue failure is logged, never surfaced,
// because the workflow that produced the event already committed.
type Notifier struct {
	client   *redis.Client
	queueKey string
	clock    func() time.Time
	logger   *zap.Logger
}

// NewNotifier constructs a notifier. A nil client yields a no-op notifier so
// deployments without redis skip the webhook queue entirely.
func NewNotifier(client *redis.Client, queueKey string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		client:   client,
		queueKey: queueKey,
		clock:    time.Now,
		logger:   logger,
	}
}

// RoundOpened enqueues a round-opened event.
func (n *Notifier) RoundOpened(ctx context.Context, roundID int64) {
	n.push(ctx, EventRoundOpened, roundID)
}

// RoundClosed enqueues a round-closed event.
func (n *Notifier) RoundClosed(ctx context.Context, roundID int64) {
	n.push(ctx, EventRoundClosed, roundID)
}

func (n *Notifier) push(ctx context.Context, kind string, roundID int64) {
	if n == nil || n.client == nil {
		return
	}

	event := Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		RoundID:    roundID,
		OccurredAt: n.clock().UTC(),
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("failed to encode notification event",
			zap.String("kind", kind), zap.Int64("round_id", roundID), zap.Error(err))
		return
	}
	if err := n.client.LPush(ctx, n.queueKey, string(encoded)).Err(); err != nil {
		n.logger.Error("failed to enqueue notification event",
			zap.String("kind", kind), zap.Int64("round_id", roundID), zap.Error(err))
	}
}
