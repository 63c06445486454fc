package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"librarydesk/internal/apperr"
	"librarydesk/internal/queue"
)

const prefsKey = "library:notify:prefs"

// DecisionEvent is the payload delivered for a decided request.
type DecisionEvent struct {
	StudentID string `json:"student_id"`
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
}

// Notifier publishes decision events for students who opted in. Preferences
// live in Redis so they survive restarts and are shared across instances.
type Notifier struct {
	prefs *redis.Client
	q     queue.Queue
}

// New creates a notifier.
func New(prefs *redis.Client, q queue.Queue) *Notifier {
	return &Notifier{prefs: prefs, q: q}
}

// SetPreference records whether the student wants decision notifications.
func (n *Notifier) SetPreference(ctx context.Context, studentID string, enabled bool) error {
	val := "0"
	if enabled {
		val = "1"
	}
	if err := n.prefs.HSet(ctx, prefsKey, studentID, val).Err(); err != nil {
		return apperr.Wrap(apperr.Internal, "store notification preference", err)
	}
	return nil
}

// Enabled reports the student's preference; unset defaults to enabled.
func (n *Notifier) Enabled(ctx context.Context, studentID string) bool {
	val, err := n.prefs.HGet(ctx, prefsKey, studentID).Result()
	if err == redis.Nil {
		return true
	}
	if err != nil {
		log.Printf("notification preference lookup failed: %v", err)
		return true
	}
	return val != "0"
}

// RequestDecided publishes a decision event fire-and-forget. Delivery is
// best-effort; a publish failure never fails the decision.
func (n *Notifier) RequestDecided(ctx context.Context, studentID, requestID, decision string) {
	if !n.Enabled(ctx, studentID) {
		return
	}
	body, err := json.Marshal(DecisionEvent{StudentID: studentID, RequestID: requestID, Decision: decision})
	if err != nil {
		log.Printf("encode decision event failed: %v", err)
		return
	}
	if err := n.q.Publish(ctx, queue.Message{Type: "request_decided", Body: body}); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}
