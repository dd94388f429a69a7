package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"lectern/internal/observability"

	"github.com/redis/go-redis/v9"
)

const participantChannelPrefix = "lectern:participant:"

// ParticipantChannel returns the Redis channel carrying frames for one participant.
func ParticipantChannel(participantID string) string {
	return participantChannelPrefix + participantID
}

// envelope is one frame on its way to every connection of a participant,
// possibly served by another relay instance. Skip names the connection the
// frame originated from.
type envelope struct {
	Skip string          `json:"skip,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Notifier fans frames out across relay instances through Redis pub/sub.
// A Notifier without a Redis client is disabled and the hub delivers locally.
type Notifier struct {
	rdb     *redis.Client
	metrics *observability.RelayMetrics
	log     *slog.Logger
}

// NewNotifier creates a Notifier. rdb may be nil.
func NewNotifier(rdb *redis.Client, metrics *observability.RelayMetrics, log *slog.Logger) *Notifier {
	if metrics == nil {
		metrics = observability.NewRelayMetrics(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{rdb: rdb, metrics: metrics, log: log}
}

// Enabled reports whether frames travel through Redis.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// Publish sends an envelope to a participant's channel.
func (n *Notifier) Publish(ctx context.Context, participantID string, env envelope) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := n.rdb.Publish(ctx, ParticipantChannel(participantID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", participantID, err)
	}
	return nil
}

// Subscribe listens on every participant channel until ctx is done and calls
// onMessage with the participant id and the envelope.
func (n *Notifier) Subscribe(ctx context.Context, onMessage func(participantID string, env envelope)) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, participantChannelPrefix+"*")
	// Wait for the subscription so nothing published right after is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		n.metrics.RedisErrors.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				n.dispatch(msg, onMessage)
			}
		}
	}()
	return nil
}

func (n *Notifier) dispatch(msg *redis.Message, onMessage func(string, envelope)) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("panic in participant subscriber",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	participantID, ok := strings.CutPrefix(msg.Channel, participantChannelPrefix)
	if !ok || participantID == "" {
		n.log.Warn("invalid participant channel", slog.String("channel", msg.Channel))
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		n.log.Warn("invalid envelope", slog.String("channel", msg.Channel), slog.String("error", err.Error()))
		return
	}
	onMessage(participantID, env)
}
