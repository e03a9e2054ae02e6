package reservation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-orders/internal/logger"
)

const (
	expiryKeyPrefix = "reservation_expiry:"
	expiredChannel  = "__keyevent@0__:expired"
)

// RedisTracker keeps one key per order whose TTL ends at the reservation
// deadline. Redis emits a keyevent notification when it lapses.
type RedisTracker struct {
	client *redis.Client
	log    *logger.Logger
	now    func() time.Time
}

func NewRedisTracker(client *redis.Client, log *logger.Logger) *RedisTracker {
	return &RedisTracker{
		client: client,
		log:    log,
		now:    time.Now,
	}
}

func expiryKey(orderID string) string {
	return expiryKeyPrefix + orderID
}

func (t *RedisTracker) Track(ctx context.Context, orderID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(t.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return t.client.Set(ctx, expiryKey(orderID), expiresAt.UTC().Format(time.RFC3339Nano), ttl).Err()
}

func (t *RedisTracker) Forget(ctx context.Context, orderID string) error {
	return t.client.Del(ctx, expiryKey(orderID)).Err()
}

// Subscribe listens for expired tracker keys and calls onExpired with the
// order id. It returns once the subscription is established; delivery stops
// when ctx is cancelled.
func (t *RedisTracker) Subscribe(ctx context.Context, onExpired func(ctx context.Context, orderID string)) error {
	val, err := t.client.ConfigGet(ctx, "notify-keyspace-events").Result()
	if err != nil {
		t.log.Warn("REDIS", fmt.Sprintf("Failed to read keyspace config: %v", err))
	} else if len(val) < 2 || !hasExpiryEvents(fmt.Sprint(val[1])) {
		t.log.Warn("REDIS", "Keyspace notifications are not configured for expiry events; relying on polling only")
	}

	pubsub := t.client.PSubscribe(ctx, expiredChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", expiredChannel, err)
	}
	t.log.Info("REDIS", fmt.Sprintf("Subscribed to reservation expiry notifications (DB %d)", t.client.Options().DB))

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !strings.HasPrefix(msg.Payload, expiryKeyPrefix) {
					continue
				}
				orderID := strings.TrimPrefix(msg.Payload, expiryKeyPrefix)
				t.log.LogReservation("EXPIRY_EVENT", orderID, "reservation deadline reached")
				onExpired(ctx, orderID)
			}
		}
	}()
	return nil
}

// hasExpiryEvents checks for E (keyevent) plus x or A (expired events).
func hasExpiryEvents(flags string) bool {
	return strings.Contains(flags, "E") && (strings.Contains(flags, "x") || strings.Contains(flags, "A"))
}

// EnableExpiryEvents turns on keyevent expiry notifications.
func EnableExpiryEvents(ctx context.Context, client *redis.Client) error {
	return client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err()
}
