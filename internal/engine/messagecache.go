package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
	"github.com/beaulazear/voxxy-campaign-engine/internal/esp"
	"github.com/redis/go-redis/v9"
)

const (
	messageKeyPrefix = "campaign:message:"

	// DefaultMessageTTL outlives the full default retry schedule.
	DefaultMessageTTL = 24 * time.Hour
)

// MessageCache keeps the rendered message of each dispatched delivery for
// long enough to resend it after a soft bounce.
type MessageCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewMessageCache(redisClient *redis.Client, ttl time.Duration) *MessageCache {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	return &MessageCache{redisClient: redisClient, ttl: ttl}
}

// Put stores msg under deliveryID, replacing any previous message.
func (c *MessageCache) Put(ctx context.Context, deliveryID string, msg esp.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := c.redisClient.Set(ctx, messageKeyPrefix+deliveryID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching message: %w", err)
	}
	return nil
}

// Get returns the message stored for deliveryID, or an error wrapping
// domain.ErrNotFound once it has expired.
func (c *MessageCache) Get(ctx context.Context, deliveryID string) (*esp.Message, error) {
	data, err := c.redisClient.Get(ctx, messageKeyPrefix+deliveryID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("message for delivery %s: %w", deliveryID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached message: %w", err)
	}

	var msg esp.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding cached message: %w", err)
	}
	return &msg, nil
}
