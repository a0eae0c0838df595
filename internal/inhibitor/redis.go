package inhibitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis keys for power inhibits
	InhibitHashKey = "power:inhibits"
	InhibitChannel = "power:inhibits"
)

// InhibitData represents the data stored in Redis for an inhibit
type InhibitData struct {
	ID       string `json:"id"`
	Who      string `json:"who"`
	What     string `json:"what"`
	Why      string `json:"why"`
	Type     string `json:"type"`
	Duration int64  `json:"duration"`
	Created  int64  `json:"created"`
}

// Redis registers an inhibit in the power manager's inhibit hash and
// announces it on the inhibit channel.
type Redis struct {
	client *redis.Client
	ctx    context.Context
	id     string
	now    func() time.Time
}

func NewRedis(ctx context.Context, client *redis.Client, id string) *Redis {
	return &Redis{client: client, ctx: ctx, id: id, now: time.Now}
}

func (r *Redis) data(inh Inhibitor) ([]byte, error) {
	return json.Marshal(InhibitData{
		ID:      r.id,
		Who:     inh.Who,
		What:    inh.What,
		Why:     inh.Why,
		Type:    string(inh.Type),
		Created: r.now().Unix(),
	})
}

func (r *Redis) Acquire(inh Inhibitor) error {
	data, err := r.data(inh)
	if err != nil {
		return fmt.Errorf("failed to encode inhibit: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, InhibitHashKey, r.id, string(data))
	pipe.Publish(r.ctx, InhibitChannel, "add:"+r.id)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to add inhibit %s: %w", r.id, err)
	}
	return nil
}

func (r *Redis) Release() error {
	pipe := r.client.Pipeline()
	pipe.HDel(r.ctx, InhibitHashKey, r.id)
	pipe.Publish(r.ctx, InhibitChannel, "remove:"+r.id)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("failed to remove inhibit %s: %w", r.id, err)
	}
	return nil
}

func (r *Redis) Close() error { return nil }
