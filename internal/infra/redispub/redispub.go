// Package redispub publishes ledger events on Redis pub/sub.
//
// Every event goes to the configured channel and to a per-classroom
// channel "<channel>:<classroomID>", so dashboards can subscribe to one
// classroom without filtering.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "bizcoin.events"

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Publisher is a domain.EventSink backed by Redis PUBLISH.
type Publisher struct {
	rdb     *redis.Client
	channel string
	owned   bool
}

var _ domain.EventSink = (*Publisher)(nil)

// New wraps an existing client. The caller keeps ownership of rdb.
func New(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rdb: rdb, channel: channel}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	p := New(rdb, cfg.Channel)
	p.owned = true
	return p, nil
}

// Name implements domain.EventSink.
func (p *Publisher) Name() string { return "redis" }

// Channel returns the base channel.
func (p *Publisher) Channel() string { return p.channel }

// ClassroomChannel returns the per-classroom channel.
func (p *Publisher) ClassroomChannel(classroomID string) string {
	return p.channel + ":" + classroomID
}

// Publish sends ev as JSON to both channels in one round trip.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := p.rdb.Pipeline()
	pipe.Publish(ctx, p.channel, payload)
	pipe.Publish(ctx, p.ClassroomChannel(ev.ClassroomID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.ID, err)
	}
	return nil
}

// Close closes the client if Dial created it.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.rdb.Close()
}
