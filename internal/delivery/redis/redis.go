// Package redis publishes delivered QR results to a Redis pub/sub channel,
// so surfaces outside this process (a second browser profile, a phone
// companion) can show them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kalambet/qrpanel/internal/delivery"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "qrpanel:delivered"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the publisher.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL     string
	Channel string
	Timeout time.Duration
	// OmitImage publishes payloads without the image data URL.
	OmitImage bool
}

// Publisher sends payloads via Redis PUBLISH. It makes one attempt per
// call; retrying is left to the caller's job queue.
type Publisher struct {
	config Config
	client *goredis.Client
}

// New creates a Publisher. Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis publisher requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis publisher: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Publisher{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Present publishes p as JSON. A publish that reaches no subscriber is
// reported as delivery.ErrNoSurface.
func (p *Publisher) Present(ctx context.Context, payload delivery.Payload) error {
	if p.config.OmitImage {
		payload.Image = ""
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("redis: marshal payload: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	receivers, err := p.client.Publish(publishCtx, p.config.Channel, body).Result()
	if err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	if receivers == 0 {
		return delivery.ErrNoSurface
	}
	return nil
}

// Ping checks connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	return p.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}

var _ delivery.Presenter = (*Publisher)(nil)
