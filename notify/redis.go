package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "restaurant:notifications"

// Envelope is the JSON document published for each notification.
type Envelope struct {
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject"`
	Template  string         `json:"template"`
	Body      string         `json:"body"`
	Variables map[string]any `json:"variables,omitempty"`
	SentAt    time.Time      `json:"sentAt"`
}

// Publisher is the part of a Redis client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes rendered notifications for an external mailer.
type RedisNotifier struct {
	client   Publisher
	channel  string
	renderer *Renderer
	now      func() time.Time
}

func NewRedisNotifier(client Publisher, channel string, renderer *Renderer) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel, renderer: renderer, now: time.Now}
}

func (n *RedisNotifier) Send(ctx context.Context, msg Notification) error {
	body, err := n.renderer.Render(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Template:  msg.Template,
		Body:      body,
		Variables: msg.Variables,
		SentAt:    n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
