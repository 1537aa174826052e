package storage

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// DefaultUpdatesChannel is the pub/sub channel carrying BoardUpdate messages.
const DefaultUpdatesChannel = "board-updates"

// BoardUpdate tells other collaborators that a board has a newer version.
type BoardUpdate struct {
	BoardID string `json:"boardId"`
	Version int64  `json:"version"`
}

// Publisher announces committed board versions over Redis pub/sub.
type Publisher struct {
	redis   *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultUpdatesChannel
	}
	return &Publisher{redis: client, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, boardID string, version int64) error {
	payload, err := sonic.MarshalString(BoardUpdate{BoardID: boardID, Version: version})
	if err != nil {
		return err
	}
	return p.redis.Publish(ctx, p.channel, payload).Err()
}

// Subscribe streams updates until ctx is cancelled. It returns once the
// subscription is confirmed. Malformed messages are skipped.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan BoardUpdate, error) {
	sub := p.redis.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan BoardUpdate)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var u BoardUpdate
				if err := sonic.UnmarshalString(msg.Payload, &u); err != nil {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
