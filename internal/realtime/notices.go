// Package realtime fans Notice inserts out to connected clients over Redis
// pub/sub. Delivery is best effort and unordered across reconnects.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tigerden/api/internal/store"
)

const NoticeChannel = "notices:inserted"

type NoticeFeed struct {
	client  *redis.Client
	channel string
}

func NewNoticeFeed(client *redis.Client) *NoticeFeed {
	return &NoticeFeed{client: client, channel: NoticeChannel}
}

func (f *NoticeFeed) Publish(ctx context.Context, notice store.Notice) error {
	if f == nil || f.client == nil {
		return nil
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Subscribe delivers notices until ctx is done, then closes the channel.
// The subscription is confirmed before Subscribe returns.
func (f *NoticeFeed) Subscribe(ctx context.Context) (<-chan store.Notice, error) {
	if f == nil || f.client == nil {
		return nil, fmt.Errorf("notice feed not configured")
	}
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe notices: %w", err)
	}

	out := make(chan store.Notice)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var notice store.Notice
				if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
					log.Warn().Err(err).Msg("realtime: dropping malformed notice")
					continue
				}
				select {
				case out <- notice:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
