package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "ensemble:worker:"

// RedisRelay mirrors bus deliveries onto per-worker Redis Streams so
// out-of-process consumers can follow team traffic.
type RedisRelay struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisRelay connects a relay to Redis.
func NewRedisRelay(redisURL string, logger *zap.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRelay{rdb: rdb, logger: logger}, nil
}

// Publish appends a message to the recipient's stream.
func (r *RedisRelay) Publish(ctx context.Context, recipient string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	stream := streamPrefix + recipient
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	r.logger.Debug("relayed message",
		zap.String("recipient", recipient),
		zap.String("id", msg.ID))
	return nil
}

// Subscribe follows a worker's stream, emitting messages until the
// context is cancelled.
func (r *RedisRelay) Subscribe(ctx context.Context, workerID string) <-chan *Message {
	ch := make(chan *Message, 16)
	stream := streamPrefix + workerID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()
			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, res := range results {
				for _, entry := range res.Messages {
					lastID = entry.ID
					data, ok := entry.Values["data"].(string)
					if !ok {
						continue
					}
					var m Message
					if json.Unmarshal([]byte(data), &m) == nil {
						ch <- &m
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
