package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Relay mirrors bus events into a Redis Stream so that other processes
// (a second UI host, an audit consumer) can follow them.
type Relay struct {
	rdb    *redis.Client
	stream string
	queue  chan Event
	wg     sync.WaitGroup
	logger *zap.Logger

	// retryMin and retryMax bound the delay between failed stream reads.
	retryMin time.Duration
	retryMax time.Duration
}

// NewRelay connects to Redis and verifies the connection.
func NewRelay(redisURL, stream string, logger *zap.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Relay{
		rdb:    rdb,
		stream: stream,
		queue:    make(chan Event, 256),
		logger:   logger,
		retryMin: 100 * time.Millisecond,
		retryMax: 5 * time.Second,
	}, nil
}

// Attach subscribes the relay to every event on bus and starts the
// publishing goroutine. Events are dropped when the queue is full so the
// bus never blocks on Redis.
func (r *Relay) Attach(ctx context.Context, bus *Bus) func() {
	unsub := bus.SubscribeAll(func(e Event) {
		select {
		case r.queue <- e:
		default:
			r.logger.Warn("event relay queue full, dropping event",
				zap.String("type", string(e.Type)))
		}
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-r.queue:
				if err := r.Publish(ctx, e); err != nil {
					r.logger.Warn("relay publish failed", zap.Error(err))
				}
			}
		}
	}()
	return unsub
}

// Publish appends one event to the stream.
func (r *Relay) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"type": string(e.Type),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", r.stream, err)
	}
	return nil
}

// Subscribe follows the stream from fromID ("$" for new entries only,
// "0" for everything). Cancel ctx to stop; the channel is closed then.
func (r *Relay) Subscribe(ctx context.Context, fromID string) <-chan Event {
	ch := make(chan Event, 16)
	if fromID == "" {
		fromID = "$"
	}

	go func() {
		defer close(ch)
		lastID := fromID
		backoff := r.retryMin

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{r.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				// redis.Nil only means the block timed out.
				if errors.Is(err, redis.Nil) {
					continue
				}
				r.logger.Warn("relay read failed", zap.Error(err), zap.Duration("retry_in", backoff))
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, r.retryMax)
				continue
			}
			backoff = r.retryMin

			for _, res := range results {
				for _, msg := range res.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var e Event
					if json.Unmarshal([]byte(data), &e) != nil {
						continue
					}
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close waits for the publisher to stop and closes the Redis client.
// Cancel the context passed to Attach first.
func (r *Relay) Close() error {
	r.wg.Wait()
	return r.rdb.Close()
}
