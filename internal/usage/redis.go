package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ppiankov/consentgate/internal/model"
)

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("usage: ping redis %s: %w", addr, err)
	}
	return client, nil
}

// ProcessingKey returns the list holding records a Drainer has claimed but
// not yet written.
func ProcessingKey(key string) string {
	return key + ":processing"
}

// RedisQueue is a durable Recorder backed by a Redis list. Records survive a
// gate restart and are delivered by a Drainer.
type RedisQueue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisQueue creates a queue that appends to the list at key.
func NewRedisQueue(client *redis.Client, key string, now func() time.Time) *RedisQueue {
	if now == nil {
		now = time.Now
	}
	return &RedisQueue{client: client, key: key, now: now}
}

// Record appends e to the queue.
func (q *RedisQueue) Record(ctx context.Context, e model.UsageEntry) error {
	e, err := Prepare(e, q.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("usage: encode record: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("usage: enqueue: %w", err)
	}
	return nil
}

// AppendUsage lets a Logger front the queue, so the gated action never waits
// on Redis.
func (q *RedisQueue) AppendUsage(ctx context.Context, e model.UsageEntry) error {
	return q.Record(ctx, e)
}

// Len returns the number of records waiting to be drained.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Drainer moves records from a RedisQueue into a Sink.
//
// A record is moved atomically to a processing list before it is written and
// removed from it only after the write succeeds. Records left in the
// processing list by a crash are requeued by Recover, so delivery is
// at-least-once. Sinks dedupe on the record ID.
type Drainer struct {
	client  *redis.Client
	key     string
	sink    Sink
	logger  *log.Logger
	block   time.Duration
	backoff time.Duration
}

// NewDrainer creates a Drainer for the queue at key.
func NewDrainer(client *redis.Client, key string, sink Sink, logger *log.Logger) *Drainer {
	return &Drainer{
		client:  client,
		key:     key,
		sink:    sink,
		logger:  logger,
		block:   time.Second,
		backoff: time.Second,
	}
}

// Recover moves every claimed-but-unwritten record back to the head of the
// queue. Returns how many records were requeued.
func (d *Drainer) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := d.client.LMove(ctx, ProcessingKey(d.key), d.key, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("usage: recover processing list: %w", err)
		}
		n++
	}
}

// DrainOnce delivers at most one record without blocking. It reports whether
// a record was taken from the queue.
func (d *Drainer) DrainOnce(ctx context.Context) (bool, error) {
	payload, err := d.client.LMove(ctx, d.key, ProcessingKey(d.key), "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("usage: claim record: %w", err)
	}
	return true, d.deliver(ctx, payload)
}

// Run recovers the processing list, then drains the queue until ctx ends.
func (d *Drainer) Run(ctx context.Context) error {
	if n, err := d.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		d.logf("usage: requeued %d unfinished records", n)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := d.client.BLMove(ctx, d.key, ProcessingKey(d.key), "LEFT", "RIGHT", d.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logf("usage: claim record: %v", err)
			d.sleep(ctx)
			continue
		}
		if err := d.deliver(ctx, payload); err != nil {
			d.logf("%v", err)
			d.sleep(ctx)
		}
	}
}

// deliver writes one claimed payload. Undecodable payloads are discarded.
// A failed write puts the payload back at the head of the queue.
func (d *Drainer) deliver(ctx context.Context, payload string) error {
	processing := ProcessingKey(d.key)

	var e model.UsageEntry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		d.logf("usage: discarding undecodable record: %v", err)
		return d.client.LRem(ctx, processing, 1, payload).Err()
	}

	if err := d.sink.AppendUsage(ctx, e); err != nil {
		_, rerr := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, processing, 1, payload)
			pipe.LPush(ctx, d.key, payload)
			return nil
		})
		if rerr != nil {
			return fmt.Errorf("usage: write record %s: %v (requeue failed: %v)", e.ID, err, rerr)
		}
		return fmt.Errorf("usage: write record %s: %w", e.ID, err)
	}

	if err := d.client.LRem(ctx, processing, 1, payload).Err(); err != nil {
		return fmt.Errorf("usage: ack record %s: %w", e.ID, err)
	}
	return nil
}

func (d *Drainer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.backoff):
	}
}

func (d *Drainer) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}
