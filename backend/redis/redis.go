package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cschleiden/agentsession/backend"
	"github.com/cschleiden/agentsession/converter"
	"github.com/cschleiden/agentsession/core"
	"github.com/cschleiden/agentsession/internal/metrickeys"
	"github.com/cschleiden/agentsession/internal/tracing"
	"github.com/cschleiden/agentsession/log"
	"github.com/cschleiden/agentsession/metrics"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	_ backend.Fetcher  = (*redisBackend)(nil)
	_ backend.Streamer = (*redisBackend)(nil)
)

// NewRedisBackend returns a backend that stores session snapshots in Redis streams, one
// stream per session. Snapshots are written with Publish and read by polling or streaming.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisBackendOption) (*redisBackend, error) {
	// Default options
	options := &RedisOptions{
		Options:      backend.ApplyOptions(),
		BlockTimeout: time.Second * 2,
	}

	for _, opt := range opts {
		opt(options)
	}

	if options.BlockTimeout <= 0 {
		return nil, errors.New("block timeout must be positive")
	}

	rb := &redisBackend{
		rdb:     client,
		options: options,
		keys:    newKeys(options.KeyPrefix),
	}

	return rb, nil
}

type redisBackend struct {
	rdb     redis.UniversalClient
	options *RedisOptions
	keys    *keys
}

func (rb *redisBackend) Metrics() metrics.Client {
	return rb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "redis"})
}

func (rb *redisBackend) Tracer() trace.Tracer {
	return rb.options.TracerProvider.Tracer(backend.TracerName)
}

func (rb *redisBackend) Close() error {
	return rb.rdb.Close()
}

// Publish appends the snapshot to the session's state stream. Snapshots with a sequence
// number not greater than the last published one are ignored and false is returned.
func (rb *redisBackend) Publish(ctx context.Context, id core.SessionID, snapshot *core.Snapshot) (bool, error) {
	if snapshot.SequenceNumber < 1 {
		return false, fmt.Errorf("publishing snapshot: sequence number must be positive, got %d", snapshot.SequenceNumber)
	}

	data, err := converter.DefaultConverter.To(snapshot.Data)
	if err != nil {
		return false, fmt.Errorf("publishing snapshot: %w", err)
	}

	ctx, span := rb.Tracer().Start(ctx, "PublishState", trace.WithAttributes(
		attribute.String(tracing.SessionID, id.String()),
		attribute.Int64(tracing.SnapshotSequence, snapshot.SequenceNumber),
	))
	defer span.End()

	key := rb.keys.stateKey(id)

	if err := rb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		ID:     entryID(snapshot.SequenceNumber),
		MaxLen: rb.options.MaxLen,
		Values: []interface{}{
			"seq", strconv.FormatInt(snapshot.SequenceNumber, 10),
			"data", string(data),
		},
	}).Err(); err != nil {
		if isStaleEntryError(err) {
			rb.options.Logger.Debug("Ignoring stale snapshot",
				log.SessionIDKey, id.String(), log.SequenceKey, snapshot.SequenceNumber)
			rb.Metrics().Counter(metrickeys.SnapshotPublished, metrics.Tags{metrickeys.Stale: "true"}, 1)
			return false, nil
		}

		return false, tracing.WithSpanError(span, fmt.Errorf("adding snapshot to stream: %w", err))
	}

	if rb.options.AutoExpiration > 0 {
		if err := rb.rdb.Expire(ctx, key, rb.options.AutoExpiration).Err(); err != nil {
			return true, tracing.WithSpanError(span, fmt.Errorf("setting stream expiration: %w", err))
		}
	}

	rb.Metrics().Counter(metrickeys.SnapshotPublished, metrics.Tags{metrickeys.Stale: "false"}, 1)

	return true, nil
}

func (rb *redisBackend) FetchState(ctx context.Context, id core.SessionID, since int64) (*core.Snapshot, error) {
	ctx, span := rb.Tracer().Start(ctx, "FetchState", trace.WithAttributes(
		attribute.String(tracing.SessionID, id.String()),
		attribute.Int64(tracing.SnapshotSince, since),
	))
	defer span.End()

	msgs, err := rb.rdb.XRevRangeN(ctx, rb.keys.stateKey(id), "+", "-", 1).Result()
	if err != nil {
		return nil, tracing.WithSpanError(span, &core.TransportError{Op: "fetch state", Err: err})
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	snapshot, err := snapshotFromMessage(msgs[0])
	if err != nil {
		return nil, tracing.WithSpanError(span, err)
	}

	if snapshot.SequenceNumber <= since {
		return nil, nil
	}

	return snapshot, nil
}

// StreamState reads the session's state stream, starting after since, until ctx is
// canceled or reading fails. Entries that cannot be decoded are logged and skipped.
func (rb *redisBackend) StreamState(ctx context.Context, id core.SessionID, since int64, handle func(*core.Snapshot) error) error {
	key := rb.keys.stateKey(id)
	lastID := entryID(since)

	logger := rb.options.Logger.With(log.SessionIDKey, id.String())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := rb.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   100,
			Block:   rb.options.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Nothing new within the block timeout
				continue
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			return &core.TransportError{Op: "stream state", Err: err}
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID

				snapshot, err := snapshotFromMessage(msg)
				if err != nil {
					logger.Warn("Skipping undecodable stream entry", "id", msg.ID, "error", err)
					continue
				}

				if err := handle(snapshot); err != nil {
					return err
				}
			}
		}
	}
}

func snapshotFromMessage(msg redis.XMessage) (*core.Snapshot, error) {
	seqStr, ok := msg.Values["seq"].(string)
	if !ok {
		return nil, &core.MalformedSnapshotError{Reason: fmt.Sprintf("entry %v has no sequence number", msg.ID)}
	}

	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, &core.MalformedSnapshotError{Reason: fmt.Sprintf("entry %v has an invalid sequence number", msg.ID), Err: err}
	}

	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, &core.MalformedSnapshotError{SequenceNumber: seq, Reason: fmt.Sprintf("entry %v has no data", msg.ID)}
	}

	return &core.Snapshot{
		SequenceNumber: seq,
		Data:           converter.Payload(data),
	}, nil
}

func isStaleEntryError(err error) bool {
	return strings.Contains(err.Error(), "equal or smaller than the target stream top item")
}
