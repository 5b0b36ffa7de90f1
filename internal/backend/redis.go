package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"memvault/internal/config"
	apperrors "memvault/internal/errors"
)

const (
	formatRedisDump = "dump.jsonl"
	redisScanBatch  = 500
)

// redisAPI is the part of the go-redis client the adapter uses
type redisAPI interface {
	Ping(ctx context.Context) *redis.StatusCmd
	BgSave(ctx context.Context) *redis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Dump(ctx context.Context, key string) *redis.StringCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	FlushDB(ctx context.Context) *redis.StatusCmd
	RestoreReplace(ctx context.Context, key string, ttl time.Duration, value string) *redis.StatusCmd
	DBSize(ctx context.Context) *redis.IntCmd
	Close() error
}

// redisEntry is one line of the dump artifact
type redisEntry struct {
	Key   string `json:"key"`
	TTLMs int64  `json:"ttl_ms,omitempty"`
	Value []byte `json:"value"`
}

// Redis snapshots the cache. BGSAVE refreshes the server's own persistence
// file; the artifact carries every key in DUMP format so restore does not
// need file access to the server.
type Redis struct {
	name   string
	client redisAPI
}

// NewRedis creates the cache adapter
func NewRedis(cfg config.RedisConfig) *Redis {
	return newRedis(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

func newRedis(client redisAPI) *Redis {
	return &Redis{name: config.BackendRedis, client: client}
}

func (r *Redis) Name() string { return r.name }
func (r *Redis) Kind() Kind   { return KindCache }

// Snapshot triggers BGSAVE, then serializes every key with its TTL
func (r *Redis) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := r.client.BgSave(ctx).Err(); err != nil && !bgsaveBusy(err) {
		return nil, snapshotFailure(r.name, err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	var items int64
	var cursor uint64

	for {
		keys, next, err := r.client.Scan(ctx, cursor, "*", redisScanBatch).Result()
		if err != nil {
			return nil, snapshotFailure(r.name, err)
		}

		for _, key := range keys {
			value, err := r.client.Dump(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				// expired or deleted between SCAN and DUMP
				continue
			}
			if err != nil {
				return nil, snapshotFailure(r.name, fmt.Errorf("dump %s: %w", key, err))
			}

			ttl, err := r.client.PTTL(ctx, key).Result()
			if err != nil {
				return nil, snapshotFailure(r.name, fmt.Errorf("pttl %s: %w", key, err))
			}

			entry := redisEntry{Key: key, Value: []byte(value)}
			if ttl > 0 {
				entry.TTLMs = ttl.Milliseconds()
			}
			if err := enc.Encode(entry); err != nil {
				return nil, apperrors.NewSnapshotError(r.name, "failed to encode key", err)
			}
			items++
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return &Snapshot{
		Backend: r.name,
		Format:  formatRedisDump,
		Data:    buf.Bytes(),
		Items:   items,
		TakenAt: time.Now().UTC(),
	}, nil
}

// Restore flushes the database and restores every key from the artifact.
// The artifact is fully decoded before FLUSHDB so a corrupt file leaves the
// cache untouched.
func (r *Redis) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.Format != formatRedisDump {
		return apperrors.NewRestoreError(r.name, "artifact is not a redis dump", nil)
	}

	entries, err := decodeRedisEntries(snap.Data)
	if err != nil {
		return apperrors.NewRestoreError(r.name, "artifact is corrupt", err)
	}

	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return restoreFailure(r.name, err)
	}

	for _, e := range entries {
		ttl := time.Duration(e.TTLMs) * time.Millisecond
		if err := r.client.RestoreReplace(ctx, e.Key, ttl, string(e.Value)).Err(); err != nil {
			return restoreFailure(r.name, fmt.Errorf("restore %s: %w", e.Key, err))
		}
	}
	return nil
}

// CheckLiveness sends PING
func (r *Redis) CheckLiveness(ctx context.Context) error {
	return livenessFailure(r.name, r.client.Ping(ctx).Err())
}

// Count returns DBSIZE
func (r *Redis) Count(ctx context.Context) (int64, error) {
	n, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return 0, countFailure(r.name, err)
	}
	return n, nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}

func bgsaveBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already in progress") || strings.Contains(msg, "scheduled")
}

func decodeRedisEntries(data []byte) ([]redisEntry, error) {
	var entries []redisEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e redisEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if e.Key == "" {
			return nil, fmt.Errorf("line %d: missing key", line)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
