package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/applyforge/applyforge-api/internal/metrics"
)

// compressThreshold is the value size above which L2 values are gzipped.
const compressThreshold = 1024

// gzip magic bytes, sniffed on read to decide whether to decompress.
var gzipMagic = []byte{0x1f, 0x8b}

// L2 is the distributed tier backed by redis. Keys are namespaced by cache
// name so each name carries its own TTL policy.
type L2 struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewL2 creates a distributed cache tier.
func NewL2(rdb redis.UniversalClient) *L2 {
	return &L2{rdb: rdb, prefix: "cache:"}
}

func (c *L2) key(name, key string) string {
	return c.prefix + name + ":" + key
}

// Get fetches a value. A redis error is returned so the fabric can treat it
// as a miss; absence is (nil, false, nil).
func (c *L2) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(name, key)).Bytes()
	if err == redis.Nil {
		metrics.CacheMisses.WithLabelValues("l2").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("l2 get: %w", err)
	}

	value, err := maybeDecompress(raw)
	if err != nil {
		return nil, false, fmt.Errorf("l2 decode: %w", err)
	}
	metrics.CacheHits.WithLabelValues("l2").Inc()
	return value, true, nil
}

// Set stores a value under the name's TTL policy, compressing large values.
func (c *L2) Set(ctx context.Context, name, key string, value []byte) error {
	return c.SetTTL(ctx, name, key, value, L2TTL(name))
}

// SetTTL stores a value with an explicit TTL, used when the caller bounds
// the lifetime itself (e.g. token validation entries).
func (c *L2) SetTTL(ctx context.Context, name, key string, value []byte, ttl time.Duration) error {
	stored := value
	if len(value) > compressThreshold {
		compressed, err := compress(value)
		if err != nil {
			return fmt.Errorf("l2 compress: %w", err)
		}
		stored = compressed
	}
	if err := c.rdb.Set(ctx, c.key(name, key), stored, ttl).Err(); err != nil {
		return fmt.Errorf("l2 set: %w", err)
	}
	return nil
}

// Delete removes a value.
func (c *L2) Delete(ctx context.Context, name, key string) error {
	if err := c.rdb.Del(ctx, c.key(name, key)).Err(); err != nil {
		return fmt.Errorf("l2 delete: %w", err)
	}
	return nil
}

func compress(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func maybeDecompress(raw []byte) ([]byte, error) {
	if len(raw) < 2 || !bytes.Equal(raw[:2], gzipMagic) {
		return raw, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
