package transcription

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicecmd/internal/kv"
	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/pkg/audio"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
	"github.com/MrWong99/voicecmd/pkg/types"
)

const (
	cacheKeyPrefix  = "transcription:"
	defaultCacheTTL = time.Hour

	// energyChunks is the number of RMS windows in the acoustic part of the
	// audio fingerprint.
	energyChunks = 32
)

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Errors  int64
	HitRate float64
}

// CacheOption is a functional option for [NewCache].
type CacheOption func(*Cache)

// WithCacheTTL sets the entry lifetime. Default: 1h.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithCacheMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithCacheMetrics(m *observe.Metrics) CacheOption {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Cache is a content-addressed transcript cache. Backing store failures
// never reach the caller; they are logged and count as misses.
type Cache struct {
	store   kv.Store
	ttl     time.Duration
	metrics *observe.Metrics

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewCache returns a Cache on store.
func NewCache(store kv.Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:   store,
		ttl:     defaultCacheTTL,
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key returns the cache key for audio transcribed with opts:
// "transcription:" + AudioFingerprint + ":" + OptionsFingerprint.
func Key(data []byte, opts stt.Options) string {
	return cacheKeyPrefix + AudioFingerprint(data) + ":" + OptionsFingerprint(opts)
}

// AudioFingerprint combines a hash of the exact bytes with a hash of the
// quantised RMS energy profile. Byte-identical input always collides;
// re-encoded input with different container bytes does not.
func AudioFingerprint(data []byte) string {
	content := sha256.Sum256(data)

	profile := audio.EnergyProfile(data, energyChunks)
	buf := make([]byte, 0, len(profile)*2)
	for _, e := range profile {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(math.Round(e/64)))
	}
	energy := sha256.Sum256(buf)

	return hex.EncodeToString(content[:])[:32] + "-" + hex.EncodeToString(energy[:])[:16]
}

// OptionsFingerprint hashes the options that change the transcript.
func OptionsFingerprint(opts stt.Options) string {
	s := opts.Language + "|" + opts.Prompt + "|" +
		strconv.FormatFloat(opts.Temperature, 'f', -1, 64) + "|" + opts.ResponseFormat
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached transcript for key. A hit slides the entry's
// expiry forward by the TTL.
func (c *Cache) Get(ctx context.Context, key string) (*types.TranscriptResult, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.errors.Add(1)
		slog.Warn("transcription cache get failed", "key", key, "error", err)
		return c.miss(ctx)
	}
	if !ok {
		return c.miss(ctx)
	}

	var res types.TranscriptResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		c.errors.Add(1)
		slog.Warn("transcription cache entry corrupt", "key", key, "error", err)
		return c.miss(ctx)
	}

	if err := c.store.Expire(ctx, key, c.ttl); err != nil {
		slog.Debug("transcription cache ttl refresh failed", "key", key, "error", err)
	}

	c.hits.Add(1)
	c.metrics.RecordCacheLookup(ctx, "transcription", true)
	res.Cached = true
	return &res, true
}

func (c *Cache) miss(ctx context.Context) (*types.TranscriptResult, bool) {
	c.misses.Add(1)
	c.metrics.RecordCacheLookup(ctx, "transcription", false)
	return nil, false
}

// Set stores res under key. Processing time and error fields are not
// persisted. Failures are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, res *types.TranscriptResult) {
	if res == nil {
		return
	}
	stored := *res
	stored.ProcessingTime = 0
	stored.Cached = false
	stored.Err = nil

	data, err := json.Marshal(stored)
	if err != nil {
		slog.Warn("transcription cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, string(data), c.ttl); err != nil {
		c.errors.Add(1)
		slog.Warn("transcription cache set failed", "key", key, "error", err)
	}
}

// Stats returns the hit/miss counters.
func (c *Cache) Stats() CacheStats {
	s := CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Ping checks the backing store.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("transcription cache: %w", err)
	}
	return nil
}
