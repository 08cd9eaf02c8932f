package kv

import (
	"context"
	"os"
	"testing"
	"time"
)

// testRedis returns a store for VOICECMD_TEST_REDIS_ADDR or skips the test.
func testRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("VOICECMD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VOICECMD_TEST_REDIS_ADDR not set, skipping Redis integration tests")
	}
	r, err := NewRedis(addr, WithDB(15))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	if err := r.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	return r
}

func TestNewRedis_EmptyAddr(t *testing.T) {
	if _, err := NewRedis(""); err == nil {
		t.Fatal("expected error for empty addr")
	}
}

func TestRedis_RoundTrip(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()

	key := "voicecmd-test:" + t.Name()
	t.Cleanup(func() { _ = r.Del(ctx, key) })

	if _, ok, err := r.Get(ctx, key); ok || err != nil {
		t.Fatalf("Get before Set = ok=%v err=%v", ok, err)
	}
	if err := r.Set(ctx, key, "payload", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := r.Get(ctx, key)
	if err != nil || !ok || v != "payload" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	keys, err := r.Keys(ctx, "voicecmd-test:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	found := false
	for _, k := range keys {
		found = found || k == key
	}
	if !found {
		t.Errorf("Keys = %v, missing %q", keys, key)
	}
}
