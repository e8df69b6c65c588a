package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rushteam/rslash/core"
	"github.com/rushteam/rslash/pkg/breaker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// exerciseStore 对任意 core.Store 实现跑同一组基本用例
func exerciseStore(t *testing.T, s core.Store) {
	t.Helper()
	ctx := context.Background()
	prefix := fmt.Sprintf("rslash-test-%d:", time.Now().UnixNano())

	if _, err := s.Get(ctx, prefix+"missing"); !core.IsStoreNotFound(err) {
		t.Fatalf("Get missing: want not found, got %v", err)
	}
	if err := s.Set(ctx, prefix+"a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, prefix+"a")
	if err != nil || string(got) != "1" {
		t.Fatalf("Get a = %q, %v", got, err)
	}
	if err := s.BatchSet(ctx, map[string][]byte{prefix + "b": []byte("2"), prefix + "c": []byte("3")}); err != nil {
		t.Fatal(err)
	}
	m, err := s.BatchGet(ctx, []string{prefix + "a", prefix + "b", prefix + "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 2 || string(m[prefix+"b"]) != "2" {
		t.Fatalf("BatchGet = %v", m)
	}
	if err := s.Delete(ctx, prefix+"a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, prefix+"a"); !core.IsStoreNotFound(err) {
		t.Fatalf("Get after delete: %v", err)
	}
	if err := s.Delete(ctx, prefix+"a"); err != nil {
		t.Fatalf("deleting twice must not fail: %v", err)
	}
}

func exerciseKV(t *testing.T, s core.KeyValueStore) {
	t.Helper()
	ctx := context.Background()
	key := fmt.Sprintf("rslash-test-z-%d", time.Now().UnixNano())
	defer s.Delete(ctx, key)

	_ = s.ZAdd(ctx, key, 1, "a")
	_ = s.ZAdd(ctx, key, 3, "b")
	if v, err := s.ZIncrBy(ctx, key, 5, "a"); err != nil || v != 6 {
		t.Fatalf("ZIncrBy = %v, %v", v, err)
	}
	if v, err := s.ZIncrBy(ctx, key, 2, "c"); err != nil || v != 2 {
		t.Fatalf("ZIncrBy new member = %v, %v", v, err)
	}
	top, err := s.ZRange(ctx, key, 0, 1)
	if err != nil || fmt.Sprint(top) != "[a b]" {
		t.Fatalf("ZRange = %v, %v", top, err)
	}
	all, _ := s.ZRange(ctx, key, 0, -1)
	if fmt.Sprint(all) != "[a b c]" {
		t.Fatalf("ZRange all = %v", all)
	}
	if _, err := s.ZScore(ctx, key, "zz"); !core.IsStoreNotFound(err) {
		t.Fatalf("ZScore missing: %v", err)
	}
	// a=6 b=3 c=2，减半后 c 低于 1.2 被移除
	if err := s.ZScale(ctx, key, 0.5, 1.2); err != nil {
		t.Fatal(err)
	}
	all, _ = s.ZRange(ctx, key, 0, -1)
	if fmt.Sprint(all) != "[a b]" {
		t.Fatalf("ZRange after ZScale = %v", all)
	}
	if v, err := s.ZScore(ctx, key, "a"); err != nil || v != 3 {
		t.Fatalf("ZScore after ZScale = %v, %v", v, err)
	}

	hkey := key + ":h"
	defer s.Delete(ctx, hkey)
	_ = s.HSet(ctx, hkey, "f1", []byte("x"))
	_ = s.HSet(ctx, hkey, "f2", []byte("y"))
	if v, err := s.HGet(ctx, hkey, "f1"); err != nil || string(v) != "x" {
		t.Fatalf("HGet = %q, %v", v, err)
	}
	if err := s.HDel(ctx, hkey, "f1"); err != nil {
		t.Fatal(err)
	}
	h, err := s.HGetAll(ctx, hkey)
	if err != nil || len(h) != 1 || string(h["f2"]) != "y" {
		t.Fatalf("HGetAll = %v, %v", h, err)
	}
	if _, err := s.HGet(ctx, hkey, "f1"); !core.IsStoreNotFound(err) {
		t.Fatalf("HGet deleted field: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exerciseStore(t, s)
	exerciseKV(t, s)
}

func TestMemoryStore_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), 10)
	_ = s.Set(ctx, "forever", []byte("v"))
	clock.Advance(9 * time.Second)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("expired too early: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := s.Get(ctx, "k"); !core.IsStoreNotFound(err) {
		t.Fatalf("want expired, got %v", err)
	}
	s.sweep()
	if _, ok := s.data["k"]; ok {
		t.Error("sweep must drop expired entries")
	}
	if _, err := s.Get(ctx, "forever"); err != nil {
		t.Errorf("key without ttl expired: %v", err)
	}
}

func TestMemoryStore_ValuesCopied(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	_ = s.Set(context.Background(), "k", buf)
	buf[0] = 'x'
	got, _ := s.Get(context.Background(), "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadger("")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestBadgerStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := OpenBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Set(ctx, "profile:u1", []byte(`{"user_id":"u1"}`))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "profile:u1")
	if err != nil || string(got) != `{"user_id":"u1"}` {
		t.Errorf("value not persisted: %q, %v", got, err)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("RSLASH_TEST_REDIS")
	if addr == "" {
		t.Skip("RSLASH_TEST_REDIS not set")
	}
	s, err := OpenRedis(RedisOptions{Addr: addr, Prefix: "rslash-test:"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
	exerciseKV(t, s)

	ctx := context.Background()
	if err := s.Set(ctx, "prefixed", []byte("1"), 60); err != nil {
		t.Fatal(err)
	}
	if n := s.Client().Exists(ctx, "rslash-test:prefixed").Val(); n != 1 {
		t.Errorf("key not namespaced: exists = %d", n)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

// flakyStore 在 fail 为 true 时所有调用都失败
type flakyStore struct {
	*MemoryStore
	mu   sync.Mutex
	fail error
}

func (f *flakyStore) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	err := f.fail
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryStore.Get(ctx, key)
}

func TestBreakerStore(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore()}
	s := NewBreakerStore(inner, breaker.Config{Name: "test.store", FailureThreshold: 3, Timeout: time.Hour})
	ctx := context.Background()

	exerciseKV(t, s)

	// NOT_FOUND 不计失败
	for i := 0; i < 5; i++ {
		if _, err := s.Get(ctx, "missing"); !core.IsNotFound(err) {
			t.Fatalf("want not found, got %v", err)
		}
	}

	inner.setFail(context.DeadlineExceeded)
	if _, err := s.Get(ctx, "k"); !core.IsTimeout(err) {
		t.Fatalf("deadline should map to timeout, got %v", err)
	}

	inner.setFail(errors.New("connection refused"))
	for i := 0; i < 2; i++ {
		if _, err := s.Get(ctx, "k"); !core.IsUnavailable(err) {
			t.Fatalf("backend error should map to unavailable, got %v", err)
		}
	}

	// 连续 3 次失败后熔断打开，即使后端恢复也直接返回 UNAVAILABLE
	inner.setFail(nil)
	_, err := s.Get(ctx, "k")
	if !core.IsUnavailable(err) {
		t.Fatalf("open circuit should return unavailable, got %v", err)
	}
}

func TestBreakerStore_PlainStoreNotSupported(t *testing.T) {
	b, err := OpenBadger("")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	s := NewBreakerStore(b, breaker.Config{})
	if err := s.ZAdd(context.Background(), "k", 1, "m"); !core.IsStoreNotSupported(err) {
		t.Errorf("want not supported, got %v", err)
	}
}

func TestOpenRedis_BadURL(t *testing.T) {
	if _, err := OpenRedis(RedisOptions{URL: "http://not-redis"}); err == nil {
		t.Error("expected parse error")
	}
}
