package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFingerprintNormalisesWhitespace(t *testing.T) {
	a := Fingerprint("tenantA", "spend", "tail spend vendors")
	b := Fingerprint("tenantA", "spend", "  tail   spend\tvendors ")
	if a != b {
		t.Fatalf("Fingerprint() differs for whitespace variants: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("Fingerprint() length = %d", len(a))
	}
}

func TestFingerprintSeparatesParts(t *testing.T) {
	if Fingerprint("ab", "c", "q") == Fingerprint("a", "bc", "q") {
		t.Fatal("Fingerprint() must not collide across part boundaries")
	}
	if Fingerprint("tenantA", "spend", "q") == Fingerprint("tenantB", "spend", "q") {
		t.Fatal("Fingerprint() must be tenant scoped")
	}
}

func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v err %v", ok, err)
	}
	if err := store.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get(k) = %q ok %v err %v", got, ok, err)
	}

	for _, item := range []string{"one", "two"} {
		if err := store.Enqueue(ctx, "q", []byte(item)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	n, err := store.QueueLen(ctx, "q")
	if err != nil || n != 2 {
		t.Fatalf("QueueLen() = %d err %v", n, err)
	}
	first, ok, err := store.Dequeue(ctx, "q", 0)
	if err != nil || !ok || string(first) != "one" {
		t.Fatalf("Dequeue() = %q ok %v err %v, want FIFO order", first, ok, err)
	}
	second, ok, err := store.Dequeue(ctx, "q", time.Second)
	if err != nil || !ok || string(second) != "two" {
		t.Fatalf("Dequeue() = %q ok %v err %v", second, ok, err)
	}
	if _, ok, err := store.Dequeue(ctx, "q", 0); err != nil || ok {
		t.Fatalf("Dequeue(empty) ok %v err %v", ok, err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	store, err := NewMemoryStore(16)
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	defer store.Close()
	storeContract(t, store)
}

func TestRedisStoreContract(t *testing.T) {
	srv := miniredis.RunT(t)
	store := NewRedisStore(RedisConfig{Addr: srv.Addr(), OpTimeout: time.Second})
	defer store.Close()
	storeContract(t, store)
}

func TestRedisStorePutAppliesTTL(t *testing.T) {
	srv := miniredis.RunT(t)
	store := NewRedisStore(RedisConfig{Addr: srv.Addr()})
	defer store.Close()

	ctx := context.Background()
	if err := store.Put(ctx, "k", []byte("v"), 7*24*time.Hour); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if ttl := srv.TTL("k"); ttl != 7*24*time.Hour {
		t.Fatalf("TTL = %s", ttl)
	}
	srv.FastForward(7*24*time.Hour + time.Second)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("Get() after expiry should miss")
	}
}

func TestMemoryStoreExpiresEntries(t *testing.T) {
	store, _ := NewMemoryStore(4)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	ctx := context.Background()
	_ = store.Put(ctx, "k", []byte("v"), time.Hour)
	now = now.Add(59 * time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); !ok {
		t.Fatal("Get() before expiry should hit")
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("Get() after expiry should miss")
	}
}

func TestMemoryStoreDequeueWakesOnEnqueue(t *testing.T) {
	store, _ := NewMemoryStore(4)
	defer store.Close()
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		item, ok, err := store.Dequeue(ctx, "q", 5*time.Second)
		if err != nil || !ok {
			done <- ""
			return
		}
		done <- string(item)
	}()
	time.Sleep(20 * time.Millisecond)
	_ = store.Enqueue(ctx, "q", []byte("late"))

	select {
	case got := <-done:
		if got != "late" {
			t.Fatalf("Dequeue() = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue() did not wake up")
	}
}

func TestNamespaceIsolatesKeys(t *testing.T) {
	base, _ := NewMemoryStore(8)
	ctx := context.Background()
	cacheNS := Namespace(base, "ada:cache:")
	brokerNS := Namespace(base, "ada:broker:")

	_ = cacheNS.Put(ctx, "k", []byte("cache"), 0)
	if _, ok, _ := brokerNS.Get(ctx, "k"); ok {
		t.Fatal("broker namespace saw cache key")
	}
	if got, ok, _ := base.Get(ctx, "ada:cache:k"); !ok || string(got) != "cache" {
		t.Fatalf("base.Get() = %q ok %v", got, ok)
	}
	_ = brokerNS.Enqueue(ctx, "chat", []byte("task"))
	if n, _ := cacheNS.QueueLen(ctx, "chat"); n != 0 {
		t.Fatalf("cache namespace QueueLen() = %d", n)
	}
}
