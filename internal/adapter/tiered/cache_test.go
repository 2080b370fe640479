package tiered_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Strob0t/AgentPR/internal/adapter/tiered"
	"github.com/Strob0t/AgentPR/internal/port/cache/cachetest"
)

// memCache is a simple in-memory cache for testing.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func TestTiered_Compliance(t *testing.T) {
	cachetest.Run(t, tiered.New(newMemCache(), newMemCache(), nil))
}

func TestTiered_L2HitWithBackfill(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, nil)
	ctx := context.Background()

	l2.data["artifact:r:contract:1"] = []byte("contract")

	val, found, err := c.Get(ctx, "artifact:r:contract:1")
	if err != nil || !found || string(val) != "contract" {
		t.Fatalf("got %q found=%v err=%v", val, found, err)
	}
	if string(l1.data["artifact:r:contract:1"]) != "contract" {
		t.Fatal("expected L1 backfill")
	}
}

func TestTiered_L2ErrorIsMiss(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.err = errors.New("nats down")
	c := tiered.New(l1, l2, nil)
	ctx := context.Background()

	if _, found, err := c.Get(ctx, "k"); err != nil || found {
		t.Fatalf("found=%v err=%v, want clean miss", found, err)
	}
	if err := c.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set should tolerate l2 failure: %v", err)
	}
	if string(l1.data["k"]) != "v" {
		t.Fatal("expected L1 write")
	}
}

func TestTiered_NilL2(t *testing.T) {
	c := tiered.New(newMemCache(), nil, nil)
	cachetest.Run(t, c)
}

func TestTiered_GetOrLoad(t *testing.T) {
	c := tiered.New(newMemCache(), newMemCache(), nil)
	ctx := context.Background()
	calls := 0
	load := func(context.Context) ([]byte, error) {
		calls++
		return []byte("loaded"), nil
	}

	for range 3 {
		val, err := c.GetOrLoad(ctx, "artifact:r:run_digest:7", load)
		if err != nil {
			t.Fatal(err)
		}
		if string(val) != "loaded" {
			t.Fatalf("got %q", val)
		}
	}
	if calls != 1 {
		t.Errorf("load called %d times, want 1", calls)
	}

	boom := errors.New("boom")
	if _, err := c.GetOrLoad(ctx, "other", func(context.Context) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
