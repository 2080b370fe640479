// Package cachetest holds the behaviour every cache.Cache backend shares.
package cachetest

import (
	"context"
	"testing"

	"github.com/Strob0t/AgentPR/internal/port/cache"
)

// Run exercises c. The backend must make a Set visible to the next Get.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		key := "artifact:r1:run_digest:1"
		if err := c.Set(ctx, key, []byte(`{"state":"EXECUTING"}`)); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != `{"state":"EXECUTING"}` {
			t.Fatalf("unexpected value %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "artifact:r1:contract:404")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
	})

	t.Run("KeysAreDistinct", func(t *testing.T) {
		_ = c.Set(ctx, "artifact:r2:run_digest:1", []byte("a"))
		_ = c.Set(ctx, "artifact:r2:run_digest:2", []byte("b"))
		val, found, err := c.Get(ctx, "artifact:r2:run_digest:1")
		if err != nil || !found || string(val) != "a" {
			t.Fatalf("got %q found=%v err=%v", val, found, err)
		}
	})
}
