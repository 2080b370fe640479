package ristretto

import (
	"context"
	"strings"
	"testing"

	"github.com/Strob0t/AgentPR/internal/port/cache/cachetest"
)

func TestCache_Compliance(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	cachetest.Run(t, c)
}

func TestCache_SkipsOversizedValues(t *testing.T) {
	c, err := New(8 << 10)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "artifact:r:agent_event_stream:1", []byte(strings.Repeat("x", 4<<10))); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := c.Get(ctx, "artifact:r:agent_event_stream:1"); found {
		t.Error("oversized value should not be admitted")
	}
}

func TestNew_RejectsZeroCost(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("expected error")
	}
}
