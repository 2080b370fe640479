package policy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHolderWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("run_agent_step:\n  max_changed_files: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHolder(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte("run_agent_step:\n  max_changed_files: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.Current().Base().MaxChangedFiles == 9 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("policy not reloaded, max_changed_files = %d", h.Current().Base().MaxChangedFiles)
}
