package notifier

import (
	"context"
	"strings"
	"testing"
)

type stubNotifier struct{ url string }

func (s *stubNotifier) Name() string               { return "stub" }
func (s *stubNotifier) Capabilities() Capabilities { return Capabilities{} }
func (s *stubNotifier) Send(context.Context, Notification) error {
	return nil
}

func init() {
	Register("stub", func(url string) (Notifier, error) { return &stubNotifier{url: url}, nil })
}

func TestFromURLs_SkipsEmpty(t *testing.T) {
	ns, err := FromURLs(map[string]string{"stub": "https://hooks.example/1", "other": ""})
	if err != nil {
		t.Fatal(err)
	}
	if len(ns) != 1 {
		t.Fatalf("got %d notifiers, want 1", len(ns))
	}
	if ns[0].(*stubNotifier).url != "https://hooks.example/1" {
		t.Errorf("url not passed to factory")
	}
}

func TestFromURLs_UnknownProvider(t *testing.T) {
	_, err := FromURLs(map[string]string{"pager": "https://x"})
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("err = %v", err)
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Register("stub", func(string) (Notifier, error) { return nil, nil })
}
