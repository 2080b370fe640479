package notifier

import (
	"fmt"
	"sort"
	"sync"
)

// Factory is a constructor function that creates a new Notifier from its
// webhook URL.
type Factory func(webhookURL string) (Notifier, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a notifier factory available by name.
// It is typically called from an init() function in the adapter package.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("notifier: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a new Notifier by name using the registered factory.
func New(name, webhookURL string) (Notifier, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("notifier: unknown provider %q", name)
	}
	return factory(webhookURL)
}

// FromURLs builds one notifier per non-empty URL, keyed by provider name.
func FromURLs(urls map[string]string) ([]Notifier, error) {
	names := make([]string, 0, len(urls))
	for name, url := range urls {
		if url != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]Notifier, 0, len(names))
	for _, name := range names {
		n, err := New(name, urls[name])
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Available returns the names of all registered notifiers.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
