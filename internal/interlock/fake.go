package interlock

import (
	"context"
	"strings"
	"sync"
)

// Fake is an in-memory Store for tests. Publishes are fanned out to every
// active Listen subscription whose pattern matches.
type Fake struct {
	mu       sync.Mutex
	values   map[string]string
	subs     []*fakeSub
	ReadErr  error // if set, every Read fails with it
	WriteErr error // if set, every Write/Publish fails with it
}

type fakeSub struct {
	patterns []string
	ch       chan KV
	done     <-chan struct{}
}

// NewFake returns an empty fake store.
func NewFake() *Fake {
	return &Fake{values: make(map[string]string)}
}

// Set seeds a value without error handling, for test setup.
func (f *Fake) Set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
}

// Get returns a stored value and whether it exists, for test assertions.
func (f *Fake) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *Fake) Read(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return "", f.ReadErr
	}
	v, ok := f.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *Fake) Write(ctx context.Context, kv map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return f.WriteErr
	}
	for k, v := range kv {
		f.values[k] = v
	}
	return nil
}

func (f *Fake) Publish(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return f.WriteErr
	}
	for _, sub := range f.subs {
		if !matchAny(sub.patterns, key) {
			continue
		}
		select {
		case sub.ch <- KV{Key: key, Value: value}:
		case <-sub.done:
		}
	}
	return nil
}

func (f *Fake) Listen(ctx context.Context, patterns ...string) (<-chan KV, error) {
	ch := make(chan KV, 16)
	sub := &fakeSub{patterns: patterns, ch: ch, done: ctx.Done()}

	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, s := range f.subs {
			if s == sub {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ReadErr
}

// matchAny implements the "prefix*" and exact patterns the controller uses.
func matchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(key, strings.TrimSuffix(p, "*")) {
				return true
			}
		} else if p == key {
			return true
		}
	}
	return false
}
