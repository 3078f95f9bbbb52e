// Package breaker trips per key after repeated failures. The outbox relay
// keys it by MQ topic.
package breaker

import (
	"sync"
	"time"
)

type Options struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	OpenFor   time.Duration `yaml:"open_for"`
}

// Breaker opens a key for OpenFor once Threshold failures land inside one
// Window. Any success closes it again.
type Breaker struct {
	opt Options
	now func() time.Time

	mu   sync.Mutex
	keys map[string]*circuit
}

type circuit struct {
	failures int
	since    time.Time // first failure of the current window
	until    time.Time // open while now < until
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	return &Breaker{opt: opt, now: time.Now, keys: make(map[string]*circuit)}
}

// Allow reports whether key may be tried now. When it may not, wait is the
// time left until the key closes.
func (b *Breaker) Allow(key string) (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.keys[key]
	if c == nil {
		return true, 0
	}
	if left := c.until.Sub(b.now()); left > 0 {
		return false, left
	}
	return true, 0
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	delete(b.keys, key)
	b.mu.Unlock()
}

// Failure records a failure and reports whether it opened the breaker.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.keys[key]
	if c == nil || now.Sub(c.since) > b.opt.Window {
		c = &circuit{since: now}
		b.keys[key] = c
	}
	c.failures++
	if c.failures < b.opt.Threshold || now.Before(c.until) {
		return false
	}
	c.until = now.Add(b.opt.OpenFor)
	return true
}
