package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenRefill(t *testing.T) {
	l := New(Options{RPS: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)

	assert.True(t, l.Allow("alice", now))
	assert.True(t, l.Allow("alice", now))
	assert.False(t, l.Allow("alice", now))
	assert.True(t, l.Allow("bob", now), "buckets are per key")

	assert.True(t, l.Allow("alice", now.Add(time.Second)))
}

func TestDisabledAllowsEverything(t *testing.T) {
	var l *Limiter = New(Options{})
	assert.Nil(t, l)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("alice", time.Now()))
	}
	assert.Zero(t, l.Len())
}

func TestIdleBucketsAreEvicted(t *testing.T) {
	l := New(Options{RPS: 100, Burst: 1000, IdleTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.Allow("idle", now)

	later := now.Add(time.Hour)
	for i := 0; i < 511; i++ {
		l.Allow("busy", later)
	}
	assert.Equal(t, 1, l.Len())
}
