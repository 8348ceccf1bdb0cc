// Package ratelimit provides per sending-number token buckets for the sender
// pool. Buckets live in-process (x/time/rate) or in Redis when several worker
// processes share one provider account.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Key identifies one bucket: a provider account and one of its sending numbers.
type Key struct {
	AccountID     string
	PhoneNumberID string
}

func (k Key) String() string { return k.AccountID + ":" + k.PhoneNumberID }

// RateFunc returns the configured messages/second and burst for a key.
type RateFunc func(accountID, phoneNumberID string) (float64, int)

// Limiter blocks until the caller may perform one provider call for key.
type Limiter interface {
	Wait(ctx context.Context, key Key) error
}

// Local keeps one rate.Limiter per key, created lazily from RateFunc.
type Local struct {
	mu       sync.Mutex
	rateFor  RateFunc
	limiters map[Key]*rate.Limiter
}

func NewLocal(rateFor RateFunc) *Local {
	return &Local{rateFor: rateFor, limiters: map[Key]*rate.Limiter{}}
}

func (l *Local) Wait(ctx context.Context, key Key) error {
	if err := l.limiter(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", key, err)
	}
	return nil
}

func (l *Local) limiter(key Key) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	rps, burst := l.rateFor(key.AccountID, key.PhoneNumberID)
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	l.limiters[key] = lim
	return lim
}

// SetRate changes the rate of an existing bucket without losing its state.
func (l *Local) SetRate(key Key, rps float64, burst int) {
	lim := l.limiter(key)
	lim.SetLimit(rate.Limit(rps))
	if burst > 0 {
		lim.SetBurst(burst)
	}
}
