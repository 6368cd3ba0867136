// Package ratelimiter throttles inbound envelopes per sender fingerprint so
// a single peer cannot flood the pipeline ahead of the crypto stage.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SenderLimiter applies a token bucket per sender and evicts idle buckets.
type SenderLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byFP    map[string]*bucket
	hits    uint64
	idleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a sender limiter; nil is returned for invalid arguments and a
// nil limiter admits everything.
func New(rps float64, burst int, idleTTL time.Duration) *SenderLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &SenderLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		byFP:    make(map[string]*bucket),
		idleTTL: idleTTL,
	}
}

// Allow reports whether the sender may submit one envelope at now.
func (l *SenderLimiter) Allow(senderFP string, now time.Time) bool {
	if l == nil {
		return true
	}
	senderFP = strings.TrimSpace(senderFP)
	if senderFP == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byFP[senderFP]
	if !ok {
		b = &bucket{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.byFP[senderFP] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for fp, b := range l.byFP {
			if b.lastSeen.Before(cutoff) {
				delete(l.byFP, fp)
			}
		}
	}

	return allowed
}
