// Package otp issues numeric one-time passcodes and throttles their
// verification.
package otp

import (
	"crypto/rand"
	"io"
	"math/big"
	"strings"
	"time"
)

const (
	DefaultLength = 6
	DefaultTTL    = 15 * time.Minute
)

// Challenge is an issued code with its absolute expiry.
type Challenge struct {
	Code      string
	ExpiresAt time.Time
}

// Expired reports whether the challenge is past its expiry at now. The
// boundary itself is still valid.
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Generator draws uniformly distributed decimal codes. Zero fields fall back
// to the package defaults.
type Generator struct {
	Length int
	TTL    time.Duration
	Now    func() time.Time
	Rand   io.Reader
}

func NewGenerator(length int, ttl time.Duration) *Generator {
	if length <= 0 {
		length = DefaultLength
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Generator{Length: length, TTL: ttl, Now: time.Now, Rand: rand.Reader}
}

// Issue returns a new challenge. It only fails if the random source does.
func (g *Generator) Issue() (Challenge, error) {
	length, ttl, now, src := g.Length, g.TTL, g.Now, g.Rand
	if length <= 0 {
		length = DefaultLength
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	if src == nil {
		src = rand.Reader
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(src, max)
		if err != nil {
			return Challenge{}, err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return Challenge{
		Code:      b.String(),
		ExpiresAt: now().Add(ttl),
	}, nil
}
