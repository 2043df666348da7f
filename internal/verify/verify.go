// Package verify checks registration photos. The real check is an external
// collaborator; Static stands in for it.
package verify

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

// Flags reported in Result.Flags.
const (
	FlagMissingPhoto    = "missing_photo"
	FlagSuspiciousPhoto = "suspicious_photo"
)

// Request is the data submitted with a registration.
type Request struct {
	Name   string
	Age    int
	Gender string
	Photo  string
}

// Result is the verdict of the oracle.
type Result struct {
	Verified   bool
	TrustScore int
	Flags      []string
	Message    string
}

// Verifier decides whether a registration photo is acceptable. It may be
// slow and is always called outside the matching lock.
type Verifier interface {
	Verify(ctx context.Context, req Request) (Result, error)
}

// Static accepts every registration that carries a photo, after an optional
// artificial delay. A non-zero FailureRate rejects that fraction of
// requests at random.
type Static struct {
	TrustScore  int
	Delay       time.Duration
	FailureRate float64

	rand func() float64
}

// NewStatic returns a Static verifier.
func NewStatic(trustScore int, delay time.Duration) *Static {
	return &Static{TrustScore: trustScore, Delay: delay}
}

// Verify implements Verifier.
func (s *Static) Verify(ctx context.Context, req Request) (Result, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}

	if strings.TrimSpace(req.Photo) == "" {
		return Result{Flags: []string{FlagMissingPhoto}, Message: "photo is required"}, nil
	}

	roll := rand.Float64
	if s.rand != nil {
		roll = s.rand
	}
	if s.FailureRate > 0 && roll() < s.FailureRate {
		return Result{Flags: []string{FlagSuspiciousPhoto}, Message: "photo did not pass verification"}, nil
	}

	return Result{Verified: true, TrustScore: s.TrustScore, Message: "photo verified"}, nil
}
