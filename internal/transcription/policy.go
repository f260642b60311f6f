package transcription

import (
	"math"
	"time"

	"github.com/book-expert/chunked-transcriber/internal/model"
)

const (
	baseMaxAttempts  = 5
	chunk0Bonus      = 2
	backoffBaseMS    = 2000.0
	backoffFactor    = 1.5
	backoffCapMS     = 10000.0
)

// MaxAttempts returns the per-category attempt cap (spec.md §4.D), already
// including the chunk-0 bonus when isChunkZero is true. The per-category cap
// is authoritative over the coarser retryable/non-retryable split (spec.md §9
// Open Question: client_error and auth_error always cap at 0, regardless of
// being nominally "retryable").
func MaxAttempts(cat model.ErrorCategory, isChunkZero bool) int {
	bonus := 0
	if isChunkZero {
		bonus = chunk0Bonus
	}

	switch cat {
	case model.ErrRateLimit, model.ErrNetworkTimeout:
		return baseMaxAttempts + bonus
	case model.ErrServerError:
		return 3 + bonus
	case model.ErrUnknown:
		return 2 + bonus
	case model.ErrAuthError, model.ErrClientError,
		model.ErrAudioFormat, model.ErrAudioEmpty, model.ErrAudioCorrupted:
		return 0
	default:
		return 0
	}
}

// Backoff returns the delay before the attempt'th retry (1-based), per
// spec.md §4.D: min(2000 * 1.5^(attempt-1), 10_000) ms.
func Backoff(attempt int) time.Duration {
	ms := backoffBaseMS * math.Pow(backoffFactor, float64(attempt-1))
	if ms > backoffCapMS {
		ms = backoffCapMS
	}

	return time.Duration(ms) * time.Millisecond
}
