package transcription

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/book-expert/chunked-transcriber/internal/model"
)

// APIError is returned by Client.Transcribe on any status other than 200 OK, carrying
// enough of the upstream response for §7 classification.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transcription API request failed with status %d: %s", e.StatusCode, e.Body)
}

// noAudioPatterns are the "no-audio" phrases spec.md §4.D's chunk-0 skip
// rule matches against, checked case-insensitively.
var noAudioPatterns = []string{
	"no audio found",
	"invalid audio format",
	"audio file is empty",
	"no valid audio stream",
	"no speech detected",
	"audio too short",
	"unsupported audio format",
}

// IsNoAudioMessage reports whether msg matches one of spec.md §4.D's
// "no-audio" patterns, used by the chunk-0 skip rule.
func IsNoAudioMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range noAudioPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	return false
}

// Classify maps an error returned by Transcribe (or Correct) into one of
// spec.md §7's error categories, preferring HTTP status when an *APIError is
// present and falling back to message-substring matching (spec.md §9: "SHOULD
// prefer HTTP status when available; fall back to substring only for
// categorization hints").
func Classify(err error) model.ErrorCategory {
	if err == nil {
		return model.ErrUnknown
	}

	var apiErr *APIError

	lower := strings.ToLower(err.Error())

	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return model.ErrRateLimit
		case http.StatusUnauthorized:
			return model.ErrAuthError
		case http.StatusBadRequest:
			return model.ErrClientError
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return model.ErrServerError
		}

		lower = strings.ToLower(apiErr.Body)
	}

	switch {
	case containsAny(lower, "rate limit", "too many requests", "quota exceeded"):
		return model.ErrRateLimit
	case containsAny(lower, "timeout", "econnreset"):
		return model.ErrNetworkTimeout
	case containsAny(lower, "authentication", "unauthorized"):
		return model.ErrAuthError
	case containsAny(lower, "audio file is empty"):
		return model.ErrAudioEmpty
	case containsAny(lower, "invalid audio format", "unsupported audio format"):
		return model.ErrAudioFormat
	case containsAny(lower, "no valid audio stream", "audio too short", "no speech detected"):
		return model.ErrAudioCorrupted
	case containsAny(lower, "invalid", "format"):
		return model.ErrClientError
	default:
		return model.ErrUnknown
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}

	return false
}

// Retryable reports whether cat ever gets another attempt, i.e. its
// per-category cap (MaxAttempts) is non-zero (spec.md §9's Open Question
// resolution: the per-category cap is authoritative over the coarser
// retryable/non-retryable split in §7's table).
func Retryable(cat model.ErrorCategory) bool {
	return MaxAttempts(cat, false) > 0
}
