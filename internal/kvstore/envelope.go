package kvstore

import (
	"time"

	"github.com/book-expert/chunked-transcriber/internal/jsonutil"
)

func encodeEnvelope(env envelope) (string, error) {
	return jsonutil.Marshal(env)
}

// decodeEnvelope parses a stored envelope and reports ok=false (not an
// error) when the entry has passed its expiration, so callers treat it the
// same as a key that was never written.
func decodeEnvelope(raw string) (envelope, bool, error) {
	var env envelope

	err := jsonutil.Unmarshal(raw, &env)
	if err != nil {
		return envelope{}, false, err
	}

	if env.ExpirationUnix > 0 && time.Now().Unix() >= env.ExpirationUnix {
		return envelope{}, false, nil
	}

	return env, true, nil
}
