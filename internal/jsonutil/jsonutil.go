// Package jsonutil provides small JSON marshal/unmarshal wrappers shared by
// the store packages.
package jsonutil

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes v and wraps any error with context.
func Marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(data), nil
}

// Unmarshal decodes data into target and wraps any error with context.
func Unmarshal(data string, target any) error {
	err := json.Unmarshal([]byte(data), target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}
