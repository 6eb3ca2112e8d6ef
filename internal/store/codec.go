package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode serializes a manager document for storage.
// HTML escaping is disabled so stored values match what callers sent.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode deserializes a stored record value into v.
func Decode(rec Record, v any) error {
	if err := json.Unmarshal(rec.Value, v); err != nil {
		return fmt.Errorf("decode record %q: %w", rec.Key, err)
	}
	return nil
}
