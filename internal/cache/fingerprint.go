package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// FingerprintPolicy selects how request payloads are normalised before hashing.
type FingerprintPolicy string

const (
	// FingerprintCanonical hashes key-sorted, whitespace-free JSON, so
	// semantically equal payloads share a cache entry.
	FingerprintCanonical FingerprintPolicy = "canonical-json"
	// FingerprintRaw hashes the payload bytes as received.
	FingerprintRaw FingerprintPolicy = "raw"
)

// Valid reports whether p is a known policy.
func (p FingerprintPolicy) Valid() bool {
	return p == FingerprintCanonical || p == FingerprintRaw
}

// Fingerprint returns the BLAKE3 hex digest of capability and payload.
func Fingerprint(policy FingerprintPolicy, capability string, payload []byte) (string, error) {
	body := payload
	if policy != FingerprintRaw {
		canon, err := CanonicalJSON(payload)
		if err != nil {
			return "", err
		}
		body = canon
	}

	h := blake3.New()
	_, _ = h.Write([]byte(capability))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalJSON re-encodes payload with sorted object keys and no
// insignificant whitespace. Numbers keep their original text. An empty
// payload canonicalises to null.
func CanonicalJSON(payload []byte) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("payload is not valid JSON: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
