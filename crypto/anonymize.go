package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/visa2any/frauddetex-sub001/core/threat"
)

// PBKDF2 parameters for pattern hashing.
const (
	hashIterations = 10000
	hashBytes      = 32
	saltBytes      = 16
)

// HashPattern replaces a raw pattern value with a "salt:hash" encoding using
// PBKDF2-SHA256 and a freshly generated random salt. Hashing is deliberately
// non-deterministic: the same underlying pattern hashed twice yields
// different outputs, which prevents correlation by outsiders at the cost of
// cross-peer dedup by pattern value.
func HashPattern(pattern string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	sum := pbkdf2.Key([]byte(pattern), salt, hashIterations, hashBytes, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum), nil
}

// Anonymize returns a copy of the record safe to transmit: pattern values of
// ip and email_pattern threats are salted-hashed, embedded metadata
// timestamps are truncated to hour granularity, and precise location fields
// are removed. The input record is not modified.
func Anonymize(rec *threat.Record) (*threat.Record, error) {
	out := rec.Copy()

	if out.Type == threat.TypeIP || out.Type == threat.TypeEmailPattern {
		hashed, err := HashPattern(out.Pattern)
		if err != nil {
			return nil, err
		}
		out.Pattern = hashed
	}

	if out.Metadata != nil {
		anonymizeMetadata(out.Metadata)
	}
	return out, nil
}

func anonymizeMetadata(meta map[string]interface{}) {
	if ts, ok := meta["timestamp"]; ok {
		if truncated, ok := truncateToHour(ts); ok {
			meta["timestamp"] = truncated
		} else {
			// A timestamp we cannot truncate must not cross the network
			// at full precision.
			delete(meta, "timestamp")
		}
	}
	// The metadata copy is shallow, so rebuild the location map rather than
	// deleting keys from the shared nested map.
	if loc, ok := meta["location"].(map[string]interface{}); ok {
		scrubbed := make(map[string]interface{}, len(loc))
		for k, v := range loc {
			if k == "exact" || k == "coordinates" {
				continue
			}
			scrubbed[k] = v
		}
		meta["location"] = scrubbed
	}
}

// truncateToHour truncates a timestamp value to the hour. JSON numbers
// arrive as float64 epoch milliseconds; locally built metadata may carry
// int64 or int; free-form metadata may also carry an RFC 3339 string.
func truncateToHour(v interface{}) (interface{}, bool) {
	const hourMs = int64(3600 * 1000)
	switch t := v.(type) {
	case float64:
		return (int64(t) / hourMs) * hourMs, true
	case int64:
		return (t / hourMs) * hourMs, true
	case int:
		return (int64(t) / hourMs) * hourMs, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, false
		}
		return ts.Truncate(time.Hour).Format(time.RFC3339), true
	}
	return nil, false
}
