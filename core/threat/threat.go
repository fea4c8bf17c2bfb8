// Package threat defines the shared intelligence record types exchanged
// between nodes and persisted locally: threat records, feedback entries and
// per-peer reputation state.
package threat

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Type enumerates supported fraud-signal categories.
type Type string

const (
	TypeIP                Type = "ip"
	TypeEmailPattern      Type = "email_pattern"
	TypeDeviceFingerprint Type = "device_fingerprint"
	TypeBehavioralPattern Type = "behavioral_pattern"
)

// RiskLevel enumerates threat severity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// TTL bounds in seconds. Records default to seven days of relevance.
const (
	MinTTLSeconds     = 3600
	MaxTTLSeconds     = 30 * 24 * 3600
	DefaultTTLSeconds = 7 * 24 * 3600
)

// Record is a single unit of shared threat intelligence.
//
// Pattern holds the raw signal value only while the record is local; for the
// ip and email_pattern types it is replaced by a "salt:hash" encoding before
// the record ever leaves the node.
type Record struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	Pattern    string                 `json:"pattern"`
	RiskLevel  RiskLevel              `json:"riskLevel"`
	Confidence float64                `json:"confidence"`
	Source     string                 `json:"source,omitempty"`
	Timestamp  int64                  `json:"timestamp"` // epoch ms
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	TTL        int64                  `json:"ttl"` // seconds
}

// FeedbackKind classifies an assertion about a previously shared threat.
type FeedbackKind string

const (
	FeedbackAccurate      FeedbackKind = "accurate"
	FeedbackFalsePositive FeedbackKind = "false_positive"
	FeedbackOutdated      FeedbackKind = "outdated"
)

// Feedback is an append-only assertion about a threat record, keyed by
// (ThreatID, Timestamp) so a threat can accumulate multiple entries.
type Feedback struct {
	ThreatID   string       `json:"threatId"`
	Kind       FeedbackKind `json:"feedback"`
	Confidence float64      `json:"confidence"`
	Timestamp  int64        `json:"timestamp"` // epoch ms
	Submitter  string       `json:"submitter,omitempty"`
}

// Reputation is the bounded trust state for a remote peer. Created lazily,
// mutated by feedback and decay, never deleted.
type Reputation struct {
	PeerID      string  `json:"peerId"`
	Score       float64 `json:"score"`
	LastUpdated int64   `json:"lastUpdated"` // epoch ms
}

// TimeRange bounds a query by record timestamp, inclusive.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Query selects threat records by exact type, optional substring pattern
// match and optional time range.
type Query struct {
	Type      Type       `json:"type"`
	Pattern   string     `json:"pattern,omitempty"`
	TimeRange *TimeRange `json:"timeRange,omitempty"`
}

// ValidationError reports the first field of a submission that violates the
// threat schema. It is always recoverable; a malformed peer payload is
// dropped, a malformed operator request becomes a 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// ValidType reports whether t is a known threat type.
func ValidType(t Type) bool {
	switch t {
	case TypeIP, TypeEmailPattern, TypeDeviceFingerprint, TypeBehavioralPattern:
		return true
	}
	return false
}

// ValidRiskLevel reports whether r is a known risk level.
func ValidRiskLevel(r RiskLevel) bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ValidFeedbackKind reports whether k is a known feedback kind.
func ValidFeedbackKind(k FeedbackKind) bool {
	switch k {
	case FeedbackAccurate, FeedbackFalsePositive, FeedbackOutdated:
		return true
	}
	return false
}

// Validate checks the record against the threat schema and returns a
// ValidationError naming the first violated field.
func (r *Record) Validate() error {
	if !ValidType(r.Type) {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown threat type %q", r.Type)}
	}
	if r.Pattern == "" {
		return &ValidationError{Field: "pattern", Reason: "must not be empty"}
	}
	if !ValidRiskLevel(r.RiskLevel) {
		return &ValidationError{Field: "riskLevel", Reason: fmt.Sprintf("unknown risk level %q", r.RiskLevel)}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}
	if r.Source == "" {
		return &ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if r.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Reason: "must be a positive epoch timestamp"}
	}
	return nil
}

// Validate checks a feedback entry before it is persisted or applied.
func (f *Feedback) Validate() error {
	if f.ThreatID == "" {
		return &ValidationError{Field: "threatId", Reason: "must not be empty"}
	}
	if !ValidFeedbackKind(f.Kind) {
		return &ValidationError{Field: "feedback", Reason: fmt.Sprintf("unknown feedback kind %q", f.Kind)}
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}
	return nil
}

// ClampTTL applies the default and bounds the record TTL to
// [MinTTLSeconds, MaxTTLSeconds].
func (r *Record) ClampTTL() {
	switch {
	case r.TTL == 0:
		r.TTL = DefaultTTLSeconds
	case r.TTL < MinTTLSeconds:
		r.TTL = MinTTLSeconds
	case r.TTL > MaxTTLSeconds:
		r.TTL = MaxTTLSeconds
	}
}

// Copy returns a deep copy of the record. Metadata is copied one level deep,
// which covers every field the node itself writes.
func (r *Record) Copy() *Record {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Age returns how old the record is relative to now.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.Timestamp))
}

// Day returns the record's timestamp truncated to a UTC date, used as the
// time-index key segment.
func (r *Record) Day() string {
	return time.UnixMilli(r.Timestamp).UTC().Format("2006-01-02")
}

// Marshal encodes the record as CBOR for durable storage.
func (r *Record) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal decodes a CBOR-encoded record.
func (r *Record) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, r)
}

// Marshal encodes the feedback entry as CBOR for durable storage.
func (f *Feedback) Marshal() ([]byte, error) {
	return cbor.Marshal(f)
}

// Unmarshal decodes a CBOR-encoded feedback entry.
func (f *Feedback) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, f)
}

// Marshal encodes the reputation record as CBOR for durable storage.
func (r *Reputation) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal decodes a CBOR-encoded reputation record.
func (r *Reputation) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, r)
}

// Matches reports whether the record satisfies the query: exact type match,
// timestamp within the range when given, and substring pattern match when
// given. Substring matching is only meaningful for types whose pattern is
// stored in the clear (device_fingerprint, behavioral_pattern); hashed
// patterns will effectively never match.
func (r *Record) Matches(q *Query) bool {
	if r.Type != q.Type {
		return false
	}
	if q.TimeRange != nil {
		if r.Timestamp < q.TimeRange.Start || r.Timestamp > q.TimeRange.End {
			return false
		}
	}
	if q.Pattern != "" && !strings.Contains(r.Pattern, q.Pattern) {
		return false
	}
	return true
}
