// DB provides high-level database operations for threat intelligence data.
// It manages:
//
// • Threat storage: primary records under threat:<id>, persisted as CBOR
// • Secondary indices: index:type:<type>:<id> and index:time:<day>:<id>,
//   each mapping to the record id only (a pointer, not a copy)
// • Feedback storage: append-only entries under feedback:<threatId>:<epochMs>
// • Reputation storage: one record per peer under reputation:<peerId>
//
// Scans follow the node's availability-over-completeness policy: ids whose
// primary record is missing are skipped and logged, and a scan that errors
// mid-iteration returns the partial result set gathered so far.
package storage

import (
	"log"
	"strings"

	"github.com/visa2any/frauddetex-sub001/core/threat"
)

// DB provides high-level database operations for threat intelligence data.
type DB struct {
	storage Storage
}

// NewDB creates a new database operations handler on top of storage.
// DB does not own the storage; the node closes it during shutdown.
func NewDB(storage Storage) *DB {
	return &DB{storage: storage}
}

// SaveThreat writes the primary record and both secondary index entries in
// one atomic transaction.
func (db *DB) SaveThreat(rec *threat.Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}

	return db.storage.Update(func(txn Transaction) error {
		if err := txn.Set(ThreatKey(rec.ID), data); err != nil {
			return err
		}
		if err := txn.Set(TypeIndexKey(string(rec.Type), rec.ID), []byte(rec.ID)); err != nil {
			return err
		}
		return txn.Set(TimeIndexKey(rec.Day(), rec.ID), []byte(rec.ID))
	})
}

// GetThreat retrieves a threat record by id. Returns ErrKeyNotFound when the
// record does not exist.
func (db *DB) GetThreat(id string) (*threat.Record, error) {
	data, err := db.storage.Get(ThreatKey(id))
	if err != nil {
		return nil, err
	}

	var rec threat.Record
	if err := rec.Unmarshal(data); err != nil {
		return nil, err
	}
	return &rec, nil
}

// HasThreat checks whether a threat record exists without decoding it.
func (db *DB) HasThreat(id string) (bool, error) {
	return db.storage.Has(ThreatKey(id))
}

// ScanByType range-scans the type index and resolves each id to its primary
// record. Index entries whose primary record is missing are skipped and
// logged rather than failing the scan.
func (db *DB) ScanByType(threatType threat.Type) []*threat.Record {
	prefix := []byte(TypeIndexPrefix + string(threatType) + ":")
	return db.resolveIndex(prefix)
}

// ScanByDay range-scans the time index for one UTC day (YYYY-MM-DD).
func (db *DB) ScanByDay(day string) []*threat.Record {
	prefix := []byte(TimeIndexPrefix + day + ":")
	return db.resolveIndex(prefix)
}

func (db *DB) resolveIndex(prefix []byte) []*threat.Record {
	var records []*threat.Record

	it := db.storage.Iterator(prefix)
	defer it.Close()

	for it.Next() {
		id := string(it.Value())
		rec, err := db.GetThreat(id)
		if err == ErrKeyNotFound {
			log.Printf("Index entry %s points at missing threat %s, skipping", it.Key(), id)
			continue
		}
		if err != nil {
			log.Printf("Warning: scan aborted at threat %s: %v, returning %d partial results", id, err, len(records))
			return records
		}
		records = append(records, rec)
	}
	return records
}

// CountByType counts index entries per threat type without resolving records.
func (db *DB) CountByType() map[string]int {
	counts := make(map[string]int)

	it := db.storage.Iterator([]byte(TypeIndexPrefix))
	defer it.Close()

	for it.Next() {
		key := strings.TrimPrefix(string(it.Key()), TypeIndexPrefix)
		if i := strings.IndexByte(key, ':'); i > 0 {
			counts[key[:i]]++
		}
	}
	return counts
}

// SaveFeedback appends a feedback entry keyed by (threatId, timestamp).
func (db *DB) SaveFeedback(fb *threat.Feedback) error {
	data, err := fb.Marshal()
	if err != nil {
		return err
	}
	return db.storage.Set(FeedbackKey(fb.ThreatID, fb.Timestamp), data)
}

// FeedbackForThreat returns all feedback entries recorded for a threat, in
// timestamp key order. Undecodable entries are skipped and logged.
func (db *DB) FeedbackForThreat(threatID string) []*threat.Feedback {
	var entries []*threat.Feedback

	it := db.storage.Iterator([]byte(FeedbackPrefix + threatID + ":"))
	defer it.Close()

	for it.Next() {
		var fb threat.Feedback
		if err := fb.Unmarshal(it.Value()); err != nil {
			log.Printf("Skipping undecodable feedback entry %s: %v", it.Key(), err)
			continue
		}
		entries = append(entries, &fb)
	}
	return entries
}

// SaveReputation persists a peer's reputation record.
func (db *DB) SaveReputation(rec *threat.Reputation) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	return db.storage.Set(ReputationKey(rec.PeerID), data)
}

// ScanReputation returns every persisted reputation record. Undecodable
// entries are skipped and logged; the scan never fails outright.
func (db *DB) ScanReputation() []*threat.Reputation {
	var records []*threat.Reputation

	it := db.storage.Iterator([]byte(ReputationPrefix))
	defer it.Close()

	for it.Next() {
		var rec threat.Reputation
		if err := rec.Unmarshal(it.Value()); err != nil {
			log.Printf("Skipping undecodable reputation entry %s: %v", it.Key(), err)
			continue
		}
		records = append(records, &rec)
	}
	return records
}
