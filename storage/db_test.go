package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/visa2any/frauddetex-sub001/core/threat"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	store, err := NewBadgerStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewDB(store)
}

func testRecord(id string, typ threat.Type, ts time.Time) *threat.Record {
	return &threat.Record{
		ID:         id,
		Type:       typ,
		Pattern:    "pattern-" + id,
		RiskLevel:  threat.RiskHigh,
		Confidence: 0.8,
		Source:     "12D3KooWPeer",
		Timestamp:  ts.UnixMilli(),
		TTL:        threat.DefaultTTLSeconds,
	}
}

func TestSaveAndGetThreat(t *testing.T) {
	db := newTestDB(t)
	rec := testRecord("t1", threat.TypeIP, time.Now())
	rec.Metadata = map[string]interface{}{"channel": "checkout"}

	require.NoError(t, db.SaveThreat(rec))

	got, err := db.GetThreat("t1")
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Type, got.Type)
	require.Equal(t, rec.Pattern, got.Pattern)
	require.Equal(t, rec.Confidence, got.Confidence)
	require.Equal(t, rec.Timestamp, got.Timestamp)

	_, err = db.GetThreat("missing")
	require.ErrorIs(t, err, ErrKeyNotFound)

	ok, err := db.HasThreat("t1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.HasThreat("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanByType(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.SaveThreat(testRecord("ip1", threat.TypeIP, now)))
	require.NoError(t, db.SaveThreat(testRecord("ip2", threat.TypeIP, now)))
	require.NoError(t, db.SaveThreat(testRecord("bp1", threat.TypeBehavioralPattern, now)))

	ips := db.ScanByType(threat.TypeIP)
	require.Len(t, ips, 2)
	for _, rec := range ips {
		require.Equal(t, threat.TypeIP, rec.Type)
	}

	require.Len(t, db.ScanByType(threat.TypeBehavioralPattern), 1)
	require.Empty(t, db.ScanByType(threat.TypeDeviceFingerprint))
}

func TestScanByDay(t *testing.T) {
	db := newTestDB(t)
	day1 := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.SaveThreat(testRecord("a", threat.TypeIP, day1)))
	require.NoError(t, db.SaveThreat(testRecord("b", threat.TypeIP, day2)))
	require.NoError(t, db.SaveThreat(testRecord("c", threat.TypeIP, day2)))

	require.Len(t, db.ScanByDay("2026-08-29"), 1)
	require.Len(t, db.ScanByDay("2026-08-30"), 2)
	require.Empty(t, db.ScanByDay("2026-08-31"))
}

func TestScanSkipsDanglingIndexEntry(t *testing.T) {
	store, err := NewBadgerStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	db := NewDB(store)

	require.NoError(t, db.SaveThreat(testRecord("live", threat.TypeIP, time.Now())))

	// Index entry whose primary record was never written.
	require.NoError(t, store.Set(TypeIndexKey(string(threat.TypeIP), "ghost"), []byte("ghost")))

	recs := db.ScanByType(threat.TypeIP)
	require.Len(t, recs, 1)
	require.Equal(t, "live", recs[0].ID)
}

func TestCountByType(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.SaveThreat(testRecord("ip1", threat.TypeIP, now)))
	require.NoError(t, db.SaveThreat(testRecord("ip2", threat.TypeIP, now)))
	require.NoError(t, db.SaveThreat(testRecord("em1", threat.TypeEmailPattern, now)))

	counts := db.CountByType()
	require.Equal(t, 2, counts["ip"])
	require.Equal(t, 1, counts["email_pattern"])
	require.Zero(t, counts["behavioral_pattern"])
}

func TestFeedbackIsAppendOnly(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().UnixMilli()

	for i, kind := range []threat.FeedbackKind{threat.FeedbackAccurate, threat.FeedbackFalsePositive, threat.FeedbackOutdated} {
		fb := &threat.Feedback{
			ThreatID:   "t1",
			Kind:       kind,
			Confidence: 0.7,
			Timestamp:  base + int64(i),
			Submitter:  "12D3KooWPeer",
		}
		require.NoError(t, db.SaveFeedback(fb))
	}
	// Unrelated threat, must not leak into t1's scan.
	require.NoError(t, db.SaveFeedback(&threat.Feedback{
		ThreatID: "t2", Kind: threat.FeedbackAccurate, Confidence: 0.5, Timestamp: base,
	}))

	entries := db.FeedbackForThreat("t1")
	require.Len(t, entries, 3)
	require.Equal(t, threat.FeedbackAccurate, entries[0].Kind)
	require.Equal(t, threat.FeedbackFalsePositive, entries[1].Kind)
	require.Equal(t, threat.FeedbackOutdated, entries[2].Kind)

	require.Empty(t, db.FeedbackForThreat("t3"))
}

func TestRunGCWithNothingToCollect(t *testing.T) {
	store, err := NewBadgerStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Badger reports a no-op collection as ErrNoRewrite internally; the
	// storage layer must not surface that as a failure.
	require.NoError(t, store.RunGC(0.5))
}

func TestReputationRoundTrip(t *testing.T) {
	db := newTestDB(t)

	rep := &threat.Reputation{PeerID: "12D3KooWPeerA", Score: 42.5, LastUpdated: time.Now().UnixMilli()}
	require.NoError(t, db.SaveReputation(rep))
	require.NoError(t, db.SaveReputation(&threat.Reputation{PeerID: "12D3KooWPeerB", Score: 80, LastUpdated: time.Now().UnixMilli()}))

	records := db.ScanReputation()
	require.Len(t, records, 2)

	byPeer := make(map[string]float64)
	for _, rec := range records {
		byPeer[rec.PeerID] = rec.Score
	}
	require.Equal(t, 42.5, byPeer["12D3KooWPeerA"])
	require.Equal(t, 80.0, byPeer["12D3KooWPeerB"])

	// Overwrite keeps one record per peer.
	require.NoError(t, db.SaveReputation(&threat.Reputation{PeerID: "12D3KooWPeerA", Score: 30, LastUpdated: time.Now().UnixMilli()}))
	require.Len(t, db.ScanReputation(), 2)
}
