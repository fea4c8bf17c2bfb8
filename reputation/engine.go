// Package reputation tracks a bounded trust score per remote peer, updated
// from feedback events, decayed over time, and used to gate ingestion of
// gossip from that peer.
package reputation

import (
	"log"
	"sync"
	"time"

	"github.com/visa2any/frauddetex-sub001/core/threat"
	"github.com/visa2any/frauddetex-sub001/storage"
)

// Score bounds and feedback weights.
const (
	MinScore     = 0.0
	MaxScore     = 100.0
	InitialScore = 50.0

	// GateThreshold is the minimum score required for a peer's threat
	// reports to be ingested.
	GateThreshold = 30.0

	accurateWeight      = 5.0
	falsePositiveWeight = -10.0
	outdatedWeight      = -2.0

	// DefaultDecayRate is subtracted per 24h of inactivity beyond the
	// first 24h.
	DefaultDecayRate = 0.1

	decayAfter = 24 * time.Hour
)

// Engine owns the in-memory reputation map. All access goes through its
// methods; persistence happens outside the lock with a copied record.
type Engine struct {
	mu        sync.RWMutex
	peers     map[string]*threat.Reputation
	db        *storage.DB
	decayRate float64
}

// NewEngine creates an engine backed by db and loads all persisted
// reputation records. Records survive for the life of the node.
func NewEngine(db *storage.DB, decayRate float64) *Engine {
	if decayRate <= 0 {
		decayRate = DefaultDecayRate
	}

	e := &Engine{
		peers:     make(map[string]*threat.Reputation),
		db:        db,
		decayRate: decayRate,
	}

	for _, rec := range db.ScanReputation() {
		e.peers[rec.PeerID] = rec
	}
	if len(e.peers) > 0 {
		log.Printf("Loaded %d peer reputation records", len(e.peers))
	}
	return e
}

// ApplyFeedback adjusts a peer's score from a feedback event:
// accurate +5c, false_positive -10c, outdated -2c, clamped to [0,100].
// The record is created lazily at the initial score and persisted
// immediately.
func (e *Engine) ApplyFeedback(peerID string, kind threat.FeedbackKind, confidence float64) float64 {
	var delta float64
	switch kind {
	case threat.FeedbackAccurate:
		delta = accurateWeight * confidence
	case threat.FeedbackFalsePositive:
		delta = falsePositiveWeight * confidence
	case threat.FeedbackOutdated:
		delta = outdatedWeight * confidence
	}

	e.mu.Lock()
	rec := e.getOrCreateLocked(peerID)
	rec.Score = clamp(rec.Score + delta)
	rec.LastUpdated = time.Now().UnixMilli()
	persist := *rec
	e.mu.Unlock()

	if err := e.db.SaveReputation(&persist); err != nil {
		log.Printf("Failed to persist reputation for peer %s: %v", peerID, err)
	}
	return persist.Score
}

// Decay applies the periodic inactivity penalty: every peer whose record is
// older than 24h loses decayRate * (age/24h), floored at 0.
//
// The decay is monotonic and punitive: it subtracts unconditionally, even
// below the initial baseline, so a merely inactive peer eventually reaches
// maximal distrust. Preserved deliberately for network compatibility.
func (e *Engine) Decay(now time.Time) int {
	type change struct{ rec threat.Reputation }
	var changed []change

	e.mu.Lock()
	for _, rec := range e.peers {
		age := now.Sub(time.UnixMilli(rec.LastUpdated))
		if age <= decayAfter {
			continue
		}
		penalty := e.decayRate * (age.Hours() / decayAfter.Hours())
		rec.Score = clamp(rec.Score - penalty)
		rec.LastUpdated = now.UnixMilli()
		changed = append(changed, change{rec: *rec})
	}
	e.mu.Unlock()

	for _, c := range changed {
		if err := e.db.SaveReputation(&c.rec); err != nil {
			log.Printf("Failed to persist decayed reputation for peer %s: %v", c.rec.PeerID, err)
		}
	}
	return len(changed)
}

// Gate reports whether inbound threat gossip from peerID should be ingested.
// Unknown peers are judged at the initial score and therefore allowed.
func (e *Engine) Gate(peerID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	score := InitialScore
	if rec, ok := e.peers[peerID]; ok {
		score = rec.Score
	}
	return score >= GateThreshold
}

// Score returns a peer's current score, or the initial score for unknown
// peers.
func (e *Engine) Score(peerID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if rec, ok := e.peers[peerID]; ok {
		return rec.Score
	}
	return InitialScore
}

// Average returns the arithmetic mean of all known scores, for reporting
// only. Returns the initial score when no peers are known.
func (e *Engine) Average() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.peers) == 0 {
		return InitialScore
	}
	var sum float64
	for _, rec := range e.peers {
		sum += rec.Score
	}
	return sum / float64(len(e.peers))
}

// Count returns the number of known peers.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.peers)
}

// Snapshot returns a copy of all scores keyed by peer id.
func (e *Engine) Snapshot() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]float64, len(e.peers))
	for id, rec := range e.peers {
		out[id] = rec.Score
	}
	return out
}

func (e *Engine) getOrCreateLocked(peerID string) *threat.Reputation {
	if rec, ok := e.peers[peerID]; ok {
		return rec
	}
	rec := &threat.Reputation{
		PeerID:      peerID,
		Score:       InitialScore,
		LastUpdated: time.Now().UnixMilli(),
	}
	e.peers[peerID] = rec
	return rec
}

func clamp(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
