// Package intel implements the intelligence service: the orchestrator that
// accepts locally submitted threats, anonymizes and republishes them,
// ingests gossip from peers behind a reputation gate, answers ranked
// queries, and runs the node's periodic maintenance.
package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"

	"github.com/visa2any/frauddetex-sub001/cache"
	"github.com/visa2any/frauddetex-sub001/core/threat"
	"github.com/visa2any/frauddetex-sub001/crypto"
	"github.com/visa2any/frauddetex-sub001/network/p2p"
	"github.com/visa2any/frauddetex-sub001/reputation"
	"github.com/visa2any/frauddetex-sub001/storage"
)

// Query ranking parameters: score = 0.7*confidence + 0.3*recency, where
// recency falls linearly to zero over 30 days.
const (
	confidenceWeight = 0.7
	recencyWeight    = 0.3
	recencyHorizon   = 30 * 24 * time.Hour
	maxQueryResults  = 20
)

// Maintenance intervals.
const (
	metricsInterval = 5 * time.Minute
	publishRetries  = 3
)

// Bloom filter sizing for the seen-id front. A false positive only costs a
// confirming cache/store lookup.
const (
	bloomCapacity = 100000
	bloomFPRate   = 0.01
)

// Publisher broadcasts envelope bytes on a gossip topic. Satisfied by
// *p2p.Manager; faked in tests.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// ShareInput is an operator threat submission: the threat schema minus id
// and source, which the node assigns.
type ShareInput struct {
	Type       threat.Type            `json:"type"`
	Pattern    string                 `json:"pattern"`
	RiskLevel  threat.RiskLevel       `json:"riskLevel"`
	Confidence float64                `json:"confidence"`
	Timestamp  int64                  `json:"timestamp,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	TTL        int64                  `json:"ttl,omitempty"`
}

// FeedbackInput is an operator feedback submission.
type FeedbackInput struct {
	ThreatID   string              `json:"threatId"`
	Kind       threat.FeedbackKind `json:"feedback"`
	Confidence float64             `json:"confidence"`
}

// counters are the service's own activity metrics, snapshotted periodically
// and exposed through /stats.
type counters struct {
	ThreatsShared   int64
	ThreatsIngested int64
	ThreatsRejected int64
	Duplicates      int64
	FeedbackApplied int64
	DecryptFailures int64
	InvalidPayloads int64
	ReputationNoOps int64
	PublishFailures int64
}

// Service wires the crypto unit, durable store, reputation engine, hot
// cache and gossip overlay together. It is the sole writer of all
// intelligence entities.
type Service struct {
	db     *storage.DB
	cache  *cache.HotCache
	rep    *reputation.Engine
	cipher *crypto.Cipher
	pub    Publisher

	// localPeerID stamps the source of locally produced records and is
	// stripped from every record returned to an external caller.
	localPeerID string

	seenMu sync.Mutex
	seen   *bloom.BloomFilter

	countersMu sync.RWMutex
	counters   counters

	decayInterval time.Duration
	evictInterval time.Duration
	workers       int

	startTime time.Time
	wg        sync.WaitGroup
}

// Options configures service scheduling.
type Options struct {
	DecayInterval time.Duration
	EvictInterval time.Duration
	Workers       int
}

// NewService creates the orchestrator. localPeerID must be the overlay
// host's peer identity.
func NewService(db *storage.DB, hc *cache.HotCache, rep *reputation.Engine,
	cipher *crypto.Cipher, pub Publisher, localPeerID string, opts Options) *Service {

	if opts.DecayInterval <= 0 {
		opts.DecayInterval = time.Hour
	}
	if opts.EvictInterval <= 0 {
		opts.EvictInterval = 30 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	return &Service{
		db:            db,
		cache:         hc,
		rep:           rep,
		cipher:        cipher,
		pub:           pub,
		localPeerID:   localPeerID,
		seen:          bloom.NewWithEstimates(bloomCapacity, bloomFPRate),
		decayInterval: opts.DecayInterval,
		evictInterval: opts.EvictInterval,
		workers:       opts.Workers,
		startTime:     time.Now(),
	}
}

// Run starts the inbound workers and maintenance loops. It returns
// immediately; Wait blocks until every goroutine has drained after ctx is
// canceled and the inbound channel is closed.
func (s *Service) Run(ctx context.Context, inbound <-chan p2p.Inbound) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for in := range inbound {
				s.HandleInbound(in.Topic, in.From.String(), in.Data)
			}
		}()
	}

	s.wg.Add(3)
	go s.decayLoop(ctx)
	go s.evictLoop(ctx)
	go s.metricsLoop(ctx)
}

// Wait blocks until all workers and maintenance loops have stopped.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ShareThreat validates an operator submission, assigns identity and
// provenance, anonymizes it, commits it locally and then publishes it on
// the threats topic. The local commit always precedes the publish attempt,
// so a network failure loses nothing.
func (s *Service) ShareThreat(input *ShareInput) (*threat.Record, error) {
	rec := &threat.Record{
		ID:         uuid.NewString(),
		Type:       input.Type,
		Pattern:    input.Pattern,
		RiskLevel:  input.RiskLevel,
		Confidence: input.Confidence,
		Source:     s.localPeerID,
		Timestamp:  input.Timestamp,
		Metadata:   input.Metadata,
		TTL:        input.TTL,
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.ClampTTL()

	anon, err := crypto.Anonymize(rec)
	if err != nil {
		return nil, fmt.Errorf("anonymization failed: %w", err)
	}

	if err := s.db.SaveThreat(anon); err != nil {
		return nil, fmt.Errorf("failed to store threat: %w", err)
	}
	s.cache.Put(anon)
	s.markSeen(anon.ID)

	s.publishAsync(p2p.TopicThreats, anon)

	s.countersMu.Lock()
	s.counters.ThreatsShared++
	s.countersMu.Unlock()

	return anon, nil
}

// HandleInbound processes one gossip message. Every failure mode here is
// local: bad ciphertext, malformed payloads and distrusted senders are
// dropped and logged, never surfaced to the operator.
func (s *Service) HandleInbound(topic, senderPeerID string, data []byte) {
	var env crypto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.bumpInvalid()
		log.Printf("Dropping malformed envelope on %s from %s: %v", topic, senderPeerID, err)
		return
	}

	payload, err := s.cipher.Decrypt(&env)
	if err != nil {
		var derr *crypto.DecryptionError
		if errors.As(err, &derr) {
			s.countersMu.Lock()
			s.counters.DecryptFailures++
			s.countersMu.Unlock()
		}
		log.Printf("Dropping undecryptable envelope on %s from %s: %v", topic, senderPeerID, err)
		return
	}

	switch topic {
	case p2p.TopicThreats:
		s.handleInboundThreat(senderPeerID, payload)
	case p2p.TopicFeedback:
		s.handleInboundFeedback(senderPeerID, payload)
	case p2p.TopicReputation:
		// Reputation gossip is subscribed but deliberately not merged
		// into local state.
		s.countersMu.Lock()
		s.counters.ReputationNoOps++
		s.countersMu.Unlock()
	default:
		log.Printf("Dropping message on unexpected topic %s from %s", topic, senderPeerID)
	}
}

func (s *Service) handleInboundThreat(senderPeerID string, payload []byte) {
	var rec threat.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		s.bumpInvalid()
		log.Printf("Dropping malformed threat payload from %s: %v", senderPeerID, err)
		return
	}
	if err := rec.Validate(); err != nil {
		s.bumpInvalid()
		log.Printf("Dropping invalid threat from %s: %v", senderPeerID, err)
		return
	}
	rec.ClampTTL()

	// Gossip duplicates are expected; a second arrival of the same id is a
	// no-op with no reputation side effects.
	if s.alreadySeen(rec.ID) {
		s.countersMu.Lock()
		s.counters.Duplicates++
		s.countersMu.Unlock()
		return
	}

	if !s.rep.Gate(senderPeerID) {
		s.countersMu.Lock()
		s.counters.ThreatsRejected++
		s.countersMu.Unlock()
		log.Printf("Rejected threat %s from low-reputation peer %s (score %.1f)",
			rec.ID, senderPeerID, s.rep.Score(senderPeerID))
		return
	}

	if err := s.db.SaveThreat(&rec); err != nil {
		log.Printf("Failed to store inbound threat %s: %v", rec.ID, err)
		return
	}
	s.cache.Put(&rec)

	s.countersMu.Lock()
	s.counters.ThreatsIngested++
	s.countersMu.Unlock()
}

func (s *Service) handleInboundFeedback(senderPeerID string, payload []byte) {
	var fb threat.Feedback
	if err := json.Unmarshal(payload, &fb); err != nil {
		s.bumpInvalid()
		log.Printf("Dropping malformed feedback payload from %s: %v", senderPeerID, err)
		return
	}
	if err := fb.Validate(); err != nil {
		s.bumpInvalid()
		log.Printf("Dropping invalid feedback from %s: %v", senderPeerID, err)
		return
	}
	if fb.Timestamp == 0 {
		fb.Timestamp = time.Now().UnixMilli()
	}
	if fb.Submitter == "" {
		fb.Submitter = senderPeerID
	}

	if err := s.db.SaveFeedback(&fb); err != nil {
		log.Printf("Failed to persist feedback for threat %s: %v", fb.ThreatID, err)
		return
	}

	s.applyFeedbackToSource(&fb)
}

// applyFeedbackToSource routes a feedback event to the reputation of the
// peer that originated the referenced threat.
func (s *Service) applyFeedbackToSource(fb *threat.Feedback) {
	rec, err := s.db.GetThreat(fb.ThreatID)
	if err != nil {
		if err != storage.ErrKeyNotFound {
			log.Printf("Failed to resolve threat %s for feedback: %v", fb.ThreatID, err)
		}
		return
	}
	if rec.Source == "" || rec.Source == s.localPeerID {
		return
	}

	score := s.rep.ApplyFeedback(rec.Source, fb.Kind, fb.Confidence)
	s.countersMu.Lock()
	s.counters.FeedbackApplied++
	s.countersMu.Unlock()
	log.Printf("Applied %s feedback to peer %s, score now %.1f", fb.Kind, rec.Source, score)
}

// SubmitFeedback validates and persists operator feedback, applies the
// reputation update, and republishes the entry on the feedback topic.
func (s *Service) SubmitFeedback(input *FeedbackInput) error {
	fb := &threat.Feedback{
		ThreatID:   input.ThreatID,
		Kind:       input.Kind,
		Confidence: input.Confidence,
		Timestamp:  time.Now().UnixMilli(),
		Submitter:  s.localPeerID,
	}
	if err := fb.Validate(); err != nil {
		return err
	}

	if err := s.db.SaveFeedback(fb); err != nil {
		return fmt.Errorf("failed to persist feedback: %w", err)
	}

	s.applyFeedbackToSource(fb)
	s.publishAsync(p2p.TopicFeedback, fb)
	return nil
}

// QueryThreats merges cache and store results for a query, deduplicates by
// id, ranks by blended confidence and recency, truncates to the top 20 and
// strips source provenance from every returned record.
func (s *Service) QueryThreats(q *threat.Query) ([]*threat.Record, error) {
	if !threat.ValidType(q.Type) {
		return nil, &threat.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown threat type %q", q.Type)}
	}

	merged := make(map[string]*threat.Record)
	for _, rec := range s.cache.Records() {
		if rec.Matches(q) {
			merged[rec.ID] = rec
		}
	}
	for _, rec := range s.db.ScanByType(q.Type) {
		if _, ok := merged[rec.ID]; ok {
			continue
		}
		if rec.Matches(q) {
			merged[rec.ID] = rec
		}
	}

	now := time.Now()
	results := make([]*threat.Record, 0, len(merged))
	for _, rec := range merged {
		results = append(results, rec)
	}
	sort.Slice(results, func(i, j int) bool {
		return rankScore(results[i], now) > rankScore(results[j], now)
	})

	if len(results) > maxQueryResults {
		results = results[:maxQueryResults]
	}

	// Return copies with provenance stripped; cached records stay intact.
	out := make([]*threat.Record, len(results))
	for i, rec := range results {
		c := rec.Copy()
		c.Source = ""
		out[i] = c
	}
	return out, nil
}

func rankScore(rec *threat.Record, now time.Time) float64 {
	recency := 1 - rec.Age(now).Seconds()/recencyHorizon.Seconds()
	if recency < 0 {
		recency = 0
	}
	return confidenceWeight*rec.Confidence + recencyWeight*recency
}

// markSeen records an id in the duplicate-suppression filter.
func (s *Service) markSeen(id string) {
	s.seenMu.Lock()
	s.seen.AddString(id)
	s.seenMu.Unlock()
}

// alreadySeen claims an id for ingestion. The bloom filter gives a cheap
// first answer; a positive is confirmed against the cache and store because
// bloom positives can be false.
func (s *Service) alreadySeen(id string) bool {
	s.seenMu.Lock()
	hit := s.seen.TestString(id)
	if !hit {
		s.seen.AddString(id)
	}
	s.seenMu.Unlock()

	if !hit {
		return false
	}
	if s.cache.Has(id) {
		return true
	}
	ok, err := s.db.HasThreat(id)
	if err != nil {
		log.Printf("Duplicate check failed for threat %s: %v", id, err)
		return false
	}
	return ok
}

// publishAsync encrypts the payload into an envelope and broadcasts it
// without blocking the caller, retrying with backoff on a bounded budget.
// Publish failure never rolls back the local commit.
func (s *Service) publishAsync(topic string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to serialize %s payload: %v", topic, err)
		return
	}
	env, err := s.cipher.Encrypt(raw)
	if err != nil {
		log.Printf("Failed to encrypt %s payload: %v", topic, err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("Failed to serialize %s envelope: %v", topic, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for attempt := 1; attempt <= publishRetries; attempt++ {
			if err := s.pub.Publish(topic, data); err == nil {
				return
			} else if attempt < publishRetries {
				time.Sleep(time.Duration(attempt*attempt) * time.Second)
			} else {
				s.countersMu.Lock()
				s.counters.PublishFailures++
				s.countersMu.Unlock()
				log.Printf("Giving up publishing to %s after %d attempts: %v", topic, publishRetries, err)
			}
		}
	}()
}

// Maintenance loops

func (s *Service) decayLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.decayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.rep.Decay(time.Now()); n > 0 {
				log.Printf("Reputation decay applied to %d peers", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) evictLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.cache.Evict(time.Now()); n > 0 {
				log.Printf("Evicted %d entries from hot cache, %d remain", n, s.cache.Len())
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) metricsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.countersMu.RLock()
			c := s.counters
			s.countersMu.RUnlock()
			log.Printf("Intel stats: shared=%d ingested=%d rejected=%d dup=%d feedback=%d cache=%d peers_known=%d rep_avg=%.1f",
				c.ThreatsShared, c.ThreatsIngested, c.ThreatsRejected, c.Duplicates,
				c.FeedbackApplied, s.cache.Len(), s.rep.Count(), s.rep.Average())
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns the service activity summary for the /stats endpoint.
func (s *Service) Stats() map[string]interface{} {
	s.countersMu.RLock()
	c := s.counters
	s.countersMu.RUnlock()

	return map[string]interface{}{
		"threats_shared":     c.ThreatsShared,
		"threats_ingested":   c.ThreatsIngested,
		"threats_rejected":   c.ThreatsRejected,
		"duplicates":         c.Duplicates,
		"feedback_applied":   c.FeedbackApplied,
		"decrypt_failures":   c.DecryptFailures,
		"invalid_payloads":   c.InvalidPayloads,
		"reputation_noops":   c.ReputationNoOps,
		"publish_failures":   c.PublishFailures,
		"cache_size":         s.cache.Len(),
		"threats_by_type":    s.db.CountByType(),
		"reputation_peers":   s.rep.Count(),
		"reputation_average": s.rep.Average(),
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
	}
}

// LocalPeerID returns the identity stamped onto locally produced records.
func (s *Service) LocalPeerID() string {
	return s.localPeerID
}

// Uptime returns how long the service has been running.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.startTime)
}

func (s *Service) bumpInvalid() {
	s.countersMu.Lock()
	s.counters.InvalidPayloads++
	s.countersMu.Unlock()
}
