package intel

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/visa2any/frauddetex-sub001/cache"
	"github.com/visa2any/frauddetex-sub001/core/threat"
	"github.com/visa2any/frauddetex-sub001/crypto"
	"github.com/visa2any/frauddetex-sub001/network/p2p"
	"github.com/visa2any/frauddetex-sub001/reputation"
	"github.com/visa2any/frauddetex-sub001/storage"
)

const localID = "12D3KooWLocalNode"

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

type publishedMessage struct {
	topic string
	data  []byte
}

func (f *fakePublisher) Publish(topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, publishedMessage{topic: topic, data: data})
	return nil
}

func (f *fakePublisher) published(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m.data)
		}
	}
	return out
}

type testNode struct {
	svc    *Service
	db     *storage.DB
	cache  *cache.HotCache
	rep    *reputation.Engine
	cipher *crypto.Cipher
	pub    *fakePublisher
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	store, err := storage.NewBadgerStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db := storage.NewDB(store)
	hc := cache.New(0, 0)
	rep := reputation.NewEngine(db, 0)
	cipher, err := crypto.NewCipher("test-network-key")
	require.NoError(t, err)
	pub := &fakePublisher{}

	return &testNode{
		svc:    NewService(db, hc, rep, cipher, pub, localID, Options{}),
		db:     db,
		cache:  hc,
		rep:    rep,
		cipher: cipher,
		pub:    pub,
	}
}

// sealed wraps v the way a remote node would before gossiping it.
func sealed(t *testing.T, cipher *crypto.Cipher, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	env, err := cipher.Encrypt(raw)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func remoteThreat(id, source string, ts time.Time) *threat.Record {
	return &threat.Record{
		ID:         id,
		Type:       threat.TypeDeviceFingerprint,
		Pattern:    "fp-" + id,
		RiskLevel:  threat.RiskMedium,
		Confidence: 0.7,
		Source:     source,
		Timestamp:  ts.UnixMilli(),
		TTL:        threat.DefaultTTLSeconds,
	}
}

func TestShareThreat(t *testing.T) {
	n := newTestNode(t)

	rec, err := n.svc.ShareThreat(&ShareInput{
		Type:       threat.TypeIP,
		Pattern:    "203.0.113.5",
		RiskLevel:  threat.RiskHigh,
		Confidence: 0.9,
	})
	require.NoError(t, err)

	require.NotEmpty(t, rec.ID)
	require.Equal(t, localID, rec.Source)
	require.Equal(t, int64(threat.DefaultTTLSeconds), rec.TTL)
	require.NotZero(t, rec.Timestamp)

	// The ip pattern leaves the node salted-hashed, never raw.
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]+:[0-9a-f]+$`), rec.Pattern)

	// Committed locally before any network activity.
	require.True(t, n.cache.Has(rec.ID))
	stored, err := n.db.GetThreat(rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.Pattern, stored.Pattern)

	// The published envelope decrypts back to the anonymized record.
	require.Eventually(t, func() bool {
		return len(n.pub.published(p2p.TopicThreats)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var env crypto.Envelope
	require.NoError(t, json.Unmarshal(n.pub.published(p2p.TopicThreats)[0], &env))
	payload, err := n.cipher.Decrypt(&env)
	require.NoError(t, err)
	var sent threat.Record
	require.NoError(t, json.Unmarshal(payload, &sent))
	require.Equal(t, rec.ID, sent.ID)
	require.Equal(t, rec.Pattern, sent.Pattern)

	require.Equal(t, int64(1), n.svc.Stats()["threats_shared"])
}

func TestShareThreatRejectsInvalidInput(t *testing.T) {
	n := newTestNode(t)

	_, err := n.svc.ShareThreat(&ShareInput{
		Type:       "dns",
		Pattern:    "whatever",
		RiskLevel:  threat.RiskLow,
		Confidence: 0.5,
	})
	var verr *threat.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "type", verr.Field)

	require.Empty(t, n.pub.published(p2p.TopicThreats))
	require.Equal(t, int64(0), n.svc.Stats()["threats_shared"])
}

func TestHandleInboundThreat(t *testing.T) {
	n := newTestNode(t)
	sender := "12D3KooWSender"
	rec := remoteThreat("remote-1", sender, time.Now())
	data := sealed(t, n.cipher, rec)

	n.svc.HandleInbound(p2p.TopicThreats, sender, data)

	stored, err := n.db.GetThreat("remote-1")
	require.NoError(t, err)
	require.Equal(t, sender, stored.Source)
	require.True(t, n.cache.Has("remote-1"))
	require.Equal(t, int64(1), n.svc.Stats()["threats_ingested"])

	// Redelivery of the same id is a silent no-op.
	n.svc.HandleInbound(p2p.TopicThreats, sender, data)
	require.Equal(t, int64(1), n.svc.Stats()["threats_ingested"])
	require.Equal(t, int64(1), n.svc.Stats()["duplicates"])
}

func TestHandleInboundThreatGatedByReputation(t *testing.T) {
	n := newTestNode(t)
	sender := "12D3KooWDistrusted"

	// Drive the sender below the ingestion threshold.
	for i := 0; i < 3; i++ {
		n.rep.ApplyFeedback(sender, threat.FeedbackFalsePositive, 1.0)
	}
	require.False(t, n.rep.Gate(sender))

	rec := remoteThreat("gated-1", sender, time.Now())
	n.svc.HandleInbound(p2p.TopicThreats, sender, sealed(t, n.cipher, rec))

	_, err := n.db.GetThreat("gated-1")
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
	require.Equal(t, int64(1), n.svc.Stats()["threats_rejected"])
	require.Equal(t, int64(0), n.svc.Stats()["threats_ingested"])
}

func TestHandleInboundUndecryptable(t *testing.T) {
	n := newTestNode(t)

	// A peer on a different network key produces envelopes we cannot open.
	other, err := crypto.NewCipher("some-other-network-key")
	require.NoError(t, err)
	rec := remoteThreat("foreign-1", "12D3KooWForeign", time.Now())

	n.svc.HandleInbound(p2p.TopicThreats, "12D3KooWForeign", sealed(t, other, rec))

	require.Equal(t, int64(1), n.svc.Stats()["decrypt_failures"])
	require.Equal(t, int64(0), n.svc.Stats()["threats_ingested"])
}

func TestHandleInboundMalformed(t *testing.T) {
	n := newTestNode(t)

	n.svc.HandleInbound(p2p.TopicThreats, "12D3KooWSender", []byte("not json"))
	require.Equal(t, int64(1), n.svc.Stats()["invalid_payloads"])

	// Valid envelope wrapping a payload that is not a threat record.
	n.svc.HandleInbound(p2p.TopicThreats, "12D3KooWSender", sealed(t, n.cipher, map[string]interface{}{
		"type": "ip", "confidence": "high",
	}))
	require.Equal(t, int64(2), n.svc.Stats()["invalid_payloads"])
}

func TestHandleInboundReputationTopicIsNoOp(t *testing.T) {
	n := newTestNode(t)

	n.svc.HandleInbound(p2p.TopicReputation, "12D3KooWSender", sealed(t, n.cipher, map[string]interface{}{
		"peerId": "12D3KooWSomeone", "score": 5.0,
	}))

	require.Equal(t, int64(1), n.svc.Stats()["reputation_noops"])
	require.Equal(t, reputation.InitialScore, n.rep.Score("12D3KooWSomeone"))
}

func TestHandleInboundFeedbackUpdatesSourceReputation(t *testing.T) {
	n := newTestNode(t)
	source := "12D3KooWOriginator"

	rec := remoteThreat("fb-target", source, time.Now())
	n.svc.HandleInbound(p2p.TopicThreats, source, sealed(t, n.cipher, rec))

	fb := &threat.Feedback{
		ThreatID:   "fb-target",
		Kind:       threat.FeedbackAccurate,
		Confidence: 1.0,
		Timestamp:  time.Now().UnixMilli(),
	}
	n.svc.HandleInbound(p2p.TopicFeedback, "12D3KooWReviewer", sealed(t, n.cipher, fb))

	require.Equal(t, 55.0, n.rep.Score(source))
	require.Equal(t, int64(1), n.svc.Stats()["feedback_applied"])
	require.Len(t, n.db.FeedbackForThreat("fb-target"), 1)
}

func TestSubmitFeedback(t *testing.T) {
	n := newTestNode(t)
	source := "12D3KooWOriginator"

	rec := remoteThreat("fb-local", source, time.Now())
	n.svc.HandleInbound(p2p.TopicThreats, source, sealed(t, n.cipher, rec))

	err := n.svc.SubmitFeedback(&FeedbackInput{
		ThreatID:   "fb-local",
		Kind:       threat.FeedbackAccurate,
		Confidence: 1.0,
	})
	require.NoError(t, err)
	require.Equal(t, 55.0, n.rep.Score(source))

	entries := n.db.FeedbackForThreat("fb-local")
	require.Len(t, entries, 1)
	require.Equal(t, localID, entries[0].Submitter)

	require.Eventually(t, func() bool {
		return len(n.pub.published(p2p.TopicFeedback)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var env crypto.Envelope
	require.NoError(t, json.Unmarshal(n.pub.published(p2p.TopicFeedback)[0], &env))
	payload, err := n.cipher.Decrypt(&env)
	require.NoError(t, err)
	var sent threat.Feedback
	require.NoError(t, json.Unmarshal(payload, &sent))
	require.Equal(t, "fb-local", sent.ThreatID)
	require.Equal(t, threat.FeedbackAccurate, sent.Kind)
}

func TestSubmitFeedbackRejectsInvalid(t *testing.T) {
	n := newTestNode(t)

	err := n.svc.SubmitFeedback(&FeedbackInput{
		ThreatID:   "anything",
		Kind:       "wrong",
		Confidence: 0.5,
	})
	var verr *threat.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "feedback", verr.Field)
}

func TestSubmitFeedbackForLocalThreatSkipsReputation(t *testing.T) {
	n := newTestNode(t)

	rec, err := n.svc.ShareThreat(&ShareInput{
		Type:       threat.TypeBehavioralPattern,
		Pattern:    "card-testing",
		RiskLevel:  threat.RiskHigh,
		Confidence: 0.8,
	})
	require.NoError(t, err)

	require.NoError(t, n.svc.SubmitFeedback(&FeedbackInput{
		ThreatID:   rec.ID,
		Kind:       threat.FeedbackAccurate,
		Confidence: 1.0,
	}))

	// Feedback on our own records never touches the reputation map.
	require.Zero(t, n.rep.Count())
	require.Equal(t, int64(0), n.svc.Stats()["feedback_applied"])
}

func TestQueryThreatsRanking(t *testing.T) {
	n := newTestNode(t)
	now := time.Now()
	sender := "12D3KooWSender"

	fresh := remoteThreat("fresh-high", sender, now.Add(-24*time.Hour))
	fresh.Confidence = 0.9
	old := remoteThreat("old-low", sender, now.Add(-29*24*time.Hour))
	old.Confidence = 0.5

	n.svc.HandleInbound(p2p.TopicThreats, sender, sealed(t, n.cipher, fresh))
	n.svc.HandleInbound(p2p.TopicThreats, sender, sealed(t, n.cipher, old))

	results, err := n.svc.QueryThreats(&threat.Query{Type: threat.TypeDeviceFingerprint})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "fresh-high", results[0].ID)
	require.Equal(t, "old-low", results[1].ID)

	// Provenance is stripped from every returned record, and the stripped
	// copies never leak back into the cache.
	for _, rec := range results {
		require.Empty(t, rec.Source)
	}
	require.Equal(t, sender, n.cache.Get("fresh-high").Source)
}

func TestQueryThreatsFilters(t *testing.T) {
	n := newTestNode(t)
	now := time.Now()
	sender := "12D3KooWSender"

	n.svc.HandleInbound(p2p.TopicThreats, sender, sealed(t, n.cipher, remoteThreat("a", sender, now)))

	bp := remoteThreat("b", sender, now)
	bp.Type = threat.TypeBehavioralPattern
	bp.Pattern = "rapid-checkout"
	n.svc.HandleInbound(p2p.TopicThreats, sender, sealed(t, n.cipher, bp))

	results, err := n.svc.QueryThreats(&threat.Query{Type: threat.TypeBehavioralPattern, Pattern: "checkout"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "b", results[0].ID)

	results, err = n.svc.QueryThreats(&threat.Query{Type: threat.TypeBehavioralPattern, Pattern: "login"})
	require.NoError(t, err)
	require.Empty(t, results)

	_, err = n.svc.QueryThreats(&threat.Query{Type: "dns"})
	var verr *threat.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "type", verr.Field)
}

func TestQueryThreatsTruncates(t *testing.T) {
	n := newTestNode(t)
	now := time.Now()
	sender := "12D3KooWSender"

	for i := 0; i < 25; i++ {
		rec := remoteThreat(string(rune('a'+i))+"-rec", sender, now.Add(-time.Duration(i)*time.Minute))
		n.svc.HandleInbound(p2p.TopicThreats, sender, sealed(t, n.cipher, rec))
	}

	results, err := n.svc.QueryThreats(&threat.Query{Type: threat.TypeDeviceFingerprint})
	require.NoError(t, err)
	require.Len(t, results, maxQueryResults)
}

func TestRunDrainsInboundChannel(t *testing.T) {
	n := newTestNode(t)
	sender := "12D3KooWSender"

	inbound := make(chan p2p.Inbound, 8)
	ctx, cancel := context.WithCancel(context.Background())
	n.svc.Run(ctx, inbound)

	for i := 0; i < 5; i++ {
		rec := remoteThreat(string(rune('0'+i)), sender, time.Now())
		inbound <- p2p.Inbound{Topic: p2p.TopicThreats, Data: sealed(t, n.cipher, rec)}
	}
	close(inbound)
	cancel()
	n.svc.Wait()

	require.Equal(t, int64(5), n.svc.Stats()["threats_ingested"])
}
