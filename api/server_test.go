package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/visa2any/frauddetex-sub001/cache"
	"github.com/visa2any/frauddetex-sub001/core/threat"
	"github.com/visa2any/frauddetex-sub001/crypto"
	"github.com/visa2any/frauddetex-sub001/intel"
	"github.com/visa2any/frauddetex-sub001/reputation"
	"github.com/visa2any/frauddetex-sub001/storage"
)

type nopPublisher struct{}

func (nopPublisher) Publish(topic string, data []byte) error { return nil }

type stubStatus struct{}

func (stubStatus) PeerID() string        { return "12D3KooWTestNode" }
func (stubStatus) PeerCount() int        { return 3 }
func (stubStatus) Uptime() time.Duration { return 90 * time.Second }
func (stubStatus) NetworkStats() map[string]interface{} {
	return map[string]interface{}{"connected_peers": 3}
}

func newTestServer(t *testing.T) (*Server, *intel.Service) {
	t.Helper()

	store, err := storage.NewBadgerStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db := storage.NewDB(store)
	cipher, err := crypto.NewCipher("test-network-key")
	require.NoError(t, err)

	svc := intel.NewService(db, cache.New(0, 0), reputation.NewEngine(db, 0),
		cipher, nopPublisher{}, "12D3KooWTestNode", intel.Options{})

	return NewServer(svc, stubStatus{}, ":0", false), svc
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	return rr, decoded
}

func TestShareThreatEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rr, resp := doJSON(t, srv, "POST", "/threat/share", map[string]interface{}{
		"type":       "ip",
		"pattern":    "203.0.113.5",
		"riskLevel":  "HIGH",
		"confidence": 0.9,
	})

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, resp["success"])
	require.NotEmpty(t, resp["threatId"])
}

func TestShareThreatEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rr, resp := doJSON(t, srv, "POST", "/threat/share", map[string]interface{}{
		"type":       "ip",
		"pattern":    "203.0.113.5",
		"riskLevel":  "HIGH",
		"confidence": 1.5,
	})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, resp["error"], "confidence")
}

func TestShareThreatEndpointBadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/threat/share", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestQueryThreatsEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)

	shared, err := svc.ShareThreat(&intel.ShareInput{
		Type:       threat.TypeDeviceFingerprint,
		Pattern:    "fp-a1b2c3",
		RiskLevel:  threat.RiskMedium,
		Confidence: 0.7,
	})
	require.NoError(t, err)

	rr, resp := doJSON(t, srv, "POST", "/threat/query", map[string]interface{}{
		"type": "device_fingerprint",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, resp["success"])

	results := resp["results"].([]interface{})
	require.Len(t, results, 1)
	first := results[0].(map[string]interface{})
	require.Equal(t, shared.ID, first["id"])
	// Provenance never leaves the node.
	require.NotContains(t, first, "source")
}

func TestQueryThreatsEndpointEmptyIsNotNull(t *testing.T) {
	srv, _ := newTestServer(t)

	rr, resp := doJSON(t, srv, "POST", "/threat/query", map[string]interface{}{
		"type": "ip",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	results, ok := resp["results"].([]interface{})
	require.True(t, ok)
	require.Empty(t, results)
}

func TestQueryThreatsEndpointUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)

	rr, resp := doJSON(t, srv, "POST", "/threat/query", map[string]interface{}{
		"type": "dns",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, resp["error"], "type")
}

func TestFeedbackEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)

	shared, err := svc.ShareThreat(&intel.ShareInput{
		Type:       threat.TypeIP,
		Pattern:    "203.0.113.5",
		RiskLevel:  threat.RiskHigh,
		Confidence: 0.9,
	})
	require.NoError(t, err)

	rr, resp := doJSON(t, srv, "POST", "/feedback", map[string]interface{}{
		"threatId":   shared.ID,
		"feedback":   "accurate",
		"confidence": 0.8,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, resp["success"])
}

func TestFeedbackEndpointInvalidKind(t *testing.T) {
	srv, _ := newTestServer(t)

	rr, resp := doJSON(t, srv, "POST", "/feedback", map[string]interface{}{
		"threatId":   "anything",
		"feedback":   "wrong",
		"confidence": 0.8,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, resp["error"], "feedback")
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rr, resp := doJSON(t, srv, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "healthy", resp["status"])
	require.Equal(t, "12D3KooWTestNode", resp["peerId"])
	require.Equal(t, float64(3), resp["connections"])
	require.NotNil(t, resp["uptime"])
}

func TestStatsEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)

	_, err := svc.ShareThreat(&intel.ShareInput{
		Type:       threat.TypeIP,
		Pattern:    "203.0.113.5",
		RiskLevel:  threat.RiskHigh,
		Confidence: 0.9,
	})
	require.NoError(t, err)

	rr, resp := doJSON(t, srv, "GET", "/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, float64(1), resp["threats_shared"])
	require.Equal(t, float64(1), resp["cache_size"])

	network := resp["network"].(map[string]interface{})
	require.Equal(t, float64(3), network["connected_peers"])

	byType := resp["threats_by_type"].(map[string]interface{})
	require.Equal(t, float64(1), byType["ip"])
}
