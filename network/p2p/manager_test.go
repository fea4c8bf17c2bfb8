package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerStartStop(t *testing.T) {
	m, err := NewManager(&Config{ListenPort: 0, InboundQueue: 16})
	require.NoError(t, err)

	require.NoError(t, m.Start())
	require.NotEmpty(t, m.GetHostID().String())

	m.topicsMu.RLock()
	joined := len(m.joinedTopics)
	m.topicsMu.RUnlock()
	require.Equal(t, len(Topics), joined)

	require.NoError(t, m.Stop())

	// Every subscription reader has exited before the inbound channel is
	// closed, so the close is observable and nothing can send after it.
	_, open := <-m.InboundCh
	require.False(t, open)
}

func TestManagerStatsSnapshot(t *testing.T) {
	m, err := NewManager(&Config{ListenPort: 0})
	require.NoError(t, err)
	defer m.Stop()

	stats := m.GetStats()
	require.Equal(t, m.GetHostID().String(), stats["peer_id"])
	require.Contains(t, stats, "messages_received")
	require.Contains(t, stats, "messages_dropped")
	require.Equal(t, 0, stats["joined_topics"])
}
