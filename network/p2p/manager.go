package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	go_log "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	stdlog "log"
)

// PubSub topic names for the threat intelligence overlay.
const (
	TopicThreats    = "threats"
	TopicFeedback   = "feedback"
	TopicReputation = "reputation"

	// discoveryTag namespaces DHT advertisement and mDNS discovery.
	discoveryTag = "frauddetex-intel"
)

// Topics lists every topic the node subscribes to, in subscription order.
var Topics = []string{TopicThreats, TopicFeedback, TopicReputation}

// Inbound carries one received gossip message: the topic it arrived on, the
// network-layer sender identity, and the raw envelope bytes. No ordering
// guarantee exists between messages; consumers must apply them idempotently.
type Inbound struct {
	Topic string
	From  peer.ID
	Data  []byte
}

// NetworkMetrics tracks overlay performance counters.
type NetworkMetrics struct {
	MessagesReceived   int64
	MessagesSent       int64
	MessagesDropped    int64
	ConnectionAttempts int64
	FailedConnections  int64
	PeerCount          int64
	mu                 sync.RWMutex
}

func (nm *NetworkMetrics) IncrementMessagesReceived() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.MessagesReceived++
}

func (nm *NetworkMetrics) IncrementMessagesSent() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.MessagesSent++
}

func (nm *NetworkMetrics) IncrementMessagesDropped() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.MessagesDropped++
}

func (nm *NetworkMetrics) IncrementConnectionAttempts() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.ConnectionAttempts++
}

func (nm *NetworkMetrics) IncrementFailedConnections() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.FailedConnections++
}

func (nm *NetworkMetrics) UpdatePeerCount(count int64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.PeerCount = count
}

func (nm *NetworkMetrics) GetSnapshot() map[string]interface{} {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return map[string]interface{}{
		"messages_received":   nm.MessagesReceived,
		"messages_sent":       nm.MessagesSent,
		"messages_dropped":    nm.MessagesDropped,
		"connection_attempts": nm.ConnectionAttempts,
		"failed_connections":  nm.FailedConnections,
		"peer_count":          nm.PeerCount,
	}
}

// ConnectionState tracks the state of one peer connection.
type ConnectionState struct {
	LastConnected time.Time
	Attempts      int
	IsHealthy     bool
	LastError     error
}

// Config represents overlay configuration.
type Config struct {
	ListenPort     int
	BootstrapPeers []string
	InboundQueue   int
}

// Manager owns the libp2p host and overlay services: GossipSub on the three
// intelligence topics, kad-DHT and mDNS peer discovery, bootstrap
// connections, and a bounded inbound message queue.
type Manager struct {
	Host   host.Host
	Ctx    context.Context
	Cancel context.CancelFunc
	PubSub *pubsub.PubSub
	DHT    *dht.IpfsDHT

	// InboundCh delivers received gossip messages to the intelligence
	// service workers. Bounded; messages are dropped (and counted) when
	// consumers fall behind.
	InboundCh chan Inbound

	listenPort     int
	bootstrapPeers []multiaddr.Multiaddr

	joinedTopics map[string]*pubsub.Topic
	topicsMu     sync.RWMutex

	rateLimiter *rate.Limiter

	connectionStates map[peer.ID]*ConnectionState
	connectionsMu    sync.RWMutex

	metrics *NetworkMetrics

	// readersWg tracks the per-topic subscription readers, the only
	// senders on InboundCh. Stop waits for them before closing the channel.
	readersWg sync.WaitGroup

	healthTicker *time.Ticker
}

// NewManager initializes the libp2p host, GossipSub router and DHT. A
// failure here is a startup failure and aborts the node.
func NewManager(config *Config) (*Manager, error) {
	go_log.SetLogLevel("libp2p", "error")
	ctx, cancel := context.WithCancel(context.Background())

	var bootstrapPeers []multiaddr.Multiaddr
	for _, addr := range config.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			stdlog.Printf("Invalid bootstrap peer address %s: %v", addr, err)
			continue
		}
		bootstrapPeers = append(bootstrapPeers, maddr)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.ListenPort)),
		libp2p.NATPortMap(),
		libp2p.EnableRelay(),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	stdlog.Printf("Libp2p host created with Peer ID: %s, listening on: %s",
		h.ID().String(), h.Addrs())

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	kademliaDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	if err = kademliaDHT.Bootstrap(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	queueSize := config.InboundQueue
	if queueSize <= 0 {
		queueSize = 1000
	}

	manager := &Manager{
		Host:             h,
		Ctx:              ctx,
		Cancel:           cancel,
		PubSub:           ps,
		DHT:              kademliaDHT,
		InboundCh:        make(chan Inbound, queueSize),
		listenPort:       config.ListenPort,
		bootstrapPeers:   bootstrapPeers,
		joinedTopics:     make(map[string]*pubsub.Topic),
		rateLimiter:      rate.NewLimiter(rate.Limit(100), 200), // 100 msgs/sec with burst of 200
		connectionStates: make(map[peer.ID]*ConnectionState),
		metrics:          &NetworkMetrics{},
	}

	return manager, nil
}

// Start connects to bootstrap peers, starts discovery, subscribes to the
// three intelligence topics and begins health monitoring.
func (m *Manager) Start() error {
	m.connectToBootstrapPeersWithRetry()

	m.startMDNSDiscovery()
	m.startDHTDiscovery()

	if err := m.subscribeToTopics(); err != nil {
		return err
	}

	m.startConnectionHealthMonitor()

	stdlog.Println("Gossip overlay services started successfully")
	return nil
}

// Stop gracefully shuts down the overlay. The inbound channel is closed
// last so that consumers can drain what was already queued.
func (m *Manager) Stop() error {
	stdlog.Println("Shutting down gossip overlay services...")

	if m.healthTicker != nil {
		m.healthTicker.Stop()
	}

	m.Cancel()

	m.topicsMu.Lock()
	for _, topic := range m.joinedTopics {
		if err := topic.Close(); err != nil {
			stdlog.Printf("Error closing topic: %v", err)
		}
	}
	m.topicsMu.Unlock()

	if m.DHT != nil {
		if err := m.DHT.Close(); err != nil {
			stdlog.Printf("Error closing DHT: %v", err)
		}
	}

	if err := m.Host.Close(); err != nil {
		return fmt.Errorf("error closing libp2p host: %w", err)
	}

	// Readers may still be delivering a message obtained before Cancel;
	// closing before they exit would panic on their send.
	m.readersWg.Wait()
	close(m.InboundCh)

	stdlog.Println("Gossip overlay services shut down successfully")
	return nil
}

// connectToBootstrapPeersWithRetry connects to bootstrap peers with retry logic.
func (m *Manager) connectToBootstrapPeersWithRetry() {
	var wg sync.WaitGroup

	for _, addr := range m.bootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			stdlog.Printf("Invalid bootstrap peer address %s: %v", addr, err)
			continue
		}
		if pi.ID == m.Host.ID() {
			continue // Don't connect to self
		}

		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			m.connectWithRetry(pi, 3)
		}(*pi)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		stdlog.Println("Bootstrap peer connection attempts completed")
	case <-time.After(30 * time.Second):
		stdlog.Println("Bootstrap peer connection attempts timed out")
	}
}

// connectWithRetry attempts to connect to a peer with exponential backoff.
func (m *Manager) connectWithRetry(pi peer.AddrInfo, maxRetries int) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		m.metrics.IncrementConnectionAttempts()

		connectCtx, connectCancel := context.WithTimeout(m.Ctx, 10*time.Second)
		err := m.Host.Connect(connectCtx, pi)
		connectCancel()

		if err == nil {
			stdlog.Printf("Connected to peer: %s (attempt %d)", pi.ID.String(), attempt)
			m.updateConnectionState(pi.ID, true, nil)
			return
		}

		m.metrics.IncrementFailedConnections()
		m.updateConnectionState(pi.ID, false, err)
		stdlog.Printf("Failed to connect to peer %s (attempt %d/%d): %v",
			pi.ID.String(), attempt, maxRetries, err)

		if attempt < maxRetries {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-time.After(backoff):
			case <-m.Ctx.Done():
				return
			}
		}
	}

	stdlog.Printf("Failed to connect to peer %s after %d attempts", pi.ID.String(), maxRetries)
}

func (m *Manager) updateConnectionState(peerID peer.ID, isHealthy bool, err error) {
	m.connectionsMu.Lock()
	defer m.connectionsMu.Unlock()

	if m.connectionStates[peerID] == nil {
		m.connectionStates[peerID] = &ConnectionState{}
	}

	state := m.connectionStates[peerID]
	if isHealthy {
		state.LastConnected = time.Now()
		state.Attempts = 0
	} else {
		state.Attempts++
	}
	state.IsHealthy = isHealthy
	state.LastError = err
}

// startConnectionHealthMonitor periodically checks peer health and falls
// back to bootstrap reconnection when the mesh thins out.
func (m *Manager) startConnectionHealthMonitor() {
	m.healthTicker = time.NewTicker(30 * time.Second)

	go func() {
		defer m.healthTicker.Stop()
		for {
			select {
			case <-m.healthTicker.C:
				m.checkConnectionHealth()
			case <-m.Ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) checkConnectionHealth() {
	peers := m.Host.Network().Peers()
	healthyPeers := 0

	for _, peerID := range peers {
		if m.isPeerHealthy(peerID) {
			healthyPeers++
		}
	}

	m.metrics.UpdatePeerCount(int64(len(peers)))

	if healthyPeers < 3 && len(m.bootstrapPeers) > 0 {
		stdlog.Printf("Only %d healthy peers, attempting to reconnect to bootstrap peers", healthyPeers)
		go m.tryReconnectToBootstrapPeers()
	}
}

func (m *Manager) isPeerHealthy(peerID peer.ID) bool {
	if m.Host.Network().Connectedness(peerID) != network.Connected {
		return false
	}

	m.connectionsMu.RLock()
	defer m.connectionsMu.RUnlock()

	if state, exists := m.connectionStates[peerID]; exists {
		return state.IsHealthy && time.Since(state.LastConnected) < 5*time.Minute
	}
	return true // Assume healthy if no state recorded
}

func (m *Manager) tryReconnectToBootstrapPeers() {
	for _, addr := range m.bootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil || pi.ID == m.Host.ID() {
			continue
		}

		if m.Host.Network().Connectedness(pi.ID) != network.Connected {
			go m.connectWithRetry(*pi, 2)
		}
	}
}

// getOrJoinTopic returns an existing topic handle or joins a new one.
func (m *Manager) getOrJoinTopic(topicName string) (*pubsub.Topic, error) {
	m.topicsMu.RLock()
	if topic, exists := m.joinedTopics[topicName]; exists {
		m.topicsMu.RUnlock()
		return topic, nil
	}
	m.topicsMu.RUnlock()

	m.topicsMu.Lock()
	defer m.topicsMu.Unlock()

	// Double-check in case another goroutine joined while we waited for lock
	if topic, exists := m.joinedTopics[topicName]; exists {
		return topic, nil
	}

	topic, err := m.PubSub.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", topicName, err)
	}

	m.joinedTopics[topicName] = topic
	stdlog.Printf("Joined PubSub topic: %s", topicName)
	return topic, nil
}

// GetConnectedPeerIDs returns connected peer ids as strings.
func (m *Manager) GetConnectedPeerIDs() []string {
	peers := m.Host.Network().Peers()
	peerIDs := make([]string, len(peers))
	for i, p := range peers {
		peerIDs[i] = p.String()
	}
	return peerIDs
}

// GetPeerCount returns the number of connected peers.
func (m *Manager) GetPeerCount() int {
	return len(m.Host.Network().Peers())
}

// GetHostID returns the host's peer id. The identity is derived from the
// host keypair and fixed for the node's lifetime.
func (m *Manager) GetHostID() peer.ID {
	return m.Host.ID()
}

// GetListenAddresses returns the addresses the host is listening on.
func (m *Manager) GetListenAddresses() []multiaddr.Multiaddr {
	return m.Host.Addrs()
}

// GetStats returns overlay statistics including metrics.
func (m *Manager) GetStats() map[string]interface{} {
	m.topicsMu.RLock()
	joined := len(m.joinedTopics)
	m.topicsMu.RUnlock()

	stats := map[string]interface{}{
		"peer_id":         m.Host.ID().String(),
		"listen_port":     m.listenPort,
		"connected_peers": len(m.Host.Network().Peers()),
		"bootstrap_peers": len(m.bootstrapPeers),
		"joined_topics":   joined,
	}

	for k, v := range m.metrics.GetSnapshot() {
		stats[k] = v
	}
	return stats
}

// GetMetrics returns the overlay metrics counters.
func (m *Manager) GetMetrics() *NetworkMetrics {
	return m.metrics
}
