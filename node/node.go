package node

// node/node.go - Threat intelligence node: wires storage, crypto, reputation,
// cache, the gossip overlay and the intelligence service together.

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/visa2any/frauddetex-sub001/api"
	"github.com/visa2any/frauddetex-sub001/cache"
	"github.com/visa2any/frauddetex-sub001/config"
	"github.com/visa2any/frauddetex-sub001/crypto"
	"github.com/visa2any/frauddetex-sub001/intel"
	"github.com/visa2any/frauddetex-sub001/network/p2p"
	"github.com/visa2any/frauddetex-sub001/reputation"
	"github.com/visa2any/frauddetex-sub001/storage"
)

// Node is the long-running threat intelligence gossip node.
type Node struct {
	config *config.Config

	store   *storage.BadgerStorage
	db      *storage.DB
	hot     *cache.HotCache
	rep     *reputation.Engine
	cipher  *crypto.Cipher
	overlay *p2p.Manager
	service *intel.Service
	apiSrv  *api.Server

	isRunning bool
	startTime time.Time
	mu        sync.RWMutex

	ctx        context.Context
	cancelFunc context.CancelFunc
}

// NewNode constructs every component from configuration. Any failure here
// (store cannot open, transport cannot bind) is a startup failure.
func NewNode(cfg *config.Config) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("node config cannot be nil")
	}

	store, err := storage.NewBadgerStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}
	db := storage.NewDB(store)

	cipher, err := crypto.NewCipher(cfg.Gossip.NetworkKey)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize network cipher: %w", err)
	}

	overlay, err := p2p.NewManager(&p2p.Config{
		ListenPort:     cfg.Network.ListenPort,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		InboundQueue:   cfg.Gossip.InboundQueue,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create gossip overlay: %w", err)
	}

	hot := cache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxAge)
	rep := reputation.NewEngine(db, cfg.Reputation.DecayRate)

	service := intel.NewService(db, hot, rep, cipher, overlay,
		overlay.GetHostID().String(), intel.Options{
			DecayInterval: cfg.Reputation.DecayInterval,
			EvictInterval: cfg.Cache.EvictInterval,
			Workers:       cfg.Gossip.Workers,
		})

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		config:     cfg,
		store:      store,
		db:         db,
		hot:        hot,
		rep:        rep,
		cipher:     cipher,
		overlay:    overlay,
		service:    service,
		ctx:        ctx,
		cancelFunc: cancel,
	}
	n.apiSrv = api.NewServer(service, n, cfg.API.RESTAddr, cfg.API.EnableCORS)

	return n, nil
}

// Start brings up the overlay, the intelligence workers, the API server and
// the storage GC loop.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.isRunning {
		return fmt.Errorf("node is already running")
	}

	if err := n.overlay.Start(); err != nil {
		return fmt.Errorf("failed to start gossip overlay: %w", err)
	}

	n.service.Run(n.ctx, n.overlay.InboundCh)

	go func() {
		if err := n.apiSrv.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server stopped: %v", err)
		}
	}()

	go n.storageGCLoop()

	n.isRunning = true
	n.startTime = time.Now()

	fmt.Printf("Node started successfully:\n")
	fmt.Printf("  Peer ID: %s\n", n.overlay.GetHostID().String())
	fmt.Printf("  P2P port: %d\n", n.config.Network.ListenPort)
	fmt.Printf("  API: %s\n", n.config.API.RESTAddr)
	fmt.Printf("  Data dir: %s\n", n.config.DataDir)

	return nil
}

// Stop shuts the node down in order: stop accepting operator and gossip
// input, let in-flight handlers drain, then close the network client and
// finally the store.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.isRunning {
		return fmt.Errorf("node is not running")
	}

	fmt.Println("🛑 Stopping node gracefully...")

	if err := n.apiSrv.Stop(); err != nil {
		log.Printf("Error stopping API server: %v", err)
	}

	// Stops subscriptions and closes the inbound channel; workers drain
	// whatever was already queued.
	if err := n.overlay.Stop(); err != nil {
		log.Printf("Error stopping gossip overlay: %v", err)
	}

	n.cancelFunc()
	n.service.Wait()

	if err := n.store.Close(); err != nil {
		log.Printf("Error closing durable store: %v", err)
	}

	n.isRunning = false
	fmt.Println("✅ Node stopped gracefully")
	return nil
}

// storageGCLoop periodically runs BadgerDB value-log garbage collection.
func (n *Node) storageGCLoop() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := n.store.RunGC(0.5); err != nil {
				log.Printf("Storage GC: %v", err)
			}
		case <-n.ctx.Done():
			return
		}
	}
}

// Service exposes the intelligence service, used by the CLI.
func (n *Node) Service() *intel.Service {
	return n.service
}

// api.NodeStatus implementation

// PeerID returns the overlay host identity.
func (n *Node) PeerID() string {
	return n.overlay.GetHostID().String()
}

// PeerCount returns current overlay connection count.
func (n *Node) PeerCount() int {
	return n.overlay.GetPeerCount()
}

// Uptime returns time since Start.
func (n *Node) Uptime() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.isRunning {
		return 0
	}
	return time.Since(n.startTime)
}

// NetworkStats returns the overlay statistics snapshot.
func (n *Node) NetworkStats() map[string]interface{} {
	return n.overlay.GetStats()
}

// GetNodeStatus returns a combined status snapshot for CLI reporting.
func (n *Node) GetNodeStatus() map[string]interface{} {
	n.mu.RLock()
	running := n.isRunning
	n.mu.RUnlock()

	status := map[string]interface{}{
		"running": running,
		"peer_id": n.PeerID(),
		"uptime":  n.Uptime().String(),
		"intel":   n.service.Stats(),
		"p2p":     n.overlay.GetStats(),
	}
	if size, err := n.store.Size(); err == nil {
		status["store_bytes"] = size
	}
	return status
}
