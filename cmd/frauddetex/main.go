// File: cmd/frauddetex/main.go - Threat intelligence gossip node entrypoint
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/visa2any/frauddetex-sub001/config"
	"github.com/visa2any/frauddetex-sub001/node"
)

func main() {
	var port = flag.Int("port", 9000, "P2P listen port")
	var apiAddr = flag.String("api", "", "REST API listen address (default from config)")
	var bootstraps = flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs")
	var dataDir = flag.String("data", "", "Data directory (default: ./data)")
	var networkKey = flag.String("network-key", "", "Pre-shared community network key")
	var configFile = flag.String("config", "", "Optional JSON config file")

	flag.Parse()

	fmt.Printf("🚀 Starting FraudDetex intelligence node on port %d...\n", *port)

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg.Network.ListenPort = *port
	if *apiAddr != "" {
		cfg.API.RESTAddr = *apiAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *networkKey != "" {
		cfg.Gossip.NetworkKey = *networkKey
	}
	if *bootstraps != "" {
		cfg.Network.BootstrapPeers = strings.Split(*bootstraps, ",")
		fmt.Printf("📡 Bootstrap peers: %v\n", cfg.Network.BootstrapPeers)
	} else if len(cfg.Network.BootstrapPeers) == 0 {
		fmt.Printf("📡 No bootstrap peers (this node will be isolated unless discovered)\n")
	}

	intelNode, err := node.NewNode(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize node: %v", err)
	}

	if err := intelNode.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	fmt.Printf("✅ Node started! Peer ID: %s\n", intelNode.PeerID())

	printNodeStatus(intelNode)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	fmt.Println("🎉 FraudDetex node running! Press Ctrl+C to stop.")
	fmt.Println("📊 Node status will be printed every 30 seconds...")

	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-c:
			fmt.Println("\n🛑 Shutting down FraudDetex node...")
			if err := intelNode.Stop(); err != nil {
				log.Printf("Error stopping node: %v", err)
			}
			fmt.Println("👋 Goodbye!")
			return

		case <-statusTicker.C:
			printNodeStatus(intelNode)
		}
	}
}

// printNodeStatus displays node status including overlay information.
func printNodeStatus(n *node.Node) {
	status := n.GetNodeStatus()

	fmt.Printf("\n📊 === NODE STATUS ===\n")
	fmt.Printf("Running: %v\n", status["running"])
	fmt.Printf("Peer ID: %v\n", status["peer_id"])
	fmt.Printf("Uptime: %v\n", status["uptime"])

	if intelStats, ok := status["intel"].(map[string]interface{}); ok {
		fmt.Printf("Threats Shared: %v\n", intelStats["threats_shared"])
		fmt.Printf("Threats Ingested: %v\n", intelStats["threats_ingested"])
		fmt.Printf("Threats Rejected: %v\n", intelStats["threats_rejected"])
		fmt.Printf("Cache Size: %v\n", intelStats["cache_size"])
		fmt.Printf("Known Peers (reputation): %v\n", intelStats["reputation_peers"])
		fmt.Printf("Avg Reputation: %v\n", intelStats["reputation_average"])
	}

	if p2pStats, ok := status["p2p"].(map[string]interface{}); ok {
		fmt.Printf("Connected Peers: %v\n", p2pStats["connected_peers"])
		fmt.Printf("Messages Sent: %v\n", p2pStats["messages_sent"])
		fmt.Printf("Messages Received: %v\n", p2pStats["messages_received"])
		if n.PeerCount() == 0 {
			fmt.Printf("⚠️  No P2P peers connected\n")
		} else {
			fmt.Printf("✅ P2P network active\n")
		}
	}

	fmt.Println("===================")
}
