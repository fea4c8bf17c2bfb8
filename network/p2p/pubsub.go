package p2p

import (
	"context"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"

	stdlog "log"
)

// Discovery implementation

// HandlePeerFound handles newly discovered peers via mDNS.
func (m *Manager) HandlePeerFound(pi peer.AddrInfo) {
	stdlog.Printf("Discovered new peer via mDNS: %s", pi.ID.String())
	if pi.ID == m.Host.ID() {
		return
	}
	go func() {
		connectCtx, connectCancel := context.WithTimeout(m.Ctx, 10*time.Second)
		defer connectCancel()
		if err := m.Host.Connect(connectCtx, pi); err != nil {
			stdlog.Printf("Failed to connect to mDNS discovered peer %s: %v", pi.ID.String(), err)
		} else {
			stdlog.Printf("Successfully connected to mDNS discovered peer %s", pi.ID.String())
		}
	}()
}

// startMDNSDiscovery starts local network peer discovery.
func (m *Manager) startMDNSDiscovery() {
	service := mdns.NewMdnsService(m.Host, discoveryTag, m)
	if err := service.Start(); err != nil {
		stdlog.Printf("Failed to start mDNS discovery: %v", err)
	} else {
		stdlog.Println("mDNS discovery started")
	}
}

// startDHTDiscovery advertises the node on the DHT and periodically searches
// for other intelligence nodes.
func (m *Manager) startDHTDiscovery() {
	routingDiscovery := routing.NewRoutingDiscovery(m.DHT)
	routingDiscovery.Advertise(m.Ctx, discoveryTag)

	go func() {
		for {
			select {
			case <-m.Ctx.Done():
				return
			case <-time.After(30 * time.Second):
				peerChan, err := routingDiscovery.FindPeers(m.Ctx, discoveryTag)
				if err != nil {
					stdlog.Printf("DHT peer discovery failed: %v", err)
					continue
				}
				for pi := range peerChan {
					if pi.ID == m.Host.ID() || len(pi.Addrs) == 0 {
						continue
					}
					go func(pi peer.AddrInfo) {
						connectCtx, connectCancel := context.WithTimeout(m.Ctx, 10*time.Second)
						defer connectCancel()
						if err := m.Host.Connect(connectCtx, pi); err != nil {
							stdlog.Printf("Failed to connect to DHT discovered peer %s: %v", pi.ID.String(), err)
						}
					}(pi)
				}
			}
		}
	}()
	stdlog.Println("DHT discovery started")
}

// PubSub logic

// subscribeToTopics joins and subscribes to the three intelligence topics.
func (m *Manager) subscribeToTopics() error {
	for _, topicName := range Topics {
		topic, err := m.getOrJoinTopic(topicName)
		if err != nil {
			return fmt.Errorf("failed to join PubSub topic %s: %w", topicName, err)
		}

		sub, err := topic.Subscribe()
		if err != nil {
			return fmt.Errorf("failed to subscribe to PubSub topic %s: %w", topicName, err)
		}

		m.readersWg.Add(1)
		go m.readPubSubMessages(topicName, sub)
		stdlog.Printf("Subscribed to PubSub topic: %s", topicName)
	}
	return nil
}

// readPubSubMessages forwards received envelopes onto the bounded inbound
// queue. When consumers fall behind the message is dropped and counted;
// gossip is at-least-once and a dropped message will typically arrive again
// from another peer.
func (m *Manager) readPubSubMessages(topicName string, sub *pubsub.Subscription) {
	defer m.readersWg.Done()

	for {
		msg, err := sub.Next(m.Ctx)
		if err != nil {
			if err == context.Canceled {
				stdlog.Printf("PubSub subscription for %s canceled", topicName)
			} else {
				stdlog.Printf("Error reading from PubSub subscription %s: %v", topicName, err)
			}
			return
		}

		if msg.ReceivedFrom == m.Host.ID() {
			continue // Ignore messages from self
		}

		m.metrics.IncrementMessagesReceived()

		select {
		case m.InboundCh <- Inbound{Topic: topicName, From: msg.ReceivedFrom, Data: msg.Data}:
		default:
			m.metrics.IncrementMessagesDropped()
			stdlog.Printf("Inbound queue full, dropping %s message from %s", topicName, msg.ReceivedFrom.String())
		}
	}
}

// Publish broadcasts raw envelope bytes on a topic with rate limiting.
// Failures are reported to the caller but must be treated as non-fatal:
// local state is always committed before a publish is attempted.
func (m *Manager) Publish(topicName string, data []byte) error {
	if !m.rateLimiter.Allow() {
		return fmt.Errorf("rate limit exceeded for topic %s", topicName)
	}

	topic, err := m.getOrJoinTopic(topicName)
	if err != nil {
		return fmt.Errorf("failed to get topic %s: %w", topicName, err)
	}

	if err := topic.Publish(m.Ctx, data); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topicName, err)
	}

	m.metrics.IncrementMessagesSent()
	return nil
}
