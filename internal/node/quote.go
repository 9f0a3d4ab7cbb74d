package node

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/xmrbtc/internal/swap"
)

// quoteGossipInterval is how often a maker re-advertises its standing
// offer on the gossip topic.
const quoteGossipInterval = time.Minute

// quoteTopic separates quote gossip per environment, matching the DHT
// prefix split.
func (c *Config) quoteTopic() string {
	return c.discoveryNamespace() + "-quotes"
}

// QuoteEvent is one maker's advertised offer seen on the gossip topic.
type QuoteEvent struct {
	Maker peer.ID
	Quote swap.BidQuote
}

// startQuoteGossip joins the quote topic and republishes the maker's
// offer every interval until the node shuts down.
func (s *MakerService) startQuoteGossip() error {
	topic, err := s.node.PubSub().Join(s.node.config.quoteTopic())
	if err != nil {
		return fmt.Errorf("failed to join quote topic: %w", err)
	}

	go func() {
		defer topic.Close()
		ticker := time.NewTicker(quoteGossipInterval)
		defer ticker.Stop()
		for {
			s.publishQuote(topic)
			select {
			case <-s.node.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (s *MakerService) publishQuote(topic *pubsub.Topic) {
	quote, err := s.quote(s.node.ctx)
	if err != nil {
		s.log.Warn("failed to render quote for gossip", "err", err)
		return
	}
	payload, err := cbor.Marshal(quote)
	if err != nil {
		s.log.Error("failed to encode quote", "err", err)
		return
	}
	if err := topic.Publish(s.node.ctx, payload); err != nil {
		s.log.Debug("failed to publish quote", "err", err)
	}
}

// SubscribeQuotes listens for maker offers on the gossip topic. The
// channel closes when the context is cancelled. Offers from this node
// itself are filtered out.
func (s *TakerService) SubscribeQuotes(ctx context.Context) (<-chan QuoteEvent, error) {
	topic, err := s.node.PubSub().Join(s.node.config.quoteTopic())
	if err != nil {
		return nil, fmt.Errorf("failed to join quote topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("failed to subscribe to quote topic: %w", err)
	}

	events := make(chan QuoteEvent, 16)
	go func() {
		defer close(events)
		defer topic.Close()
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == s.node.ID() {
				continue
			}
			var quote swap.BidQuote
			if err := cbor.Unmarshal(msg.Data, &quote); err != nil {
				s.log.Debug("malformed quote gossip", "peer", shortID(msg.ReceivedFrom), "err", err)
				continue
			}
			select {
			case events <- QuoteEvent{Maker: msg.GetFrom(), Quote: quote}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
