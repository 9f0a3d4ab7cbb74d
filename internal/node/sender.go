package node

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/klingon-exchange/xmrbtc/internal/swap"
)

// streamTimeout bounds a single request/response round on a fresh stream.
const streamTimeout = 30 * time.Second

// sendOnce opens a fresh stream to the peer, writes the request, and
// decodes the response into resp when resp is non-nil.
func (n *Node) sendOnce(ctx context.Context, peerID peer.ID, proto protocol.ID, req, resp any) error {
	stream, err := n.host.NewStream(ctx, peerID, proto)
	if err != nil {
		return fmt.Errorf("failed to open %s stream: %w", proto, err)
	}
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	if err := writeMessage(stream, req); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return readMessage(stream, resp)
}

// sendWithRetry repeats sendOnce with the protocol backoff family until
// it succeeds or the context is cancelled. It never gives up on its own:
// the swap machines cancel the context when a timelock forces a branch
// change.
func (n *Node) sendWithRetry(ctx context.Context, peerID peer.ID, proto protocol.ID, req, resp any) error {
	backoff := swap.ProtocolBackoffInitial
	for {
		err := n.sendOnce(ctx, peerID, proto, req, resp)
		if err == nil {
			return nil
		}
		n.log.Debug("send failed, retrying", "protocol", proto, "peer", shortID(peerID), "backoff", backoff, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * swap.BackoffMultiplier)
		if backoff > swap.ProtocolBackoffMax {
			backoff = swap.ProtocolBackoffMax
		}
	}
}
