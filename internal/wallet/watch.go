package wallet

import (
	"context"
	"time"

	"github.com/klingon-exchange/xmrbtc/internal/bitcoin"
)

// StatusOfScript reports the chain status of a watchable transaction. The
// lookup is by txid rather than script history: several transactions in a
// swap share the 2-of-2 script, so the script alone is ambiguous.
func (w *Wallet) StatusOfScript(ctx context.Context, watch bitcoin.Watchable) (bitcoin.ScriptStatus, error) {
	status, err := w.backend.TxStatus(ctx, watch.Txid())
	if err != nil {
		return bitcoin.ScriptStatus{}, err
	}
	return bitcoin.ScriptStatus{
		Seen:          status.Seen,
		Confirmations: status.Confirmations,
	}, nil
}

// Subscribe starts a polling watch on a watchable transaction.
func (w *Wallet) Subscribe(ctx context.Context, watch bitcoin.Watchable) (bitcoin.Subscription, error) {
	return &subscription{wallet: w, watch: watch, interval: w.watchInterval}, nil
}

type subscription struct {
	wallet   *Wallet
	watch    bitcoin.Watchable
	interval time.Duration
}

func (s *subscription) WaitUntilSeen(ctx context.Context) error {
	return s.waitUntil(ctx, func(status bitcoin.ScriptStatus) bool {
		return status.Seen
	})
}

func (s *subscription) WaitUntilConfirmedWithDepth(ctx context.Context, depth uint64) error {
	return s.waitUntil(ctx, func(status bitcoin.ScriptStatus) bool {
		return status.IsConfirmedWithDepth(depth)
	})
}

func (s *subscription) waitUntil(ctx context.Context, done func(bitcoin.ScriptStatus) bool) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		status, err := s.wallet.StatusOfScript(ctx, s.watch)
		if err != nil {
			s.wallet.log.Debug("status poll failed", "txid", s.watch.Txid(), "err", err)
		} else if done(status) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
