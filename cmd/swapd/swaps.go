package main

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/xmrbtc/internal/monero"
	"github.com/klingon-exchange/xmrbtc/internal/node"
	"github.com/klingon-exchange/xmrbtc/internal/storage"
	"github.com/klingon-exchange/xmrbtc/internal/swap"
	"github.com/klingon-exchange/xmrbtc/internal/wallet"
	"github.com/klingon-exchange/xmrbtc/pkg/logging"
)

// Settings keys that tie a persisted swap back to its counterparty and
// payout target across restarts.
const (
	swapPeerKey    = "swap_peer/"
	swapXMRAddrKey = "swap_xmr_addr/"
)

// swapRunner starts and resumes swap machines with the daemon's shared
// components.
type swapRunner struct {
	env    swap.Env
	net    monero.Network
	store  *storage.Storage
	btc    *wallet.Wallet
	xmr    *monero.WalletRPC
	takers *node.TakerService
	log    *logging.Logger
}

// take runs the setup handshake against the maker within the request
// context, then detaches the swap to run under the daemon context.
func (r *swapRunner) take(daemonCtx, reqCtx context.Context, makerStr string, satoshis uint64, xmrAddr string) (uuid.UUID, error) {
	if r.xmr == nil {
		return uuid.Nil, fmt.Errorf("monero wallet not configured")
	}
	makerID, err := peer.Decode(makerStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid maker peer id: %w", err)
	}
	dest, err := monero.ParseAddress(xmrAddr, r.net)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid xmr address: %w", err)
	}

	var taker *swap.Taker
	handle := r.takers.DeferredEventHandle(makerID, func() uuid.UUID {
		return taker.SwapID()
	})
	taker, err = swap.NewTaker(swap.TakerConfig{
		Env:                  r.env,
		Database:             r.store,
		BitcoinWallet:        r.btc,
		MoneroWallet:         r.xmr,
		EventHandle:          handle,
		MoneroReceiveAddress: dest,
	})
	if err != nil {
		return uuid.Nil, err
	}

	setup, err := r.takers.OpenSetup(reqCtx, makerID)
	if err != nil {
		return uuid.Nil, err
	}
	defer setup.Close()

	if err := taker.Setup(reqCtx, setup, btcutil.Amount(satoshis)); err != nil {
		return uuid.Nil, err
	}
	swapID := taker.SwapID()

	if err := r.store.SetSetting(swapPeerKey+swapID.String(), makerID.String()); err != nil {
		r.log.Warn("failed to persist swap peer", "swap_id", swapID, "err", err)
	}
	if err := r.store.SetSetting(swapXMRAddrKey+swapID.String(), xmrAddr); err != nil {
		r.log.Warn("failed to persist payout address", "swap_id", swapID, "err", err)
	}

	r.runTaker(daemonCtx, taker)
	return swapID, nil
}

func (r *swapRunner) runTaker(ctx context.Context, taker *swap.Taker) {
	swapID := taker.SwapID()
	go func() {
		defer r.takers.Unregister(swapID)
		if err := taker.Run(ctx); err != nil {
			r.log.Error("taker run ended with error", "swap_id", swapID, "err", err)
		}
	}()
}

// resume restarts every unfinished swap found in storage. A swap whose
// counterparty or payout address cannot be recovered is left alone; the
// operator can still act on it through the API.
func (r *swapRunner) resume(ctx context.Context, makers *node.MakerService, restoreMaker func(handle swap.MakerEventHandle, blob []byte) (*swap.Maker, error)) {
	open, err := r.store.UnfinishedSwaps()
	if err != nil {
		r.log.Error("failed to list unfinished swaps", "err", err)
		return
	}
	if len(open) == 0 {
		return
	}
	if r.xmr == nil {
		r.log.Warn("unfinished swaps present but no monero wallet configured", "count", len(open))
		return
	}

	for _, sw := range open {
		peerStr, err := r.store.GetSetting(swapPeerKey + sw.SwapID.String())
		if err != nil {
			r.log.Warn("cannot resume swap without counterparty", "swap_id", sw.SwapID, "err", err)
			continue
		}
		counterparty, err := peer.Decode(peerStr)
		if err != nil {
			r.log.Warn("persisted counterparty is malformed", "swap_id", sw.SwapID, "err", err)
			continue
		}
		_, blob, err := r.store.GetState(sw.SwapID)
		if err != nil {
			r.log.Warn("failed to load swap state", "swap_id", sw.SwapID, "err", err)
			continue
		}

		switch sw.Role {
		case swap.RoleMaker:
			if makers == nil || restoreMaker == nil {
				r.log.Warn("maker swap found but maker mode is disabled", "swap_id", sw.SwapID)
				continue
			}
			if _, err := makers.Resume(counterparty, func(handle swap.MakerEventHandle) (*swap.Maker, error) {
				return restoreMaker(handle, blob)
			}); err != nil {
				r.log.Error("failed to resume maker swap", "swap_id", sw.SwapID, "err", err)
				continue
			}
			r.log.Info("resumed maker swap", "swap_id", sw.SwapID, "state", sw.StateName)

		case swap.RoleTaker:
			xmrAddr, err := r.store.GetSetting(swapXMRAddrKey + sw.SwapID.String())
			if err != nil {
				r.log.Warn("cannot resume taker swap without payout address", "swap_id", sw.SwapID, "err", err)
				continue
			}
			dest, err := monero.ParseAddress(xmrAddr, r.net)
			if err != nil {
				r.log.Warn("persisted payout address is malformed", "swap_id", sw.SwapID, "err", err)
				continue
			}
			handle := r.takers.EventHandle(counterparty, sw.SwapID)
			taker, err := swap.NewTakerFromRecord(swap.TakerConfig{
				Env:                  r.env,
				Database:             r.store,
				BitcoinWallet:        r.btc,
				MoneroWallet:         r.xmr,
				EventHandle:          handle,
				MoneroReceiveAddress: dest,
			}, blob)
			if err != nil {
				r.takers.Unregister(sw.SwapID)
				r.log.Error("failed to resume taker swap", "swap_id", sw.SwapID, "err", err)
				continue
			}
			r.runTaker(ctx, taker)
			r.log.Info("resumed taker swap", "swap_id", sw.SwapID, "state", sw.StateName)
		}
	}
}
