package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/klingon-exchange/xmrbtc/internal/bitcoin"
	"github.com/klingon-exchange/xmrbtc/internal/crypto"
	"github.com/klingon-exchange/xmrbtc/internal/monero"
)

// defaultPollInterval paces chain polling. Roughly once per block is
// enough; tests shrink it.
const defaultPollInterval = 30 * time.Second

// Run drives the machine from its current state to a terminal one. It is
// called once after setup completes, or on restart with a restored state.
func (m *Maker) Run(ctx context.Context) error {
	for !m.state.IsTerminal() {
		var err error
		switch m.state {
		case MakerStarted:
			err = m.waitForBtcLockSeen(ctx)
		case MakerBtcLockTransactionSeen:
			err = m.waitForBtcLockFinality(ctx)
		case MakerBtcLocked:
			err = m.lockXmr(ctx)
		case MakerXmrLockTransactionSent:
			err = m.waitForXmrFinality(ctx)
		case MakerXmrLocked:
			err = m.sendTransferProof(ctx)
		case MakerXmrLockTransferProofSent:
			err = m.waitForEncSig(ctx)
		case MakerEncSigLearned:
			err = m.redeem(ctx)
		case MakerBtcRedeemPublished:
			err = m.waitForRedeemFinality(ctx)
		case MakerCancelTimelockExpired:
			err = m.cancel(ctx)
		case MakerBtcCancelled:
			err = m.watchCancelTree(ctx)
		case MakerBtcRefunded, MakerBtcPartiallyRefunded, MakerRemainingRefundExpired:
			err = m.recoverXmr(ctx)
		case MakerBtcEarlyRefundable:
			err = m.broadcastEarlyRefund(ctx)
		case MakerBtcPunishable:
			err = m.punish(ctx)
		case MakerBtcMercyGranted:
			err = m.confirmMercy(ctx)
		default:
			return fmt.Errorf("%w: %s", ErrInvalidState, m.state)
		}
		if err != nil {
			return err
		}
	}
	m.log.Info("swap finished", "swap_id", m.params.SwapID, "state", m.state)
	return nil
}

func (m *Maker) pollInterval() time.Duration {
	if m.poll > 0 {
		return m.poll
	}
	return defaultPollInterval
}

// currentEpoch evaluates the timelock graph against the chain.
func (m *Maker) currentEpoch(ctx context.Context) (bitcoin.ExpiredTimelocks, error) {
	lockStatus, err := m.btc.StatusOfScript(ctx, m.family.Lock)
	if err != nil {
		return bitcoin.ExpiredTimelocks{}, err
	}
	cancelStatus, err := m.btc.StatusOfScript(ctx, m.family.Cancel)
	if err != nil {
		return bitcoin.ExpiredTimelocks{}, err
	}
	var partialStatus *bitcoin.ScriptStatus
	if m.family.PartialRefund != nil {
		s, err := m.btc.StatusOfScript(ctx, m.family.PartialRefund)
		if err != nil {
			return bitcoin.ExpiredTimelocks{}, err
		}
		partialStatus = &s
	}
	return bitcoin.CurrentEpoch(
		m.params.CancelTimelock, m.params.PunishTimelock, m.params.RemainingRefundTimelock,
		lockStatus, cancelStatus, partialStatus,
	), nil
}

// cancelExpired reports whether the happy path is no longer safe.
func (m *Maker) cancelExpired(ctx context.Context) bool {
	epoch, err := m.currentEpoch(ctx)
	if err != nil {
		return false
	}
	return epoch.Epoch != bitcoin.EpochNone
}

func (m *Maker) waitForBtcLockSeen(ctx context.Context) error {
	if m.family == nil || m.message4 == nil {
		// Setup never completed; nothing was broadcast on either side.
		return m.transitionTo(MakerSafelyAborted)
	}
	sub, err := m.btc.Subscribe(ctx, m.family.Lock)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilSeen(ctx); err != nil {
		return err
	}
	return m.transitionTo(MakerBtcLockTransactionSeen)
}

func (m *Maker) waitForBtcLockFinality(ctx context.Context) error {
	sub, err := m.btc.Subscribe(ctx, m.family.Lock)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilConfirmedWithDepth(ctx, m.env.BitcoinFinalityConfirmations); err != nil {
		return err
	}
	if m.cancelExpired(ctx) {
		return m.transitionTo(MakerCancelTimelockExpired)
	}
	return m.transitionTo(MakerBtcLocked)
}

func (m *Maker) lockXmr(ctx context.Context) error {
	if m.cancelExpired(ctx) {
		return m.transitionTo(MakerCancelTimelockExpired)
	}

	pair := JointViewPair(m.keys.Share, m.keys.View, m.taker)
	dest, err := pair.Address(m.env.MoneroNetwork)
	if err != nil {
		return err
	}

	height, err := m.xmr.Height(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch monero height: %w", err)
	}
	m.moneroRestoreHeight = height

	result, err := m.xmr.Lock(ctx, dest, m.params.XMR, m.tip)
	if err != nil {
		return fmt.Errorf("failed to lock monero: %w", err)
	}
	m.transferProof = &result.Proof
	m.log.Info("monero locked", "swap_id", m.params.SwapID, "tx_hash", result.Proof.TxHash, "height", result.Height)
	return m.transitionTo(MakerXmrLockTransactionSent)
}

func (m *Maker) waitForXmrFinality(ctx context.Context) error {
	pair := JointViewPair(m.keys.Share, m.keys.View, m.taker)
	_, err := m.xmr.WatchForLockTransfer(ctx, pair, m.params.XMR, m.moneroRestoreHeight, m.env.MoneroFinalityConfirmations)
	if err != nil {
		return fmt.Errorf("monero lock did not finalize: %w", err)
	}
	return m.transitionTo(MakerXmrLocked)
}

func (m *Maker) sendTransferProof(ctx context.Context) error {
	req := TransferProofRequest{
		SwapID: m.params.SwapID,
		TxHash: m.transferProof.TxHash,
		TxKey:  m.transferProof.TxKey,
	}
	err := retryWithBackoff(ctx, ProtocolBackoffInitial, ProtocolBackoffMax,
		func() bool { return m.cancelExpired(ctx) },
		func() error { return m.handle.SendTransferProof(ctx, req) },
	)
	if errors.Is(err, errPreempted) {
		return m.transitionTo(MakerCancelTimelockExpired)
	}
	if err != nil {
		return err
	}
	return m.transitionTo(MakerXmrLockTransferProofSent)
}

// waitForEncSig races the taker's encrypted signature against the cancel
// timelock. First to arrive wins.
func (m *Maker) waitForEncSig(ctx context.Context) error {
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()

	type recvResult struct {
		req EncryptedSignatureRequest
		err error
	}
	ch := make(chan recvResult, 1)
	go func() {
		req, err := m.handle.ReceiveEncryptedSignature(recvCtx)
		ch <- recvResult{req, err}
	}()

	ticker := time.NewTicker(m.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-ch:
			if r.err != nil {
				if m.cancelExpired(ctx) {
					return m.transitionTo(MakerCancelTimelockExpired)
				}
				return r.err
			}
			encsig, err := crypto.ParseEncryptedSignature(r.req.EncSig)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrInvalidMessage, err)
			}
			redeemDigest, err := m.family.Redeem.Digest()
			if err != nil {
				return err
			}
			if err := crypto.VerifyEncSig(m.taker.PublicKey, m.keys.Share.SecpPoint(), redeemDigest, encsig); err != nil {
				return fmt.Errorf("taker encrypted signature: %w", err)
			}
			m.receivedEncSig = encsig
			return m.transitionTo(MakerEncSigLearned)
		case <-ticker.C:
			if m.cancelExpired(ctx) {
				cancelRecv()
				return m.transitionTo(MakerCancelTimelockExpired)
			}
		}
	}
}

func (m *Maker) redeem(ctx context.Context) error {
	takerSig, err := crypto.DecryptSignature(m.keys.Share.Secp(), m.receivedEncSig)
	if err != nil {
		return fmt.Errorf("failed to decrypt taker signature: %w", err)
	}
	signed, err := m.family.Redeem.CompleteAsMaker(m.keys.SecpKey, takerSig)
	if err != nil {
		return err
	}
	if err := m.transitionTo(MakerBtcRedeemPublished); err != nil {
		return err
	}
	if _, err := m.btc.Broadcast(ctx, signed, "redeem"); err != nil {
		return fmt.Errorf("failed to broadcast redeem: %w", err)
	}
	return nil
}

func (m *Maker) waitForRedeemFinality(ctx context.Context) error {
	sub, err := m.btc.Subscribe(ctx, m.family.Redeem)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilConfirmedWithDepth(ctx, m.env.BitcoinFinalityConfirmations); err != nil {
		return err
	}
	return m.transitionTo(MakerBtcRedeemed)
}

func (m *Maker) cancel(ctx context.Context) error {
	// The taker may have broadcast cancel first; a rejected duplicate is
	// fine as long as the transaction confirms.
	status, err := m.btc.StatusOfScript(ctx, m.family.Cancel)
	if err != nil {
		return err
	}
	if !status.Seen {
		takerSig, err := btcecdsa.ParseDERSignature(m.message4.TxCancelSig)
		if err != nil {
			return fmt.Errorf("%w: stored cancel signature corrupt", ErrInvalidState)
		}
		signed, err := m.family.Cancel.CompleteAsMaker(m.keys.SecpKey, takerSig)
		if err != nil {
			return err
		}
		if _, err := m.btc.Broadcast(ctx, signed, "cancel"); err != nil {
			m.log.Warn("cancel broadcast failed, waiting for taker's", "swap_id", m.params.SwapID, "err", err)
		}
	}
	sub, err := m.btc.Subscribe(ctx, m.family.Cancel)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilSeen(ctx); err != nil {
		return err
	}
	return m.transitionTo(MakerBtcCancelled)
}

// watchCancelTree waits for exactly one of: taker's refund, taker's
// partial refund, or the punish timelock.
func (m *Maker) watchCancelTree(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval())
	defer ticker.Stop()

	for {
		if m.family.Refund != nil {
			status, err := m.btc.StatusOfScript(ctx, m.family.Refund)
			if err != nil {
				return err
			}
			if status.Seen {
				return m.transitionTo(MakerBtcRefunded)
			}
		}
		if m.family.PartialRefund != nil {
			status, err := m.btc.StatusOfScript(ctx, m.family.PartialRefund)
			if err != nil {
				return err
			}
			if status.Seen {
				return m.transitionTo(MakerBtcPartiallyRefunded)
			}
		}
		epoch, err := m.currentEpoch(ctx)
		if err != nil {
			return err
		}
		if epoch.Epoch == bitcoin.EpochPunish {
			return m.transitionTo(MakerBtcPunishable)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// recoverXmr extracts the maker's own decrypted signature from the
// taker's confirmed refund, recovers the taker's Monero share from it,
// and sweeps the joint output back to the maker's wallet.
func (m *Maker) recoverXmr(ctx context.Context) error {
	var (
		watchable bitcoin.Watchable
		encsig    *crypto.EncryptedSignature
		digest    [32]byte
		err       error
	)
	if m.state == MakerBtcRefunded {
		watchable = m.family.Refund
		encsig = m.refundEncSig
		digest, err = m.family.Refund.Digest()
	} else {
		watchable = m.family.PartialRefund
		encsig = m.partialRefundEncSig
		digest, err = m.family.PartialRefund.Digest()
	}
	if err != nil {
		return err
	}
	if encsig == nil {
		return fmt.Errorf("%w: refund encsig not available", ErrInvalidState)
	}

	raw, err := m.btc.GetRawTransaction(ctx, watchable.Txid())
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: refund transaction disappeared", ErrInvalidState)
	}
	// The decrypted adaptor signature on the witness is the maker's own.
	sig, err := bitcoin.ExtractSignatureByKey(raw, m.keys.SecpKey.PubKey(), digest)
	if err != nil {
		return err
	}
	sb, err := crypto.RecoverFromSignature(m.taker.ShareSecp, sig, encsig)
	if err != nil {
		return fmt.Errorf("failed to recover taker share: %w", err)
	}

	takerShare := monero.NewPrivateSpendKey(crypto.ScalarToMonero(sb))
	jointSpend := m.keys.SpendShareEd().Add(takerShare)
	jointView := m.keys.View.Add(m.taker.View)

	if _, err := m.xmr.SweepJointOutput(ctx, jointSpend, jointView, m.moneroRestoreHeight, m.moneroRefundAddress); err != nil {
		return fmt.Errorf("failed to sweep monero: %w", err)
	}
	m.log.Info("monero refunded", "swap_id", m.params.SwapID)

	if m.state == MakerBtcPartiallyRefunded && m.burnOnRefund {
		return m.burnAmnestyBox(ctx)
	}
	return m.transitionTo(MakerXmrRefunded)
}

// burnAmnestyBox denies the amnesty box to the taker before the
// remaining-refund timelock matures.
func (m *Maker) burnAmnestyBox(ctx context.Context) error {
	epoch, err := m.currentEpoch(ctx)
	if err != nil {
		return err
	}
	if epoch.Epoch == bitcoin.EpochRemainingRefund {
		// Too late: the taker can already claim. Do not race it.
		if err := m.transitionTo(MakerRemainingRefundExpired); err != nil {
			return err
		}
		return m.transitionTo(MakerXmrRefunded)
	}

	takerSig, err := btcecdsa.ParseDERSignature(m.message4.TxRefundBurnSig)
	if err != nil {
		return fmt.Errorf("%w: stored burn signature corrupt", ErrInvalidState)
	}
	signed, err := m.family.RefundBurn.CompleteAsMaker(m.keys.SecpKey, takerSig)
	if err != nil {
		return err
	}
	if _, err := m.btc.Broadcast(ctx, signed, "refund_burn"); err != nil {
		return fmt.Errorf("failed to broadcast refund burn: %w", err)
	}
	sub, err := m.btc.Subscribe(ctx, m.family.RefundBurn)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilConfirmedWithDepth(ctx, m.env.BitcoinFinalityConfirmations); err != nil {
		return err
	}
	return m.transitionTo(MakerBtcRefundBurnConfirmed)
}

func (m *Maker) broadcastEarlyRefund(ctx context.Context) error {
	takerSig, err := btcecdsa.ParseDERSignature(m.message4.TxEarlyRefundSig)
	if err != nil {
		return fmt.Errorf("%w: stored early refund signature corrupt", ErrInvalidState)
	}
	signed, err := m.family.EarlyRefund.CompleteAsMaker(m.keys.SecpKey, takerSig)
	if err != nil {
		return err
	}
	if _, err := m.btc.Broadcast(ctx, signed, "early_refund"); err != nil {
		return fmt.Errorf("failed to broadcast early refund: %w", err)
	}
	sub, err := m.btc.Subscribe(ctx, m.family.EarlyRefund)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilSeen(ctx); err != nil {
		return err
	}
	return m.transitionTo(MakerBtcEarlyRefunded)
}

// AbortEarly voluntarily refunds the taker before the cancel tree opens.
// Legal while the lock is on-chain but the Monero side is not.
func (m *Maker) AbortEarly() error {
	switch m.state {
	case MakerBtcLockTransactionSeen, MakerBtcLocked:
		return m.transitionTo(MakerBtcEarlyRefundable)
	default:
		return fmt.Errorf("%w: early refund in state %s", ErrInvalidState, m.state)
	}
}

// punish claims the cancel output, unless a taker refund wins the race.
func (m *Maker) punish(ctx context.Context) error {
	takerSig, err := btcecdsa.ParseDERSignature(m.message4.TxPunishSig)
	if err != nil {
		return fmt.Errorf("%w: stored punish signature corrupt", ErrInvalidState)
	}
	signed, err := m.family.Punish.CompleteAsMaker(m.keys.SecpKey, takerSig)
	if err != nil {
		return err
	}
	if _, err := m.btc.Broadcast(ctx, signed, "punish"); err != nil {
		m.log.Warn("punish broadcast failed", "swap_id", m.params.SwapID, "err", err)
	}

	ticker := time.NewTicker(m.pollInterval())
	defer ticker.Stop()
	for {
		status, err := m.btc.StatusOfScript(ctx, m.family.Punish)
		if err != nil {
			return err
		}
		if status.IsConfirmedWithDepth(1) {
			return m.transitionTo(MakerBtcPunished)
		}
		if m.family.Refund != nil {
			s, err := m.btc.StatusOfScript(ctx, m.family.Refund)
			if err != nil {
				return err
			}
			if s.IsConfirmedWithDepth(1) {
				return m.transitionTo(MakerBtcRefunded)
			}
		}
		if m.family.PartialRefund != nil {
			s, err := m.btc.StatusOfScript(ctx, m.family.PartialRefund)
			if err != nil {
				return err
			}
			if s.IsConfirmedWithDepth(1) {
				return m.transitionTo(MakerBtcPartiallyRefunded)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// confirmMercy finishes a restart that died between granting mercy and
// seeing it confirm.
func (m *Maker) confirmMercy(ctx context.Context) error {
	sub, err := m.btc.Subscribe(ctx, m.family.FinalAmnesty)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilConfirmedWithDepth(ctx, m.env.BitcoinFinalityConfirmations); err != nil {
		return err
	}
	return m.transitionTo(MakerBtcMercyConfirmed)
}
