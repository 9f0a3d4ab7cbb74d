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

// Run drives the machine from its current state to a terminal one. It is
// called once after Setup succeeds, or on restart with a restored state.
func (t *Taker) Run(ctx context.Context) error {
	for !t.state.IsTerminal() {
		var err error
		switch t.state {
		case TakerStarted:
			// Setup never completed; nothing was broadcast.
			err = t.transitionTo(TakerSafelyAborted)
		case TakerSwapSetupCompleted:
			err = t.broadcastLock(ctx)
		case TakerBtcLocked, TakerXmrLockProofReceived:
			err = t.waitForXmrLock(ctx)
		case TakerXmrLocked:
			err = t.sendEncSig(ctx)
		case TakerEncSigSent:
			err = t.watchRedeem(ctx)
		case TakerBtcRedeemed:
			err = t.claimXmr(ctx)
		case TakerCancelTimelockExpired:
			err = t.cancel(ctx)
		case TakerBtcCancelled:
			err = t.refund(ctx)
		case TakerBtcPartiallyRefunded:
			err = t.watchAmnestyTree(ctx)
		case TakerRemainingRefundExpired:
			err = t.claimAmnesty(ctx)
		case TakerBtcPunished:
			err = t.requestCooperativeRedeem(ctx)
		case TakerCooperativeRedeemAccepted:
			err = t.claimXmrCooperative(ctx)
		default:
			return fmt.Errorf("%w: %s", ErrInvalidState, t.state)
		}
		if err != nil {
			return err
		}
	}
	t.log.Info("swap finished", "swap_id", t.params.SwapID, "state", t.state)
	return nil
}

func (t *Taker) pollInterval() time.Duration {
	if t.poll > 0 {
		return t.poll
	}
	return defaultPollInterval
}

// currentEpoch evaluates the timelock graph against the chain.
func (t *Taker) currentEpoch(ctx context.Context) (bitcoin.ExpiredTimelocks, error) {
	lockStatus, err := t.btc.StatusOfScript(ctx, t.family.Lock)
	if err != nil {
		return bitcoin.ExpiredTimelocks{}, err
	}
	cancelStatus, err := t.btc.StatusOfScript(ctx, t.family.Cancel)
	if err != nil {
		return bitcoin.ExpiredTimelocks{}, err
	}
	var partialStatus *bitcoin.ScriptStatus
	if t.family.PartialRefund != nil {
		s, err := t.btc.StatusOfScript(ctx, t.family.PartialRefund)
		if err != nil {
			return bitcoin.ExpiredTimelocks{}, err
		}
		partialStatus = &s
	}
	return bitcoin.CurrentEpoch(
		t.params.CancelTimelock, t.params.PunishTimelock, t.params.RemainingRefundTimelock,
		lockStatus, cancelStatus, partialStatus,
	), nil
}

// cancelExpired reports whether the happy path is no longer safe.
func (t *Taker) cancelExpired(ctx context.Context) bool {
	epoch, err := t.currentEpoch(ctx)
	if err != nil {
		return false
	}
	return epoch.Epoch != bitcoin.EpochNone
}

func (t *Taker) broadcastLock(ctx context.Context) error {
	if t.family == nil {
		return t.transitionTo(TakerSafelyAborted)
	}

	// The Monero restore height is pinned before the lock goes out: the
	// maker cannot have locked XMR earlier than this.
	height, err := t.xmr.Height(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch monero height: %w", err)
	}
	t.moneroRestoreHeight = height

	if _, err := t.btc.Broadcast(ctx, t.family.Lock.Tx(), "lock"); err != nil {
		// A rejected rebroadcast after restart is fine if the transaction
		// is already known.
		status, statusErr := t.btc.StatusOfScript(ctx, t.family.Lock)
		if statusErr != nil || !status.Seen {
			return fmt.Errorf("failed to broadcast lock: %w", err)
		}
	}
	sub, err := t.btc.Subscribe(ctx, t.family.Lock)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilConfirmedWithDepth(ctx, t.env.BitcoinFinalityConfirmations); err != nil {
		return err
	}
	return t.transitionTo(TakerBtcLocked)
}

// waitForXmrLock scans the chain for the Monero lock by view pair. The
// maker's transfer proof only marks progress; detection never depends on
// it. A lock of the wrong amount is never accepted: the taker sits out
// the cancel timelock and refunds.
func (t *Taker) waitForXmrLock(ctx context.Context) error {
	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()

	pair := JointViewPair(t.keys.Share, t.keys.View, t.maker)

	type scanResult struct {
		proof *monero.TransferProof
		err   error
	}
	scanCh := make(chan scanResult, 1)
	go func() {
		proof, err := t.xmr.WatchForLockTransfer(scanCtx, pair, t.params.XMR, t.moneroRestoreHeight, t.env.MoneroFinalityConfirmations)
		scanCh <- scanResult{proof, err}
	}()

	proofCh := make(chan TransferProofRequest, 1)
	if t.state == TakerBtcLocked {
		go func() {
			req, err := t.handle.ReceiveTransferProof(scanCtx)
			if err == nil {
				proofCh <- req
			}
		}()
	}

	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-proofCh:
			if req.SwapID != t.params.SwapID {
				continue
			}
			t.transferProof = &monero.TransferProof{TxHash: req.TxHash, TxKey: req.TxKey}
			if err := t.transitionTo(TakerXmrLockProofReceived); err != nil {
				return err
			}
		case r := <-scanCh:
			if r.err != nil {
				if errors.Is(r.err, monero.ErrLockAmountMismatch) {
					t.log.Warn("refusing monero lock", "swap_id", t.params.SwapID,
						"err", fmt.Errorf("%w: %s", ErrXmrAmountMismatch, r.err))
					return t.waitForCancelExpiry(ctx)
				}
				return fmt.Errorf("monero lock watch failed: %w", r.err)
			}
			t.transferProof = r.proof
			return t.transitionTo(TakerXmrLocked)
		case <-ticker.C:
			if t.cancelExpired(ctx) {
				return t.transitionTo(TakerCancelTimelockExpired)
			}
		}
	}
}

// waitForCancelExpiry blocks until the cancel timelock opens, then enters
// the refund branch.
func (t *Taker) waitForCancelExpiry(ctx context.Context) error {
	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()
	for {
		if t.cancelExpired(ctx) {
			return t.transitionTo(TakerCancelTimelockExpired)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// redeemEncSig returns the adaptor signature over the redeem sighash,
// recomputing it if needed. EncSign derives its nonce deterministically,
// so the recomputed signature matches the one sent before a restart.
func (t *Taker) redeemEncSig() (*crypto.EncryptedSignature, error) {
	if t.sentEncSig != nil {
		return t.sentEncSig, nil
	}
	digest, err := t.family.Redeem.Digest()
	if err != nil {
		return nil, err
	}
	encsig, err := crypto.EncSign(&t.keys.SecpKey.Key, t.maker.ShareSecp, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to encsign redeem: %w", err)
	}
	t.sentEncSig = encsig
	return encsig, nil
}

func (t *Taker) sendEncSig(ctx context.Context) error {
	encsig, err := t.redeemEncSig()
	if err != nil {
		return err
	}
	req := EncryptedSignatureRequest{
		SwapID: t.params.SwapID,
		EncSig: encsig.Serialize(),
	}
	err = retryWithBackoff(ctx, ProtocolBackoffInitial, ProtocolBackoffMax,
		func() bool { return t.cancelExpired(ctx) },
		func() error { return t.handle.SendEncryptedSignature(ctx, req) },
	)
	if errors.Is(err, errPreempted) {
		return t.transitionTo(TakerCancelTimelockExpired)
	}
	if err != nil {
		return err
	}
	return t.transitionTo(TakerEncSigSent)
}

// watchRedeem waits for the maker's redeem, or for the cancel timelock.
func (t *Taker) watchRedeem(ctx context.Context) error {
	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()
	for {
		status, err := t.btc.StatusOfScript(ctx, t.family.Redeem)
		if err != nil {
			return err
		}
		if status.Seen {
			return t.transitionTo(TakerBtcRedeemed)
		}
		if t.cancelExpired(ctx) {
			return t.transitionTo(TakerCancelTimelockExpired)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// claimXmr extracts the taker's own decrypted signature from the maker's
// redeem, recovers the maker's Monero share from it, and sweeps the joint
// output to the taker's wallet.
func (t *Taker) claimXmr(ctx context.Context) error {
	digest, err := t.family.Redeem.Digest()
	if err != nil {
		return err
	}
	encsig, err := t.redeemEncSig()
	if err != nil {
		return err
	}

	raw, err := t.btc.GetRawTransaction(ctx, t.family.Redeem.Txid())
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: redeem transaction disappeared", ErrInvalidState)
	}
	// The decrypted adaptor signature on the witness is the taker's own.
	sig, err := bitcoin.ExtractSignatureByKey(raw, t.keys.SecpKey.PubKey(), digest)
	if err != nil {
		return err
	}
	sa, err := crypto.RecoverFromSignature(t.maker.ShareSecp, sig, encsig)
	if err != nil {
		return fmt.Errorf("failed to recover maker share: %w", err)
	}

	makerShare := monero.NewPrivateSpendKey(crypto.ScalarToMonero(sa))
	return t.sweepJoint(ctx, makerShare, TakerXmrRedeemed)
}

// sweepJoint assembles the joint spend key from both shares and sweeps
// the lock output to the taker's receive address.
func (t *Taker) sweepJoint(ctx context.Context, makerShare *monero.PrivateSpendKey, next TakerState) error {
	jointSpend := t.keys.SpendShareEd().Add(makerShare)
	jointView := t.keys.View.Add(t.maker.View)

	if _, err := t.xmr.SweepJointOutput(ctx, jointSpend, jointView, t.moneroRestoreHeight, t.moneroReceiveAddress); err != nil {
		return fmt.Errorf("failed to sweep monero: %w", err)
	}
	t.log.Info("monero redeemed", "swap_id", t.params.SwapID)
	return t.transitionTo(next)
}

func (t *Taker) cancel(ctx context.Context) error {
	// The maker's redeem may have landed just before the timelock opened.
	status, err := t.btc.StatusOfScript(ctx, t.family.Redeem)
	if err != nil {
		return err
	}
	if status.Seen {
		return t.transitionTo(TakerBtcRedeemed)
	}

	cancelStatus, err := t.btc.StatusOfScript(ctx, t.family.Cancel)
	if err != nil {
		return err
	}
	if !cancelStatus.Seen {
		makerSig, err := btcecdsa.ParseDERSignature(t.message3.TxCancelSig)
		if err != nil {
			return fmt.Errorf("%w: stored cancel signature corrupt", ErrInvalidState)
		}
		signed, err := t.family.Cancel.CompleteAsTaker(t.keys.SecpKey, makerSig)
		if err != nil {
			return err
		}
		if _, err := t.btc.Broadcast(ctx, signed, "cancel"); err != nil {
			t.log.Warn("cancel broadcast failed, waiting for maker's", "swap_id", t.params.SwapID, "err", err)
		}
	}

	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()
	for {
		status, err := t.btc.StatusOfScript(ctx, t.family.Cancel)
		if err != nil {
			return err
		}
		if status.Seen {
			return t.transitionTo(TakerBtcCancelled)
		}
		redeemStatus, err := t.btc.StatusOfScript(ctx, t.family.Redeem)
		if err != nil {
			return err
		}
		if redeemStatus.Seen {
			return t.transitionTo(TakerBtcRedeemed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// refund publishes the refund branch the setup agreed on. Decrypting the
// maker's encsig and broadcasting the result leaks the taker's Monero
// share to the maker; that is the refund's price.
func (t *Taker) refund(ctx context.Context) error {
	var (
		watchable bitcoin.Watchable
		next      TakerState
	)
	if t.params.UsesPartialRefund() {
		sigA, err := crypto.DecryptSignature(t.keys.Share.Secp(), t.partialRefundEncSig)
		if err != nil {
			return fmt.Errorf("failed to decrypt partial refund signature: %w", err)
		}
		signed, err := t.family.PartialRefund.CompleteAsTaker(t.keys.SecpKey, sigA)
		if err != nil {
			return err
		}
		if _, err := t.btc.Broadcast(ctx, signed, "partial_refund"); err != nil {
			t.log.Warn("partial refund broadcast failed", "swap_id", t.params.SwapID, "err", err)
		}
		watchable = t.family.PartialRefund
		next = TakerBtcPartiallyRefunded
	} else {
		sigA, err := crypto.DecryptSignature(t.keys.Share.Secp(), t.refundEncSig)
		if err != nil {
			return fmt.Errorf("failed to decrypt refund signature: %w", err)
		}
		signed, err := t.family.Refund.CompleteAsTaker(t.keys.SecpKey, sigA)
		if err != nil {
			return err
		}
		if _, err := t.btc.Broadcast(ctx, signed, "refund"); err != nil {
			t.log.Warn("refund broadcast failed", "swap_id", t.params.SwapID, "err", err)
		}
		watchable = t.family.Refund
		next = TakerBtcRefunded
	}

	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()
	for {
		status, err := t.btc.StatusOfScript(ctx, watchable)
		if err != nil {
			return err
		}
		if status.Seen {
			return t.transitionTo(next)
		}
		punishStatus, err := t.btc.StatusOfScript(ctx, t.family.Punish)
		if err != nil {
			return err
		}
		if punishStatus.IsConfirmedWithDepth(1) {
			return t.transitionTo(TakerBtcPunished)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// watchAmnestyTree waits for whichever comes first: the remaining-refund
// timelock, or the maker burning the amnesty box.
func (t *Taker) watchAmnestyTree(ctx context.Context) error {
	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()
	for {
		burnStatus, err := t.btc.StatusOfScript(ctx, t.family.RefundBurn)
		if err != nil {
			return err
		}
		if burnStatus.Seen {
			return t.transitionTo(TakerBtcRefundBurnt)
		}
		epoch, err := t.currentEpoch(ctx)
		if err != nil {
			return err
		}
		if epoch.Epoch == bitcoin.EpochRemainingRefund {
			return t.transitionTo(TakerRemainingRefundExpired)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// claimAmnesty publishes the timelocked amnesty claim, unless the maker's
// burn wins the race.
func (t *Taker) claimAmnesty(ctx context.Context) error {
	burnStatus, err := t.btc.StatusOfScript(ctx, t.family.RefundBurn)
	if err != nil {
		return err
	}
	if !burnStatus.Seen {
		makerSig, err := btcecdsa.ParseDERSignature(t.message3.RefundSignatures.AmnestySig)
		if err != nil {
			return fmt.Errorf("%w: stored amnesty signature corrupt", ErrInvalidState)
		}
		signed, err := t.family.RefundAmnesty.CompleteAsTaker(t.keys.SecpKey, makerSig)
		if err != nil {
			return err
		}
		if _, err := t.btc.Broadcast(ctx, signed, "refund_amnesty"); err != nil {
			t.log.Warn("amnesty broadcast failed", "swap_id", t.params.SwapID, "err", err)
		}
	}

	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()
	for {
		status, err := t.btc.StatusOfScript(ctx, t.family.RefundAmnesty)
		if err != nil {
			return err
		}
		if status.Seen {
			return t.transitionTo(TakerBtcAmnestyClaimed)
		}
		burnStatus, err := t.btc.StatusOfScript(ctx, t.family.RefundBurn)
		if err != nil {
			return err
		}
		if burnStatus.IsConfirmedWithDepth(1) {
			return t.transitionTo(TakerBtcRefundBurnt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// requestCooperativeRedeem asks the punishing maker to reveal its Monero
// share anyway. A rejection is definitive; transport failures retry.
func (t *Taker) requestCooperativeRedeem(ctx context.Context) error {
	var resp CooperativeRedeemResponse
	err := retryWithBackoff(ctx, ProtocolBackoffInitial, ProtocolBackoffMax, nil,
		func() error {
			r, err := t.handle.RequestCooperativeRedeem(ctx, CooperativeRedeemRequest{SwapID: t.params.SwapID})
			if err != nil {
				return err
			}
			resp = r
			return nil
		},
	)
	if err != nil {
		return err
	}

	if resp.Accepted == nil {
		reason := CoopRedeemRejectOther
		if resp.Rejected != nil {
			reason = resp.Rejected.Reason
		}
		t.log.Info("cooperative redeem rejected", "swap_id", t.params.SwapID, "reason", reason)
		return t.transitionTo(TakerCooperativeRedeemRejected)
	}

	// The revealed share is only trusted after it reproduces the maker's
	// announced public spend share.
	if len(resp.Accepted.SAKey) != 32 {
		return fmt.Errorf("%w: revealed share has %d bytes", ErrKeyMismatch, len(resp.Accepted.SAKey))
	}
	var le [32]byte
	copy(le[:], resp.Accepted.SAKey)
	scalar, err := crypto.CrossGroupScalarFromLittleEndian(le)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrKeyMismatch, err)
	}
	if !scalar.SecpPoint().IsEqual(t.maker.ShareSecp) {
		return ErrKeyMismatch
	}

	t.recoveredShare = monero.NewPrivateSpendKey(scalar.Ed())
	t.transferProof = &monero.TransferProof{TxHash: resp.Accepted.TxHash, TxKey: resp.Accepted.TxKey}
	return t.transitionTo(TakerCooperativeRedeemAccepted)
}

func (t *Taker) claimXmrCooperative(ctx context.Context) error {
	if t.recoveredShare == nil {
		return fmt.Errorf("%w: cooperative share not available", ErrInvalidState)
	}
	return t.sweepJoint(ctx, t.recoveredShare, TakerXmrRedeemed)
}

// WatchForMercy waits for the maker's voluntary final amnesty after a
// burn. Callers run it outside the main loop; it may never return.
func (t *Taker) WatchForMercy(ctx context.Context) error {
	if t.state != TakerBtcRefundBurnt {
		return fmt.Errorf("%w: mercy watch in state %s", ErrInvalidState, t.state)
	}
	sub, err := t.btc.Subscribe(ctx, t.family.FinalAmnesty)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilSeen(ctx); err != nil {
		return err
	}
	t.log.Info("maker granted mercy", "swap_id", t.params.SwapID)
	return t.transitionTo(TakerBtcMercyConfirmed)
}
