package swap

import (
	"context"
	"fmt"
	"time"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/klingon-exchange/xmrbtc/internal/bitcoin"
	"github.com/klingon-exchange/xmrbtc/internal/crypto"
	"github.com/klingon-exchange/xmrbtc/internal/monero"
	"github.com/klingon-exchange/xmrbtc/pkg/logging"
)

// TakerState is the taker's position in the swap.
type TakerState string

const (
	TakerStarted                   TakerState = "started"
	TakerSwapSetupCompleted        TakerState = "swap_setup_completed"
	TakerBtcLocked                 TakerState = "btc_locked"
	TakerXmrLockProofReceived      TakerState = "xmr_lock_proof_received"
	TakerXmrLocked                 TakerState = "xmr_locked"
	TakerEncSigSent                TakerState = "encsig_sent"
	TakerBtcRedeemed               TakerState = "btc_redeemed"
	TakerXmrRedeemed               TakerState = "xmr_redeemed"
	TakerCancelTimelockExpired     TakerState = "cancel_timelock_expired"
	TakerBtcCancelled              TakerState = "btc_cancelled"
	TakerBtcRefunded               TakerState = "btc_refunded"
	TakerBtcPartiallyRefunded      TakerState = "btc_partially_refunded"
	TakerRemainingRefundExpired    TakerState = "remaining_refund_timelock_expired"
	TakerBtcAmnestyClaimed         TakerState = "btc_amnesty_claimed"
	TakerBtcRefundBurnt            TakerState = "btc_refund_burnt"
	TakerBtcMercyConfirmed         TakerState = "btc_mercy_confirmed"
	TakerBtcPunished               TakerState = "btc_punished"
	TakerCooperativeRedeemAccepted TakerState = "cooperative_redeem_accepted"
	TakerCooperativeRedeemRejected TakerState = "cooperative_redeem_rejected"
	TakerSafelyAborted             TakerState = "safely_aborted"
)

// takerTransitions enumerates the legal taker transitions.
var takerTransitions = map[TakerState][]TakerState{
	TakerStarted:                   {TakerSwapSetupCompleted, TakerSafelyAborted},
	TakerSwapSetupCompleted:        {TakerBtcLocked, TakerSafelyAborted},
	TakerBtcLocked:                 {TakerXmrLockProofReceived, TakerXmrLocked, TakerCancelTimelockExpired},
	TakerXmrLockProofReceived:      {TakerXmrLocked, TakerCancelTimelockExpired},
	TakerXmrLocked:                 {TakerEncSigSent, TakerCancelTimelockExpired},
	TakerEncSigSent:                {TakerBtcRedeemed, TakerCancelTimelockExpired},
	TakerBtcRedeemed:               {TakerXmrRedeemed},
	TakerCancelTimelockExpired:     {TakerBtcCancelled, TakerBtcRedeemed},
	TakerBtcCancelled:              {TakerBtcRefunded, TakerBtcPartiallyRefunded, TakerBtcPunished},
	TakerBtcPartiallyRefunded:      {TakerRemainingRefundExpired, TakerBtcRefundBurnt},
	TakerRemainingRefundExpired:    {TakerBtcAmnestyClaimed, TakerBtcRefundBurnt},
	TakerBtcRefundBurnt:            {TakerBtcMercyConfirmed},
	TakerBtcPunished:               {TakerCooperativeRedeemAccepted, TakerCooperativeRedeemRejected},
	TakerCooperativeRedeemAccepted: {TakerXmrRedeemed},
	TakerXmrRedeemed:               {},
	TakerBtcRefunded:               {},
	TakerBtcAmnestyClaimed:         {},
	TakerBtcMercyConfirmed:         {},
	TakerCooperativeRedeemRejected: {},
	TakerSafelyAborted:             {},
}

// IsTerminal reports whether the state admits no further transitions
// without outside help. BtcRefundBurnt is terminal for the run loop: only
// the maker's voluntary mercy can move it, which WatchForMercy picks up.
func (s TakerState) IsTerminal() bool {
	switch s {
	case TakerXmrRedeemed, TakerBtcRefunded, TakerBtcAmnestyClaimed,
		TakerBtcRefundBurnt, TakerBtcMercyConfirmed,
		TakerCooperativeRedeemRejected, TakerSafelyAborted:
		return true
	default:
		return false
	}
}

// TakerConfig wires a taker machine.
type TakerConfig struct {
	Env           Env
	Database      Database
	BitcoinWallet bitcoin.Wallet
	MoneroWallet  monero.Wallet
	EventHandle   TakerEventHandle

	// MoneroReceiveAddress receives the bought XMR.
	MoneroReceiveAddress monero.Address

	// PollInterval overrides the chain polling cadence. Zero means the
	// default of roughly once per block.
	PollInterval time.Duration

	Logger *logging.Logger
}

// Taker drives the BTC-selling side of one swap.
type Taker struct {
	log    *logging.Logger
	db     Database
	btc    bitcoin.Wallet
	xmr    monero.Wallet
	env    Env
	handle TakerEventHandle

	moneroReceiveAddress monero.Address
	poll                 time.Duration

	state  TakerState
	params Params
	keys   *KeyMaterial
	maker  *CounterpartyKeys
	family *TxFamily

	lockTxRaw []byte
	message3  *Message3

	// The maker's refund-path encsigs from Message3, and the encsig the
	// taker sent over the redeem sighash. Publishing a refund leaks the
	// taker's share through the former; the maker redeeming leaks its
	// share through the latter.
	refundEncSig        *crypto.EncryptedSignature
	partialRefundEncSig *crypto.EncryptedSignature
	sentEncSig          *crypto.EncryptedSignature

	transferProof       *monero.TransferProof
	moneroRestoreHeight monero.BlockHeight
	recoveredShare      *monero.PrivateSpendKey
}

// NewTaker creates a taker in Started with fresh key material.
func NewTaker(cfg TakerConfig) (*Taker, error) {
	keys, err := NewKeyMaterial()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Component("taker")
	}
	return &Taker{
		log:                  log,
		db:                   cfg.Database,
		btc:                  cfg.BitcoinWallet,
		xmr:                  cfg.MoneroWallet,
		env:                  cfg.Env,
		handle:               cfg.EventHandle,
		moneroReceiveAddress: cfg.MoneroReceiveAddress,
		poll:                 cfg.PollInterval,
		state:                TakerStarted,
		keys:                 keys,
	}, nil
}

// State returns the current state.
func (t *Taker) State() TakerState { return t.state }

// SwapID returns the swap id, zero before setup.
func (t *Taker) SwapID() uuid.UUID { return t.params.SwapID }

// transitionTo validates the transition, persists the new state, then
// commits it.
func (t *Taker) transitionTo(next TakerState) error {
	legal, ok := takerTransitions[t.state]
	if !ok {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidState, t.state)
	}
	allowed := false
	for _, s := range legal {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, next)
	}

	prev := t.state
	t.state = next
	blob, err := t.record()
	if err != nil {
		t.state = prev
		return err
	}
	if err := t.db.InsertLatestState(t.params.SwapID, RoleTaker, string(next), blob); err != nil {
		t.state = prev
		return fmt.Errorf("failed to persist state %s: %w", next, err)
	}
	t.log.Info("state transition", "swap_id", t.params.SwapID, "from", prev, "to", next)
	return nil
}

// Setup runs the whole swap-setup handshake against the maker: spot
// price, key exchange, lock construction, refund signatures and the
// presign set. Nothing is broadcast; a failure at any point aborts with
// no coins at risk. The exchange is bounded by SetupTimeout.
func (t *Taker) Setup(ctx context.Context, setup SetupHandle, btc btcutil.Amount) error {
	if t.state != TakerStarted {
		return fmt.Errorf("%w: setup in state %s", ErrInvalidState, t.state)
	}
	ctx, cancel := context.WithTimeout(ctx, SetupTimeout)
	defer cancel()

	network := BlockchainNetwork{
		Bitcoin: t.env.BitcoinNetwork.Name,
		Monero:  string(t.env.MoneroNetwork),
	}
	priceResp, err := setup.RequestSpotPrice(ctx, SpotPriceRequest{BTC: uint64(btc), BlockchainNetwork: network})
	if err != nil {
		return fmt.Errorf("spot price request failed: %w", err)
	}
	if priceResp.Error != nil {
		return fmt.Errorf("maker rejected swap: %w", priceResp.Error)
	}
	if priceResp.XMR == nil {
		return fmt.Errorf("%w: spot price response carries neither amount nor error", ErrInvalidMessage)
	}
	xmr := monero.Amount(*priceResp.XMR)

	refundAddr, err := t.btc.NewAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to derive refund address: %w", err)
	}

	fees := FeeSet{
		Redeem:        t.estimateFee(bitcoin.TxSpendWeight),
		Cancel:        t.estimateFee(bitcoin.TxSpendWeight),
		Refund:        t.estimateFee(bitcoin.TxSpendWeight),
		PartialRefund: t.estimateFee(bitcoin.TxSpendWeight),
		RefundAmnesty: t.estimateFee(bitcoin.TxSpendWeight),
	}

	swapID := uuid.New()
	msg1, err := setup.SendMessage0(ctx, Message0{
		SwapID:             swapID,
		B:                  t.keys.SecpKey.PubKey().SerializeCompressed(),
		SBSecp:             t.keys.Share.SecpPoint().SerializeCompressed(),
		SBEd:               monero.PublicKeyFromPoint(t.keys.Share.EdPoint()).Bytes(),
		DleqProof:          t.keys.Proof.Serialize(),
		VB:                 t.keys.View.Bytes(),
		RefundAddress:      refundAddr.EncodeAddress(),
		TxRedeemFee:        uint64(fees.Redeem),
		TxCancelFee:        uint64(fees.Cancel),
		TxRefundFee:        uint64(fees.Refund),
		TxPartialRefundFee: uint64(fees.PartialRefund),
		TxRefundAmnestyFee: uint64(fees.RefundAmnesty),
	})
	if err != nil {
		return fmt.Errorf("message0 exchange failed: %w", err)
	}

	maker, err := parseCounterpartyKeys(msg1.A, msg1.SASecp, msg1.SAEd, msg1.DleqProof, msg1.VA)
	if err != nil {
		return err
	}
	redeemAddr, err := btcutil.DecodeAddress(msg1.RedeemAddress, t.env.BitcoinNetwork)
	if err != nil {
		return fmt.Errorf("%w: bad redeem address: %s", ErrInvalidMessage, err)
	}
	punishAddr, err := btcutil.DecodeAddress(msg1.PunishAddress, t.env.BitcoinNetwork)
	if err != nil {
		return fmt.Errorf("%w: bad punish address: %s", ErrInvalidMessage, err)
	}

	fees.Punish = btcutil.Amount(msg1.TxPunishFee)
	fees.RefundBurn = btcutil.Amount(msg1.TxRefundBurnFee)
	fees.FinalAmnesty = btcutil.Amount(msg1.TxFinalAmnestyFee)
	fees.EarlyRefund = btcutil.Amount(msg1.TxEarlyRefundFee)

	// The taker enforces the same anti-spam bounds as the maker: a deposit
	// demand above the accepted ratio is a setup failure, not a negotiation.
	amnesty := btcutil.Amount(msg1.AmnestyAmount)
	if amnesty > 0 {
		if err := SanityCheckAmnestyAmount(amnesty, btc, fees.DependentTxFees()); err != nil {
			return err
		}
	}

	params := Params{
		SwapID:                  swapID,
		BTC:                     btc,
		XMR:                     xmr,
		Amnesty:                 amnesty,
		CancelTimelock:          t.env.CancelTimelock,
		PunishTimelock:          t.env.PunishTimelock,
		RemainingRefundTimelock: t.env.RemainingRefundTimelock,
		RefundAddress:           refundAddr,
		RedeemAddress:           redeemAddr,
		PunishAddress:           punishAddr,
		Fees:                    fees,
	}

	lock, err := bitcoin.NewTxLockFromWallet(ctx, t.btc, maker.PublicKey, t.keys.SecpKey.PubKey(), btc, t.estimateFee(bitcoin.TxLockWeight))
	if err != nil {
		return fmt.Errorf("failed to build lock transaction: %w", err)
	}
	family, err := DeriveTxFamily(lock, maker.PublicKey, t.keys.SecpKey.PubKey(), params)
	if err != nil {
		return fmt.Errorf("failed to derive transaction family: %w", err)
	}

	lockRaw, err := EncodeLockTx(lock.Tx())
	if err != nil {
		return err
	}
	msg3, err := setup.SendMessage2(ctx, Message2{TxLock: lockRaw})
	if err != nil {
		return fmt.Errorf("message2 exchange failed: %w", err)
	}
	if err := t.verifyMessage3(&msg3, maker, family, amnesty); err != nil {
		return err
	}

	msg4, err := t.signMessage4(family, amnesty)
	if err != nil {
		return err
	}
	if err := setup.SendMessage4(ctx, msg4); err != nil {
		return fmt.Errorf("message4 exchange failed: %w", err)
	}

	t.params = params
	t.maker = maker
	t.family = family
	t.lockTxRaw = lockRaw
	t.message3 = &msg3
	t.log.Info("setup complete", "swap_id", swapID, "btc", btc, "xmr", xmr, "amnesty", amnesty)
	return t.transitionTo(TakerSwapSetupCompleted)
}

// verifyMessage3 checks every maker signature before the taker commits to
// broadcasting the lock. An encrypted signature that does not verify now
// would strand the taker's BTC later.
func (t *Taker) verifyMessage3(msg *Message3, maker *CounterpartyKeys, family *TxFamily, amnesty btcutil.Amount) error {
	cancelDigest, err := family.Cancel.Digest()
	if err != nil {
		return err
	}
	cancelSig, err := btcecdsa.ParseDERSignature(msg.TxCancelSig)
	if err != nil {
		return fmt.Errorf("%w: bad cancel signature: %s", ErrInvalidMessage, err)
	}
	if !bitcoin.VerifyDigestSignature(maker.PublicKey, cancelSig, cancelDigest) {
		return fmt.Errorf("%w: cancel signature does not verify", ErrInvalidMessage)
	}

	if err := msg.RefundSignatures.Validate(amnesty); err != nil {
		return err
	}

	if amnesty == 0 {
		refundDigest, err := family.Refund.Digest()
		if err != nil {
			return err
		}
		encsig, err := crypto.ParseEncryptedSignature(msg.RefundSignatures.FullEncSig)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidMessage, err)
		}
		if err := crypto.VerifyEncSig(maker.PublicKey, t.keys.Share.SecpPoint(), refundDigest, encsig); err != nil {
			return fmt.Errorf("maker refund signature: %w", err)
		}
		t.refundEncSig = encsig
		return nil
	}

	partialDigest, err := family.PartialRefund.Digest()
	if err != nil {
		return err
	}
	encsig, err := crypto.ParseEncryptedSignature(msg.RefundSignatures.PartialEncSig)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}
	if err := crypto.VerifyEncSig(maker.PublicKey, t.keys.Share.SecpPoint(), partialDigest, encsig); err != nil {
		return fmt.Errorf("maker partial refund signature: %w", err)
	}

	amnestyDigest, err := family.RefundAmnesty.Digest()
	if err != nil {
		return err
	}
	amnestySig, err := btcecdsa.ParseDERSignature(msg.RefundSignatures.AmnestySig)
	if err != nil {
		return fmt.Errorf("%w: bad amnesty signature: %s", ErrInvalidMessage, err)
	}
	if !bitcoin.VerifyDigestSignature(maker.PublicKey, amnestySig, amnestyDigest) {
		return fmt.Errorf("%w: amnesty signature does not verify", ErrInvalidMessage)
	}
	t.partialRefundEncSig = encsig
	return nil
}

// signMessage4 presigns every maker-side recovery branch.
func (t *Taker) signMessage4(family *TxFamily, amnesty btcutil.Amount) (Message4, error) {
	cancelDigest, err := family.Cancel.Digest()
	if err != nil {
		return Message4{}, err
	}
	punishDigest, err := family.Punish.Digest()
	if err != nil {
		return Message4{}, err
	}
	earlyDigest, err := family.EarlyRefund.Digest()
	if err != nil {
		return Message4{}, err
	}
	msg := Message4{
		TxCancelSig:      bitcoin.SignDigest(t.keys.SecpKey, cancelDigest).Serialize(),
		TxPunishSig:      bitcoin.SignDigest(t.keys.SecpKey, punishDigest).Serialize(),
		TxEarlyRefundSig: bitcoin.SignDigest(t.keys.SecpKey, earlyDigest).Serialize(),
	}
	if amnesty > 0 {
		burnDigest, err := family.RefundBurn.Digest()
		if err != nil {
			return Message4{}, err
		}
		finalDigest, err := family.FinalAmnesty.Digest()
		if err != nil {
			return Message4{}, err
		}
		msg.TxRefundBurnSig = bitcoin.SignDigest(t.keys.SecpKey, burnDigest).Serialize()
		msg.TxFinalAmnestySig = bitcoin.SignDigest(t.keys.SecpKey, finalDigest).Serialize()
	}
	return msg, nil
}

// Abort marks the swap safely aborted. Legal only before the lock is
// broadcast.
func (t *Taker) Abort() error {
	switch t.state {
	case TakerStarted, TakerSwapSetupCompleted:
		return t.transitionTo(TakerSafelyAborted)
	default:
		return fmt.Errorf("%w: abort in state %s", ErrInvalidState, t.state)
	}
}

// estimateFee sizes a fee from a declared weight at a conservative rate.
func (t *Taker) estimateFee(weightWU int64) btcutil.Amount {
	const satPerVByte = 2
	return btcutil.Amount((weightWU + 3) / 4 * satPerVByte)
}
