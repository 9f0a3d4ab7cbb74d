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

// MakerState is the maker's position in the swap.
type MakerState string

const (
	MakerStarted                  MakerState = "started"
	MakerBtcLockTransactionSeen   MakerState = "btc_lock_transaction_seen"
	MakerBtcLocked                MakerState = "btc_locked"
	MakerXmrLockTransactionSent   MakerState = "xmr_lock_transaction_sent"
	MakerXmrLocked                MakerState = "xmr_locked"
	MakerXmrLockTransferProofSent MakerState = "xmr_lock_transfer_proof_sent"
	MakerEncSigLearned            MakerState = "encsig_learned"
	MakerBtcRedeemPublished       MakerState = "btc_redeem_transaction_published"
	MakerBtcRedeemed              MakerState = "btc_redeemed"
	MakerCancelTimelockExpired    MakerState = "cancel_timelock_expired"
	MakerBtcCancelled             MakerState = "btc_cancelled"
	MakerBtcRefunded              MakerState = "btc_refunded"
	MakerBtcPartiallyRefunded     MakerState = "btc_partially_refunded"
	MakerBtcRefundBurnConfirmed   MakerState = "btc_refund_burn_confirmed"
	MakerBtcMercyGranted          MakerState = "btc_mercy_granted"
	MakerBtcMercyConfirmed        MakerState = "btc_mercy_confirmed"
	MakerRemainingRefundExpired   MakerState = "remaining_refund_timelock_expired"
	MakerXmrRefunded              MakerState = "xmr_refunded"
	MakerBtcEarlyRefundable       MakerState = "btc_early_refundable"
	MakerBtcEarlyRefunded         MakerState = "btc_early_refunded"
	MakerBtcPunishable            MakerState = "btc_punishable"
	MakerBtcPunished              MakerState = "btc_punished"
	MakerSafelyAborted            MakerState = "safely_aborted"
)

// makerTransitions enumerates the legal maker transitions. Anything not
// listed is illegal and rejected.
var makerTransitions = map[MakerState][]MakerState{
	MakerStarted:                  {MakerBtcLockTransactionSeen, MakerSafelyAborted},
	MakerBtcLockTransactionSeen:   {MakerBtcLocked, MakerCancelTimelockExpired, MakerBtcEarlyRefundable},
	MakerBtcLocked:                {MakerXmrLockTransactionSent, MakerCancelTimelockExpired, MakerBtcEarlyRefundable},
	MakerXmrLockTransactionSent:   {MakerXmrLocked, MakerCancelTimelockExpired},
	MakerXmrLocked:                {MakerXmrLockTransferProofSent, MakerCancelTimelockExpired},
	MakerXmrLockTransferProofSent: {MakerEncSigLearned, MakerCancelTimelockExpired},
	MakerEncSigLearned:            {MakerBtcRedeemPublished, MakerCancelTimelockExpired},
	MakerBtcRedeemPublished:       {MakerBtcRedeemed},
	MakerCancelTimelockExpired:    {MakerBtcCancelled},
	MakerBtcCancelled:             {MakerBtcRefunded, MakerBtcPartiallyRefunded, MakerBtcPunishable},
	MakerBtcRefunded:              {MakerXmrRefunded},
	MakerBtcPartiallyRefunded:     {MakerBtcRefundBurnConfirmed, MakerRemainingRefundExpired, MakerXmrRefunded},
	MakerBtcRefundBurnConfirmed:   {MakerBtcMercyGranted, MakerXmrRefunded},
	MakerBtcMercyGranted:          {MakerBtcMercyConfirmed},
	MakerRemainingRefundExpired:   {MakerXmrRefunded},
	MakerBtcEarlyRefundable:       {MakerBtcEarlyRefunded, MakerCancelTimelockExpired},
	MakerBtcPunishable:            {MakerBtcPunished, MakerBtcRefunded, MakerBtcPartiallyRefunded},
	MakerBtcRedeemed:              {},
	MakerXmrRefunded:              {},
	MakerBtcMercyConfirmed:        {},
	MakerBtcEarlyRefunded:         {},
	MakerBtcPunished:              {},
	MakerSafelyAborted:            {},
}

// IsTerminal reports whether the state admits no further transitions
// without operator intervention.
func (s MakerState) IsTerminal() bool {
	switch s {
	case MakerBtcRedeemed, MakerXmrRefunded, MakerBtcMercyConfirmed,
		MakerBtcEarlyRefunded, MakerBtcPunished, MakerSafelyAborted,
		MakerBtcRefundBurnConfirmed:
		return true
	default:
		return false
	}
}

// RateSource provides the current exchange rate, in piconero per whole
// BTC.
type RateSource interface {
	LatestRate() (monero.Amount, error)
}

// QuotePolicy is the maker's standing offer policy, applied to every
// incoming quote and spot-price request.
type QuotePolicy struct {
	Rates        RateSource
	MinQuantity  btcutil.Amount
	MaxQuantity  btcutil.Amount
	DepositRatio float64

	// MinFeeFloor is the lower bound on the anti-spam deposit regardless
	// of the deposit ratio, so the amnesty box always covers the fees of
	// the transactions hanging off it.
	MinFeeFloor btcutil.Amount

	// Balance reports the spendable XMR balance, used to refuse swaps
	// the maker cannot fund.
	Balance func(ctx context.Context) (monero.Amount, error)
}

// Quote renders the standing offer.
func (p QuotePolicy) Quote() (BidQuote, error) {
	rate, err := p.Rates.LatestRate()
	if err != nil {
		return BidQuote{}, fmt.Errorf("failed to fetch rate: %w", err)
	}
	return BidQuote{
		Price:       uint64(rate),
		MinQuantity: uint64(p.MinQuantity),
		MaxQuantity: uint64(p.MaxQuantity),
	}, nil
}

// SpotPrice prices a concrete buy request. A non-nil SpotPriceError is a
// typed protocol rejection, not an internal failure.
func (p QuotePolicy) SpotPrice(ctx context.Context, btc btcutil.Amount) (monero.Amount, *SpotPriceError) {
	if btc < p.MinQuantity {
		return 0, &SpotPriceError{Kind: SpotPriceErrAmountBelowMinimum, Min: uint64(p.MinQuantity), Buy: uint64(btc)}
	}
	if p.MaxQuantity > 0 && btc > p.MaxQuantity {
		return 0, &SpotPriceError{Kind: SpotPriceErrAmountAboveMaximum, Max: uint64(p.MaxQuantity), Buy: uint64(btc)}
	}
	rate, err := p.Rates.LatestRate()
	if err != nil {
		return 0, &SpotPriceError{Kind: SpotPriceErrOther, Message: err.Error()}
	}
	xmr := monero.Amount(float64(rate) * float64(btc) / float64(btcutil.SatoshiPerBitcoin))
	if p.Balance != nil {
		balance, err := p.Balance(ctx)
		if err != nil {
			return 0, &SpotPriceError{Kind: SpotPriceErrOther, Message: err.Error()}
		}
		if balance < xmr {
			return 0, &SpotPriceError{Kind: SpotPriceErrBalanceTooLow, Buy: uint64(btc)}
		}
	}
	return xmr, nil
}

// MakerConfig wires a maker machine.
type MakerConfig struct {
	Env           Env
	Database      Database
	BitcoinWallet bitcoin.Wallet
	MoneroWallet  monero.Wallet
	EventHandle   MakerEventHandle
	Policy        QuotePolicy

	// MoneroRefundAddress receives the maker's XMR back on the refund
	// branches.
	MoneroRefundAddress monero.Address

	// DeveloperTip optionally splits a fraction of each lock transaction
	// to a tip address.
	DeveloperTip *monero.TipSplit

	// BurnOnRefund makes the maker burn the amnesty box after a partial
	// refund instead of letting the remaining-refund timelock mature.
	BurnOnRefund bool

	// PollInterval overrides the chain polling cadence. Zero means the
	// default of roughly once per block.
	PollInterval time.Duration

	Logger *logging.Logger
}

// Maker drives the XMR-selling side of one swap.
type Maker struct {
	log    *logging.Logger
	db     Database
	btc    bitcoin.Wallet
	xmr    monero.Wallet
	env    Env
	handle MakerEventHandle
	policy QuotePolicy
	tip    *monero.TipSplit

	moneroRefundAddress monero.Address
	burnOnRefund        bool
	poll                time.Duration

	state  MakerState
	params Params
	keys   *KeyMaterial
	taker  *CounterpartyKeys
	family *TxFamily

	lockTxRaw []byte
	message4  *Message4

	// The refund encsigs the maker handed out in Message3, kept to
	// recover the taker's share once a refund is published.
	refundEncSig        *crypto.EncryptedSignature
	partialRefundEncSig *crypto.EncryptedSignature

	receivedEncSig      *crypto.EncryptedSignature
	transferProof       *monero.TransferProof
	moneroRestoreHeight monero.BlockHeight
	agreedXMR           monero.Amount
}

// NewMaker creates a maker in Started with fresh key material. The swap
// parameters are filled in as the setup handshake progresses.
func NewMaker(cfg MakerConfig) (*Maker, error) {
	keys, err := NewKeyMaterial()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Component("maker")
	}
	return &Maker{
		log:                 log,
		db:                  cfg.Database,
		btc:                 cfg.BitcoinWallet,
		xmr:                 cfg.MoneroWallet,
		env:                 cfg.Env,
		handle:              cfg.EventHandle,
		policy:              cfg.Policy,
		tip:                 cfg.DeveloperTip,
		moneroRefundAddress: cfg.MoneroRefundAddress,
		burnOnRefund:        cfg.BurnOnRefund,
		poll:                cfg.PollInterval,
		state:               MakerStarted,
		keys:                keys,
	}, nil
}

// State returns the current state.
func (m *Maker) State() MakerState { return m.state }

// SwapID returns the swap id, zero before Message0.
func (m *Maker) SwapID() uuid.UUID { return m.params.SwapID }

// transitionTo validates the transition, persists the new state, then
// commits it. A failed persist leaves the machine in the old state with
// no side-effect performed.
func (m *Maker) transitionTo(next MakerState) error {
	legal, ok := makerTransitions[m.state]
	if !ok {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidState, m.state)
	}
	allowed := false
	for _, s := range legal {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}

	prev := m.state
	m.state = next
	blob, err := m.record()
	if err != nil {
		m.state = prev
		return err
	}
	if err := m.db.InsertLatestState(m.params.SwapID, RoleMaker, string(next), blob); err != nil {
		m.state = prev
		return fmt.Errorf("failed to persist state %s: %w", next, err)
	}
	m.log.Info("state transition", "swap_id", m.params.SwapID, "from", prev, "to", next)
	return nil
}

// HandleSpotPrice answers the taker's opening request.
func (m *Maker) HandleSpotPrice(ctx context.Context, req SpotPriceRequest, network BlockchainNetwork) SpotPriceResponse {
	if req.BlockchainNetwork != network {
		return SpotPriceResponse{Error: &SpotPriceError{Kind: SpotPriceErrBlockchainNetworkMismatch}}
	}
	xmr, spotErr := m.policy.SpotPrice(ctx, btcutil.Amount(req.BTC))
	if spotErr != nil {
		m.log.Info("rejecting spot price request", "btc", req.BTC, "reason", spotErr.Error())
		return SpotPriceResponse{Error: spotErr}
	}

	// The anti-spam deposit is validated here, before any keys are
	// exchanged, so an unworkable deposit never costs a full handshake.
	amnesty := AmnestyAmountFor(btcutil.Amount(req.BTC), m.policy.DepositRatio, m.policy.MinFeeFloor)
	if amnesty > 0 {
		if err := SanityCheckAmnestyAmount(amnesty, btcutil.Amount(req.BTC), m.policy.MinFeeFloor); err != nil {
			m.log.Info("rejecting swap on anti-spam policy", "btc", req.BTC, "amnesty", amnesty, "reason", err)
			return SpotPriceResponse{Error: &SpotPriceError{Kind: SpotPriceErrOther, Message: err.Error()}}
		}
	}

	m.agreedXMR = xmr
	m.params.BTC = btcutil.Amount(req.BTC)
	m.params.XMR = xmr
	amount := uint64(xmr)
	return SpotPriceResponse{XMR: &amount}
}

// HandleMessage0 fixes the swap id, validates the taker's keys, derives
// the amnesty amount under the now-known fee set, and answers with the
// maker's own keys and parameters.
func (m *Maker) HandleMessage0(ctx context.Context, msg Message0) (*Message1, error) {
	if m.state != MakerStarted {
		return nil, fmt.Errorf("%w: message0 in state %s", ErrInvalidState, m.state)
	}
	taker, err := parseCounterpartyKeys(msg.B, msg.SBSecp, msg.SBEd, msg.DleqProof, msg.VB)
	if err != nil {
		return nil, err
	}
	refundAddr, err := btcutil.DecodeAddress(msg.RefundAddress, m.env.BitcoinNetwork)
	if err != nil {
		return nil, fmt.Errorf("%w: bad refund address: %s", ErrInvalidMessage, err)
	}

	redeemAddr, err := m.btc.NewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to derive redeem address: %w", err)
	}
	punishAddr, err := m.btc.NewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to derive punish address: %w", err)
	}

	fees := FeeSet{
		Redeem:        btcutil.Amount(msg.TxRedeemFee),
		Cancel:        btcutil.Amount(msg.TxCancelFee),
		Refund:        btcutil.Amount(msg.TxRefundFee),
		PartialRefund: btcutil.Amount(msg.TxPartialRefundFee),
		RefundAmnesty: btcutil.Amount(msg.TxRefundAmnestyFee),
		Punish:        m.estimateFee(bitcoin.TxSpendWeight),
		RefundBurn:    m.estimateFee(bitcoin.TxSpendWeight),
		FinalAmnesty:  m.estimateFee(bitcoin.TxSpendWeight),
		EarlyRefund:   m.estimateFee(bitcoin.TxSpendWeight),
	}

	floor := fees.DependentTxFees()
	if m.policy.MinFeeFloor > floor {
		floor = m.policy.MinFeeFloor
	}
	amnesty := AmnestyAmountFor(m.params.BTC, m.policy.DepositRatio, floor)
	if amnesty > 0 {
		if err := SanityCheckAmnestyAmount(amnesty, m.params.BTC, floor); err != nil {
			return nil, err
		}
	}

	m.taker = taker
	m.params = Params{
		SwapID:                  msg.SwapID,
		BTC:                     m.params.BTC,
		XMR:                     m.params.XMR,
		Amnesty:                 amnesty,
		CancelTimelock:          m.env.CancelTimelock,
		PunishTimelock:          m.env.PunishTimelock,
		RemainingRefundTimelock: m.env.RemainingRefundTimelock,
		RefundAddress:           refundAddr,
		RedeemAddress:           redeemAddr,
		PunishAddress:           punishAddr,
		Fees:                    fees,
	}

	return &Message1{
		A:                 m.keys.SecpKey.PubKey().SerializeCompressed(),
		SASecp:            m.keys.Share.SecpPoint().SerializeCompressed(),
		SAEd:              monero.PublicKeyFromPoint(m.keys.Share.EdPoint()).Bytes(),
		DleqProof:         m.keys.Proof.Serialize(),
		VA:                m.keys.View.Bytes(),
		RedeemAddress:     redeemAddr.EncodeAddress(),
		PunishAddress:     punishAddr.EncodeAddress(),
		AmnestyAmount:     uint64(amnesty),
		TxPunishFee:       uint64(fees.Punish),
		TxRefundBurnFee:   uint64(fees.RefundBurn),
		TxFinalAmnestyFee: uint64(fees.FinalAmnesty),
		TxEarlyRefundFee:  uint64(fees.EarlyRefund),
	}, nil
}

// HandleMessage2 validates the taker's lock transaction, derives the
// whole family, and produces the maker's refund-path signatures.
func (m *Maker) HandleMessage2(msg Message2) (*Message3, error) {
	if m.state != MakerStarted || m.taker == nil {
		return nil, fmt.Errorf("%w: message2 in state %s", ErrInvalidState, m.state)
	}
	tx, err := msg.LockTx()
	if err != nil {
		return nil, err
	}
	lock, err := bitcoin.TxLockFromTx(tx, m.keys.SecpKey.PubKey(), m.taker.PublicKey, m.params.BTC)
	if err != nil {
		return nil, fmt.Errorf("lock transaction rejected: %w", err)
	}
	family, err := DeriveTxFamily(lock, m.keys.SecpKey.PubKey(), m.taker.PublicKey, m.params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive transaction family: %w", err)
	}

	cancelDigest, err := family.Cancel.Digest()
	if err != nil {
		return nil, err
	}

	var sigs RefundSignatures
	if m.params.UsesPartialRefund() {
		partialDigest, err := family.PartialRefund.Digest()
		if err != nil {
			return nil, err
		}
		encsig, err := crypto.EncSign(&m.keys.SecpKey.Key, m.taker.ShareSecp, partialDigest)
		if err != nil {
			return nil, fmt.Errorf("failed to encsign partial refund: %w", err)
		}
		amnestyDigest, err := family.RefundAmnesty.Digest()
		if err != nil {
			return nil, err
		}
		sigs = RefundSignatures{
			PartialEncSig: encsig.Serialize(),
			AmnestySig:    bitcoin.SignDigest(m.keys.SecpKey, amnestyDigest).Serialize(),
		}
		m.partialRefundEncSig = encsig
	} else {
		refundDigest, err := family.Refund.Digest()
		if err != nil {
			return nil, err
		}
		encsig, err := crypto.EncSign(&m.keys.SecpKey.Key, m.taker.ShareSecp, refundDigest)
		if err != nil {
			return nil, fmt.Errorf("failed to encsign refund: %w", err)
		}
		sigs = RefundSignatures{FullEncSig: encsig.Serialize()}
		m.refundEncSig = encsig
	}

	m.family = family
	m.lockTxRaw = msg.TxLock
	return &Message3{
		TxCancelSig:      bitcoin.SignDigest(m.keys.SecpKey, cancelDigest).Serialize(),
		RefundSignatures: sigs,
	}, nil
}

// HandleMessage4 verifies and stores the taker's presigned recovery
// signatures, completing the handshake. After this the machine only
// watches chains and channels.
func (m *Maker) HandleMessage4(msg Message4) error {
	if m.family == nil {
		return fmt.Errorf("%w: message4 before message2", ErrInvalidState)
	}

	check := func(name string, sigBytes []byte, digest [32]byte) error {
		sig, err := btcecdsa.ParseDERSignature(sigBytes)
		if err != nil {
			return fmt.Errorf("%w: bad %s signature: %s", ErrInvalidMessage, name, err)
		}
		if !bitcoin.VerifyDigestSignature(m.taker.PublicKey, sig, digest) {
			return fmt.Errorf("%w: %s signature does not verify", ErrInvalidMessage, name)
		}
		return nil
	}

	cancelDigest, err := m.family.Cancel.Digest()
	if err != nil {
		return err
	}
	if err := check("tx_cancel", msg.TxCancelSig, cancelDigest); err != nil {
		return err
	}
	punishDigest, err := m.family.Punish.Digest()
	if err != nil {
		return err
	}
	if err := check("tx_punish", msg.TxPunishSig, punishDigest); err != nil {
		return err
	}
	earlyDigest, err := m.family.EarlyRefund.Digest()
	if err != nil {
		return err
	}
	if err := check("tx_early_refund", msg.TxEarlyRefundSig, earlyDigest); err != nil {
		return err
	}
	if m.params.UsesPartialRefund() {
		burnDigest, err := m.family.RefundBurn.Digest()
		if err != nil {
			return err
		}
		if err := check("tx_refund_burn", msg.TxRefundBurnSig, burnDigest); err != nil {
			return err
		}
		finalDigest, err := m.family.FinalAmnesty.Digest()
		if err != nil {
			return err
		}
		if err := check("tx_final_amnesty", msg.TxFinalAmnestySig, finalDigest); err != nil {
			return err
		}
	}

	m.message4 = &msg
	m.log.Info("setup complete", "swap_id", m.params.SwapID, "btc", m.params.BTC, "xmr", m.params.XMR, "amnesty", m.params.Amnesty)
	return nil
}

// HandleCooperativeRedeem answers a taker's post-punish plea. The maker
// reveals its share only from the punished state, where the BTC side is
// already settled in its favour.
func (m *Maker) HandleCooperativeRedeem(req CooperativeRedeemRequest) CooperativeRedeemResponse {
	if req.SwapID != m.params.SwapID {
		return CooperativeRedeemResponse{Rejected: &CooperativeRedeemReject{Reason: CoopRedeemRejectMalformedRequest}}
	}
	if m.state != MakerBtcPunished || m.transferProof == nil {
		return CooperativeRedeemResponse{Rejected: &CooperativeRedeemReject{Reason: CoopRedeemRejectInvalidState}}
	}
	share := m.keys.Share.LittleEndianBytes()
	m.log.Info("granting cooperative redeem", "swap_id", m.params.SwapID)
	return CooperativeRedeemResponse{Accepted: &CooperativeRedeemAccept{
		SAKey:  share[:],
		TxHash: m.transferProof.TxHash,
		TxKey:  m.transferProof.TxKey,
	}}
}

// GrantFinalAmnesty is the operator override that hands a burnt amnesty
// box back to the taker. Legal only from BtcRefundBurnConfirmed.
func (m *Maker) GrantFinalAmnesty(ctx context.Context) error {
	if m.state != MakerBtcRefundBurnConfirmed {
		return fmt.Errorf("%w: grant_final_amnesty in state %s", ErrInvalidState, m.state)
	}
	if err := m.transitionTo(MakerBtcMercyGranted); err != nil {
		return err
	}

	sig, err := btcecdsa.ParseDERSignature(m.message4.TxFinalAmnestySig)
	if err != nil {
		return fmt.Errorf("%w: stored final amnesty signature corrupt", ErrInvalidState)
	}
	signed, err := m.family.FinalAmnesty.CompleteAsMaker(m.keys.SecpKey, sig)
	if err != nil {
		return err
	}
	if _, err := m.btc.Broadcast(ctx, signed, "final_amnesty"); err != nil {
		return fmt.Errorf("failed to broadcast final amnesty: %w", err)
	}

	sub, err := m.btc.Subscribe(ctx, m.family.FinalAmnesty)
	if err != nil {
		return err
	}
	if err := sub.WaitUntilConfirmedWithDepth(ctx, m.env.BitcoinFinalityConfirmations); err != nil {
		return err
	}
	return m.transitionTo(MakerBtcMercyConfirmed)
}

// estimateFee sizes a fee from a declared weight at a conservative rate.
// TODO: feed a live fee estimate from the wallet backend once it exposes
// one.
func (m *Maker) estimateFee(weightWU int64) btcutil.Amount {
	const satPerVByte = 2
	return btcutil.Amount((weightWU + 3) / 4 * satPerVByte)
}
