package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/klingon-exchange/xmrbtc/internal/bitcoin"
	"github.com/klingon-exchange/xmrbtc/internal/monero"
)

// Env carries the environment parameters shared by every swap this
// process runs.
type Env struct {
	BitcoinNetwork *chaincfg.Params
	MoneroNetwork  monero.Network

	BitcoinFinalityConfirmations uint64
	MoneroFinalityConfirmations  uint64

	CancelTimelock          bitcoin.CancelTimelock
	PunishTimelock          bitcoin.PunishTimelock
	RemainingRefundTimelock bitcoin.RemainingRefundTimelock
}

// FeeSet fixes the spending fee of every presigned transaction at setup
// time, so both parties derive identical transactions.
type FeeSet struct {
	Redeem        btcutil.Amount
	Cancel        btcutil.Amount
	Refund        btcutil.Amount
	PartialRefund btcutil.Amount
	RefundAmnesty btcutil.Amount
	Punish        btcutil.Amount
	RefundBurn    btcutil.Amount
	FinalAmnesty  btcutil.Amount
	EarlyRefund   btcutil.Amount
}

// DependentTxFees sums the fees of the transactions the amnesty box must
// be able to pay for. Used as the anti-spam deposit floor.
func (f FeeSet) DependentTxFees() btcutil.Amount {
	return f.PartialRefund + f.RefundAmnesty + f.RefundBurn + f.FinalAmnesty
}

type feeSetRecord struct {
	Redeem        uint64 `cbor:"redeem"`
	Cancel        uint64 `cbor:"cancel"`
	Refund        uint64 `cbor:"refund"`
	PartialRefund uint64 `cbor:"partial_refund"`
	RefundAmnesty uint64 `cbor:"refund_amnesty"`
	Punish        uint64 `cbor:"punish"`
	RefundBurn    uint64 `cbor:"refund_burn"`
	FinalAmnesty  uint64 `cbor:"final_amnesty"`
	EarlyRefund   uint64 `cbor:"early_refund"`
}

func (f FeeSet) record() feeSetRecord {
	return feeSetRecord{
		Redeem:        uint64(f.Redeem),
		Cancel:        uint64(f.Cancel),
		Refund:        uint64(f.Refund),
		PartialRefund: uint64(f.PartialRefund),
		RefundAmnesty: uint64(f.RefundAmnesty),
		Punish:        uint64(f.Punish),
		RefundBurn:    uint64(f.RefundBurn),
		FinalAmnesty:  uint64(f.FinalAmnesty),
		EarlyRefund:   uint64(f.EarlyRefund),
	}
}

func feeSetFromRecord(r feeSetRecord) FeeSet {
	return FeeSet{
		Redeem:        btcutil.Amount(r.Redeem),
		Cancel:        btcutil.Amount(r.Cancel),
		Refund:        btcutil.Amount(r.Refund),
		PartialRefund: btcutil.Amount(r.PartialRefund),
		RefundAmnesty: btcutil.Amount(r.RefundAmnesty),
		Punish:        btcutil.Amount(r.Punish),
		RefundBurn:    btcutil.Amount(r.RefundBurn),
		FinalAmnesty:  btcutil.Amount(r.FinalAmnesty),
		EarlyRefund:   btcutil.Amount(r.EarlyRefund),
	}
}

// Params are the immutable per-swap parameters agreed during setup. Both
// parties hold an identical copy; every derived transaction is a pure
// function of Params, the lock transaction and the two public keys.
type Params struct {
	SwapID uuid.UUID

	BTC     btcutil.Amount
	XMR     monero.Amount
	Amnesty btcutil.Amount

	CancelTimelock          bitcoin.CancelTimelock
	PunishTimelock          bitcoin.PunishTimelock
	RemainingRefundTimelock bitcoin.RemainingRefundTimelock

	RefundAddress btcutil.Address
	RedeemAddress btcutil.Address
	PunishAddress btcutil.Address

	Fees FeeSet
}

// UsesPartialRefund reports whether the swap runs the partial-refund
// branch instead of the legacy full refund.
func (p Params) UsesPartialRefund() bool {
	return p.Amnesty > 0
}

type paramsRecord struct {
	SwapID  uuid.UUID `cbor:"swap_id"`
	BTC     uint64    `cbor:"btc"`
	XMR     uint64    `cbor:"xmr"`
	Amnesty uint64    `cbor:"amnesty"`

	CancelTimelock          uint32 `cbor:"cancel_timelock"`
	PunishTimelock          uint32 `cbor:"punish_timelock"`
	RemainingRefundTimelock uint32 `cbor:"remaining_refund_timelock"`

	RefundAddress string `cbor:"refund_address"`
	RedeemAddress string `cbor:"redeem_address"`
	PunishAddress string `cbor:"punish_address"`

	Fees feeSetRecord `cbor:"fees"`
}

func (p Params) record() paramsRecord {
	return paramsRecord{
		SwapID:                  p.SwapID,
		BTC:                     uint64(p.BTC),
		XMR:                     uint64(p.XMR),
		Amnesty:                 uint64(p.Amnesty),
		CancelTimelock:          uint32(p.CancelTimelock),
		PunishTimelock:          uint32(p.PunishTimelock),
		RemainingRefundTimelock: uint32(p.RemainingRefundTimelock),
		RefundAddress:           p.RefundAddress.EncodeAddress(),
		RedeemAddress:           p.RedeemAddress.EncodeAddress(),
		PunishAddress:           p.PunishAddress.EncodeAddress(),
		Fees:                    p.Fees.record(),
	}
}

func paramsFromRecord(r paramsRecord, net *chaincfg.Params) (Params, error) {
	refund, err := btcutil.DecodeAddress(r.RefundAddress, net)
	if err != nil {
		return Params{}, fmt.Errorf("failed to restore refund address: %w", err)
	}
	redeem, err := btcutil.DecodeAddress(r.RedeemAddress, net)
	if err != nil {
		return Params{}, fmt.Errorf("failed to restore redeem address: %w", err)
	}
	punish, err := btcutil.DecodeAddress(r.PunishAddress, net)
	if err != nil {
		return Params{}, fmt.Errorf("failed to restore punish address: %w", err)
	}
	return Params{
		SwapID:                  r.SwapID,
		BTC:                     btcutil.Amount(r.BTC),
		XMR:                     monero.Amount(r.XMR),
		Amnesty:                 btcutil.Amount(r.Amnesty),
		CancelTimelock:          bitcoin.CancelTimelock(r.CancelTimelock),
		PunishTimelock:          bitcoin.PunishTimelock(r.PunishTimelock),
		RemainingRefundTimelock: bitcoin.RemainingRefundTimelock(r.RemainingRefundTimelock),
		RefundAddress:           refund,
		RedeemAddress:           redeem,
		PunishAddress:           punish,
		Fees:                    feeSetFromRecord(r.Fees),
	}, nil
}

// TxFamily holds every presigned transaction, derived deterministically
// from the lock transaction and shared parameters. The partial-refund
// chain members are nil when the swap uses the legacy full refund.
type TxFamily struct {
	Lock        *bitcoin.TxLock
	Redeem      *bitcoin.TxRedeem
	Cancel      *bitcoin.TxCancel
	Refund      *bitcoin.TxRefund
	Punish      *bitcoin.TxPunish
	EarlyRefund *bitcoin.TxEarlyRefund

	PartialRefund *bitcoin.TxPartialRefund
	RefundAmnesty *bitcoin.TxRefundAmnesty
	RefundBurn    *bitcoin.TxRefundBurn
	FinalAmnesty  *bitcoin.TxFinalAmnesty
}

// DeriveTxFamily rebuilds the whole family. Both parties call it with
// identical arguments and must arrive at identical txids.
func DeriveTxFamily(lock *bitcoin.TxLock, a, b *btcec.PublicKey, p Params) (*TxFamily, error) {
	redeem, err := bitcoin.NewTxRedeem(lock, p.RedeemAddress, p.Fees.Redeem)
	if err != nil {
		return nil, err
	}
	cancel, err := bitcoin.NewTxCancel(lock, p.CancelTimelock, a, b, p.Fees.Cancel)
	if err != nil {
		return nil, err
	}
	punish, err := bitcoin.NewTxPunish(cancel, p.PunishAddress, p.Fees.Punish, p.PunishTimelock)
	if err != nil {
		return nil, err
	}
	early, err := bitcoin.NewTxEarlyRefund(lock, p.RefundAddress, p.Fees.EarlyRefund)
	if err != nil {
		return nil, err
	}

	family := &TxFamily{
		Lock:        lock,
		Redeem:      redeem,
		Cancel:      cancel,
		Punish:      punish,
		EarlyRefund: early,
	}

	if !p.UsesPartialRefund() {
		refund, err := bitcoin.NewTxRefund(cancel, p.RefundAddress, p.Fees.Refund)
		if err != nil {
			return nil, err
		}
		family.Refund = refund
		return family, nil
	}

	partial, err := bitcoin.NewTxPartialRefund(cancel, p.RefundAddress, a, b, p.Amnesty, p.Fees.PartialRefund)
	if err != nil {
		return nil, err
	}
	amnesty, err := bitcoin.NewTxRefundAmnesty(partial, p.RefundAddress, p.Fees.RefundAmnesty, p.RemainingRefundTimelock)
	if err != nil {
		return nil, err
	}
	burn, err := bitcoin.NewTxRefundBurn(partial, a, b, p.Fees.RefundBurn)
	if err != nil {
		return nil, err
	}
	final, err := bitcoin.NewTxFinalAmnesty(burn, p.RefundAddress, p.Fees.FinalAmnesty)
	if err != nil {
		return nil, err
	}

	family.PartialRefund = partial
	family.RefundAmnesty = amnesty
	family.RefundBurn = burn
	family.FinalAmnesty = final
	return family, nil
}
