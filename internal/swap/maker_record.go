package swap

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/fxamacker/cbor/v2"

	"github.com/klingon-exchange/xmrbtc/internal/bitcoin"
	"github.com/klingon-exchange/xmrbtc/internal/crypto"
	"github.com/klingon-exchange/xmrbtc/internal/monero"
	"github.com/klingon-exchange/xmrbtc/pkg/logging"
)

// makerRecord is the flat persisted form of a maker machine. Everything
// needed to resume after a crash is here; the transaction family is
// rederived from the lock transaction on restore.
type makerRecord struct {
	State  string            `cbor:"state"`
	Params paramsRecord      `cbor:"params"`
	Keys   keyMaterialRecord `cbor:"keys"`

	Taker    *counterpartyRecord `cbor:"taker,omitempty"`
	LockTx   []byte              `cbor:"lock_tx,omitempty"`
	Message4 *Message4           `cbor:"message4,omitempty"`

	RefundEncSig        []byte `cbor:"refund_encsig,omitempty"`
	PartialRefundEncSig []byte `cbor:"partial_refund_encsig,omitempty"`
	ReceivedEncSig      []byte `cbor:"received_encsig,omitempty"`

	TransferProof       *monero.TransferProof `cbor:"transfer_proof,omitempty"`
	MoneroRestoreHeight uint64                `cbor:"monero_restore_height,omitempty"`
	AgreedXMR           uint64                `cbor:"agreed_xmr,omitempty"`
}

func (m *Maker) record() ([]byte, error) {
	rec := makerRecord{
		State:               string(m.state),
		Params:              m.params.record(),
		Keys:                m.keys.record(),
		LockTx:              m.lockTxRaw,
		Message4:            m.message4,
		TransferProof:       m.transferProof,
		MoneroRestoreHeight: uint64(m.moneroRestoreHeight),
		AgreedXMR:           uint64(m.agreedXMR),
	}
	if m.taker != nil {
		taker := m.taker.record()
		rec.Taker = &taker
	}
	if m.refundEncSig != nil {
		rec.RefundEncSig = m.refundEncSig.Serialize()
	}
	if m.partialRefundEncSig != nil {
		rec.PartialRefundEncSig = m.partialRefundEncSig.Serialize()
	}
	if m.receivedEncSig != nil {
		rec.ReceivedEncSig = m.receivedEncSig.Serialize()
	}
	return cbor.Marshal(rec)
}

// NewMakerFromRecord rebuilds a maker from its persisted state so Run can
// resume where the previous process died.
func NewMakerFromRecord(cfg MakerConfig, blob []byte) (*Maker, error) {
	var rec makerRecord
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode maker record: %w", err)
	}

	if _, ok := makerTransitions[MakerState(rec.State)]; !ok {
		return nil, fmt.Errorf("%w: persisted state %q", ErrInvalidState, rec.State)
	}
	keys, err := keyMaterialFromRecord(rec.Keys)
	if err != nil {
		return nil, err
	}
	params, err := paramsFromRecord(rec.Params, cfg.Env.BitcoinNetwork)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Component("maker")
	}
	m := &Maker{
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
		state:               MakerState(rec.State),
		params:              params,
		keys:                keys,
		lockTxRaw:           rec.LockTx,
		message4:            rec.Message4,
		transferProof:       rec.TransferProof,
		moneroRestoreHeight: monero.BlockHeight(rec.MoneroRestoreHeight),
		agreedXMR:           monero.Amount(rec.AgreedXMR),
	}

	if rec.Taker != nil {
		taker, err := counterpartyFromRecord(*rec.Taker)
		if err != nil {
			return nil, err
		}
		m.taker = taker
	}
	if len(rec.RefundEncSig) > 0 {
		if m.refundEncSig, err = crypto.ParseEncryptedSignature(rec.RefundEncSig); err != nil {
			return nil, fmt.Errorf("failed to restore refund encsig: %w", err)
		}
	}
	if len(rec.PartialRefundEncSig) > 0 {
		if m.partialRefundEncSig, err = crypto.ParseEncryptedSignature(rec.PartialRefundEncSig); err != nil {
			return nil, fmt.Errorf("failed to restore partial refund encsig: %w", err)
		}
	}
	if len(rec.ReceivedEncSig) > 0 {
		if m.receivedEncSig, err = crypto.ParseEncryptedSignature(rec.ReceivedEncSig); err != nil {
			return nil, fmt.Errorf("failed to restore received encsig: %w", err)
		}
	}

	if len(rec.LockTx) > 0 && m.taker != nil {
		tx := wire.NewMsgTx(2)
		if err := tx.Deserialize(bytes.NewReader(rec.LockTx)); err != nil {
			return nil, fmt.Errorf("failed to restore lock transaction: %w", err)
		}
		lock, err := bitcoin.TxLockFromTx(tx, keys.SecpKey.PubKey(), m.taker.PublicKey, params.BTC)
		if err != nil {
			return nil, err
		}
		m.family, err = DeriveTxFamily(lock, keys.SecpKey.PubKey(), m.taker.PublicKey, params)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}
