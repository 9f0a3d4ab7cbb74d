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

// takerRecord is the flat persisted form of a taker machine. The maker's
// refund-path encsigs are restored from the stored Message3, and the sent
// redeem encsig is recomputed deterministically, so neither is persisted
// separately.
type takerRecord struct {
	State  string            `cbor:"state"`
	Params paramsRecord      `cbor:"params"`
	Keys   keyMaterialRecord `cbor:"keys"`

	Maker    *counterpartyRecord `cbor:"maker,omitempty"`
	LockTx   []byte              `cbor:"lock_tx,omitempty"`
	Message3 *Message3           `cbor:"message3,omitempty"`

	TransferProof       *monero.TransferProof `cbor:"transfer_proof,omitempty"`
	MoneroRestoreHeight uint64                `cbor:"monero_restore_height,omitempty"`
	RecoveredShare      []byte                `cbor:"recovered_share,omitempty"`
}

func (t *Taker) record() ([]byte, error) {
	rec := takerRecord{
		State:               string(t.state),
		Params:              t.params.record(),
		Keys:                t.keys.record(),
		LockTx:              t.lockTxRaw,
		Message3:            t.message3,
		TransferProof:       t.transferProof,
		MoneroRestoreHeight: uint64(t.moneroRestoreHeight),
	}
	if t.maker != nil {
		maker := t.maker.record()
		rec.Maker = &maker
	}
	if t.recoveredShare != nil {
		rec.RecoveredShare = t.recoveredShare.Bytes()
	}
	return cbor.Marshal(rec)
}

// NewTakerFromRecord rebuilds a taker from its persisted state so Run can
// resume where the previous process died.
func NewTakerFromRecord(cfg TakerConfig, blob []byte) (*Taker, error) {
	var rec takerRecord
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode taker record: %w", err)
	}

	if _, ok := takerTransitions[TakerState(rec.State)]; !ok {
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
		log = logging.Component("taker")
	}
	t := &Taker{
		log:                  log,
		db:                   cfg.Database,
		btc:                  cfg.BitcoinWallet,
		xmr:                  cfg.MoneroWallet,
		env:                  cfg.Env,
		handle:               cfg.EventHandle,
		moneroReceiveAddress: cfg.MoneroReceiveAddress,
		poll:                 cfg.PollInterval,
		state:                TakerState(rec.State),
		params:               params,
		keys:                 keys,
		lockTxRaw:            rec.LockTx,
		message3:             rec.Message3,
		transferProof:        rec.TransferProof,
		moneroRestoreHeight:  monero.BlockHeight(rec.MoneroRestoreHeight),
	}

	if rec.Maker != nil {
		maker, err := counterpartyFromRecord(*rec.Maker)
		if err != nil {
			return nil, err
		}
		t.maker = maker
	}
	if len(rec.RecoveredShare) > 0 {
		share, err := monero.PrivateSpendKeyFromBytes(rec.RecoveredShare)
		if err != nil {
			return nil, fmt.Errorf("failed to restore recovered share: %w", err)
		}
		t.recoveredShare = share
	}

	if len(rec.LockTx) > 0 && t.maker != nil {
		tx := wire.NewMsgTx(2)
		if err := tx.Deserialize(bytes.NewReader(rec.LockTx)); err != nil {
			return nil, fmt.Errorf("failed to restore lock transaction: %w", err)
		}
		lock, err := bitcoin.TxLockFromTx(tx, t.maker.PublicKey, keys.SecpKey.PubKey(), params.BTC)
		if err != nil {
			return nil, err
		}
		t.family, err = DeriveTxFamily(lock, t.maker.PublicKey, keys.SecpKey.PubKey(), params)
		if err != nil {
			return nil, err
		}
	}

	if t.message3 != nil && t.family != nil {
		if params.UsesPartialRefund() {
			if t.partialRefundEncSig, err = crypto.ParseEncryptedSignature(t.message3.RefundSignatures.PartialEncSig); err != nil {
				return nil, fmt.Errorf("failed to restore partial refund encsig: %w", err)
			}
		} else {
			if t.refundEncSig, err = crypto.ParseEncryptedSignature(t.message3.RefundSignatures.FullEncSig); err != nil {
				return nil, fmt.Errorf("failed to restore refund encsig: %w", err)
			}
		}
	}
	return t, nil
}
