package swap

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
)

// BlockchainNetwork pins the network pair a swap runs on. Only
// {mainnet, mainnet} and {testnet, stagenet} are valid pairs.
type BlockchainNetwork struct {
	Bitcoin string `cbor:"bitcoin"`
	Monero  string `cbor:"monero"`
}

// SpotPriceRequest opens the setup handshake: the taker asks how much XMR
// the maker will sell for the given amount of BTC.
type SpotPriceRequest struct {
	BTC               uint64            `cbor:"btc"`
	BlockchainNetwork BlockchainNetwork `cbor:"blockchain_network"`
}

// SpotPriceErrorKind enumerates the maker's typed rejections.
type SpotPriceErrorKind string

const (
	SpotPriceErrNoSwapsAccepted           SpotPriceErrorKind = "no_swaps_accepted"
	SpotPriceErrAmountBelowMinimum        SpotPriceErrorKind = "amount_below_minimum"
	SpotPriceErrAmountAboveMaximum        SpotPriceErrorKind = "amount_above_maximum"
	SpotPriceErrBalanceTooLow             SpotPriceErrorKind = "balance_too_low"
	SpotPriceErrBlockchainNetworkMismatch SpotPriceErrorKind = "blockchain_network_mismatch"
	SpotPriceErrOther                     SpotPriceErrorKind = "other"
)

// SpotPriceError is the maker's typed setup rejection. Takers surface it
// verbatim; it must never degrade into a bare "connection closed".
type SpotPriceError struct {
	Kind    SpotPriceErrorKind `cbor:"kind"`
	Message string             `cbor:"message,omitempty"`
	Min     uint64             `cbor:"min,omitempty"`
	Max     uint64             `cbor:"max,omitempty"`
	Buy     uint64             `cbor:"buy,omitempty"`
}

func (e *SpotPriceError) Error() string {
	switch e.Kind {
	case SpotPriceErrNoSwapsAccepted:
		return "maker is not accepting swaps"
	case SpotPriceErrAmountBelowMinimum:
		return fmt.Sprintf("buy amount %d below maker minimum %d", e.Buy, e.Min)
	case SpotPriceErrAmountAboveMaximum:
		return fmt.Sprintf("buy amount %d above maker maximum %d", e.Buy, e.Max)
	case SpotPriceErrBalanceTooLow:
		return fmt.Sprintf("maker balance too low for buy amount %d", e.Buy)
	case SpotPriceErrBlockchainNetworkMismatch:
		return "maker runs on a different blockchain network pair"
	default:
		return e.Message
	}
}

// SpotPriceResponse carries either the XMR amount in piconero or a typed
// rejection.
type SpotPriceResponse struct {
	XMR   *uint64         `cbor:"xmr,omitempty"`
	Error *SpotPriceError `cbor:"error,omitempty"`
}

// Message0 is the taker's key and parameter announcement: its secp256k1
// key, its Monero spend share on both curves with the cross-group proof,
// its private view share, the refund address, and the fees it will use for
// every transaction it constructs.
type Message0 struct {
	SwapID        uuid.UUID `cbor:"swap_id"`
	B             []byte    `cbor:"B"`
	SBSecp        []byte    `cbor:"S_b_secp"`
	SBEd          []byte    `cbor:"S_b_ed"`
	DleqProof     []byte    `cbor:"dleq_proof"`
	VB            []byte    `cbor:"v_b"`
	RefundAddress string    `cbor:"refund_address"`

	TxRedeemFee        uint64 `cbor:"tx_redeem_fee"`
	TxCancelFee        uint64 `cbor:"tx_cancel_fee"`
	TxRefundFee        uint64 `cbor:"tx_refund_fee"`
	TxPartialRefundFee uint64 `cbor:"tx_partial_refund_fee"`
	TxRefundAmnestyFee uint64 `cbor:"tx_refund_amnesty_fee"`
}

// Message1 is the maker's answer: its own keys and proof, its payout
// addresses, the amnesty amount it requires, and the fees for the
// transactions it constructs.
type Message1 struct {
	A             []byte `cbor:"A"`
	SASecp        []byte `cbor:"S_a_secp"`
	SAEd          []byte `cbor:"S_a_ed"`
	DleqProof     []byte `cbor:"dleq_proof"`
	VA            []byte `cbor:"v_a"`
	RedeemAddress string `cbor:"redeem_address"`
	PunishAddress string `cbor:"punish_address"`

	AmnestyAmount     uint64 `cbor:"amnesty_amount"`
	TxPunishFee       uint64 `cbor:"tx_punish_fee"`
	TxRefundBurnFee   uint64 `cbor:"tx_refund_burn_fee"`
	TxFinalAmnestyFee uint64 `cbor:"tx_final_amnesty_fee"`
	TxEarlyRefundFee  uint64 `cbor:"tx_early_refund_fee"`
}

// Message2 carries the taker's signed lock transaction. The maker
// validates it against the shared script and agreed amount before
// producing any refund signatures.
type Message2 struct {
	TxLock []byte `cbor:"tx_lock"`
}

// LockTx decodes the embedded lock transaction.
func (m *Message2) LockTx() (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(m.TxLock)); err != nil {
		return nil, fmt.Errorf("%w: bad lock transaction: %s", ErrInvalidMessage, err)
	}
	return tx, nil
}

// EncodeLockTx serializes a lock transaction for Message2.
func EncodeLockTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize lock transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// Message3 carries the maker's refund-path signatures: a plain signature
// on TxCancel plus the refund signature set matching the agreed amnesty
// amount.
type Message3 struct {
	TxCancelSig      []byte           `cbor:"tx_cancel_sig"`
	RefundSignatures RefundSignatures `cbor:"refund_signatures"`
}

// Message4 carries the taker's presigned signatures for every maker-side
// recovery branch. The burn and final-amnesty signatures are present only
// when the swap uses the partial-refund path.
type Message4 struct {
	TxCancelSig      []byte `cbor:"tx_cancel_sig"`
	TxPunishSig      []byte `cbor:"tx_punish_sig"`
	TxEarlyRefundSig []byte `cbor:"tx_early_refund_sig"`

	TxRefundBurnSig   []byte `cbor:"tx_refund_burn_sig,omitempty"`
	TxFinalAmnestySig []byte `cbor:"tx_final_amnesty_sig,omitempty"`
}

// SetupAck closes the handshake.
type SetupAck struct{}

// TransferProofRequest is the maker's push of the Monero lock proof.
type TransferProofRequest struct {
	SwapID uuid.UUID `cbor:"swap_id"`
	TxHash string    `cbor:"tx_hash"`
	TxKey  []byte    `cbor:"tx_key"`
}

// EncryptedSignatureRequest is the taker's push of the adaptor signature
// over the redeem sighash.
type EncryptedSignatureRequest struct {
	SwapID uuid.UUID `cbor:"swap_id"`
	EncSig []byte    `cbor:"encsig"`
}

// Ack is the empty response to a one-way push.
type Ack struct{}

// CooperativeRedeemRejectReason enumerates why a maker refuses to reveal
// its key share after punishing.
type CooperativeRedeemRejectReason string

const (
	CoopRedeemRejectMalformedRequest CooperativeRedeemRejectReason = "malformed_request"
	CoopRedeemRejectInvalidState     CooperativeRedeemRejectReason = "swap_invalid_state"
	// CoopRedeemRejectOther is deliberately opaque. Takers must not infer
	// intent from its presence.
	CoopRedeemRejectOther CooperativeRedeemRejectReason = "other"
)

// CooperativeRedeemRequest asks a maker who has already punished to reveal
// its Monero share anyway.
type CooperativeRedeemRequest struct {
	SwapID uuid.UUID `cbor:"swap_id"`
}

// CooperativeRedeemAccept reveals the maker's share and the lock transfer
// proof. The taker must verify the share against the announced public key
// before using it.
type CooperativeRedeemAccept struct {
	SAKey  []byte `cbor:"s_a"`
	TxHash string `cbor:"tx_hash"`
	TxKey  []byte `cbor:"tx_key"`
}

// CooperativeRedeemReject refuses the request.
type CooperativeRedeemReject struct {
	Reason CooperativeRedeemRejectReason `cbor:"reason"`
}

// CooperativeRedeemResponse is the maker's answer, exactly one arm set.
type CooperativeRedeemResponse struct {
	Accepted *CooperativeRedeemAccept `cbor:"accepted,omitempty"`
	Rejected *CooperativeRedeemReject `cbor:"rejected,omitempty"`
}

// QuoteRequest asks a maker for its current quote.
type QuoteRequest struct{}

// BidQuote is the maker's standing offer: price in piconero per BTC and
// the accepted BTC quantity range in satoshis.
type BidQuote struct {
	Price       uint64 `cbor:"price"`
	MinQuantity uint64 `cbor:"min_quantity"`
	MaxQuantity uint64 `cbor:"max_quantity"`
}
