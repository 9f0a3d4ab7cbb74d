package swap

import "context"

// MakerEventHandle is the per-swap bundle of peer channels the event loop
// hands a maker machine. Sends retry internally with the protocol backoff
// family; receives block until the message arrives or the context is
// cancelled (typically by a timelock preemption).
type MakerEventHandle interface {
	// SendTransferProof pushes the Monero lock proof to the taker and
	// waits for the acknowledgement.
	SendTransferProof(ctx context.Context, req TransferProofRequest) error

	// ReceiveEncryptedSignature blocks until the taker's adaptor
	// signature over the redeem sighash arrives.
	ReceiveEncryptedSignature(ctx context.Context) (EncryptedSignatureRequest, error)
}

// SetupHandle is the taker's client side of the swap-setup handshake.
// Every call is one request/response round on the setup stream; the
// whole exchange is bounded by SetupTimeout.
type SetupHandle interface {
	RequestSpotPrice(ctx context.Context, req SpotPriceRequest) (SpotPriceResponse, error)
	SendMessage0(ctx context.Context, msg Message0) (Message1, error)
	SendMessage2(ctx context.Context, msg Message2) (Message3, error)
	SendMessage4(ctx context.Context, msg Message4) error
}

// TakerEventHandle is the taker-side counterpart.
type TakerEventHandle interface {
	// SendEncryptedSignature pushes the adaptor signature to the maker
	// and waits for the acknowledgement.
	SendEncryptedSignature(ctx context.Context, req EncryptedSignatureRequest) error

	// ReceiveTransferProof blocks until the maker's lock proof arrives.
	// The taker does not depend on it for lock detection; it only speeds
	// up scanning.
	ReceiveTransferProof(ctx context.Context) (TransferProofRequest, error)

	// RequestCooperativeRedeem asks the maker to reveal its Monero share
	// after a punish.
	RequestCooperativeRedeem(ctx context.Context, req CooperativeRedeemRequest) (CooperativeRedeemResponse, error)
}
