package node

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// Swap protocol streams. Takers open them; makers serve them. The setup
// stream carries the whole handshake; the other three are single
// request/response rounds.
const (
	protocolSetup             protocol.ID = "/comit/xmr/btc/swap_setup/1.0.0"
	protocolTransferProof     protocol.ID = "/comit/xmr/btc/transfer_proof/1.0.0"
	protocolEncryptedSig      protocol.ID = "/comit/xmr/btc/encrypted_signature/1.0.0"
	protocolCooperativeRedeem protocol.ID = "/comit/xmr/btc/cooperative_xmr_redeem_after_punish/1.0.0"
	protocolQuote             protocol.ID = "/comit/xmr/btc/quote/1.0.0"
)

// maxMessageSize caps a single framed message. Nothing in the protocol
// legitimately approaches it; larger frames are a peer misbehaving.
const maxMessageSize = 1 << 20

// writeMessage frames a CBOR-encoded value with a big-endian length
// prefix.
func writeMessage(w io.Writer, v any) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", len(payload))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readMessage reads one length-prefixed CBOR frame into v.
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxMessageSize {
		return fmt.Errorf("peer announced message of %d bytes, limit is %d", size, maxMessageSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := cbor.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
