package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/xmrbtc/internal/crypto"
	"github.com/klingon-exchange/xmrbtc/internal/monero"
)

// KeyMaterial is one party's secret material for a single swap: the
// secp256k1 signing key for the 2-of-2 script, the cross-group Monero
// spend share with its proof, and the private view share.
type KeyMaterial struct {
	SecpKey *btcec.PrivateKey
	Share   *crypto.CrossGroupScalar
	Proof   *crypto.CrossGroupProof
	View    *monero.PrivateViewKey
}

// NewKeyMaterial samples fresh material for one swap.
func NewKeyMaterial() (*KeyMaterial, error) {
	secpKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp key: %w", err)
	}
	share, err := crypto.NewCrossGroupScalar()
	if err != nil {
		return nil, fmt.Errorf("failed to generate spend share: %w", err)
	}
	proof, err := crypto.ProveCrossGroup(share)
	if err != nil {
		return nil, fmt.Errorf("failed to prove spend share: %w", err)
	}
	view, err := monero.NewRandomPrivateViewKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate view share: %w", err)
	}
	return &KeyMaterial{SecpKey: secpKey, Share: share, Proof: proof, View: view}, nil
}

// SpendShareEd returns the party's Monero spend share as a private spend
// key.
func (k *KeyMaterial) SpendShareEd() *monero.PrivateSpendKey {
	return monero.NewPrivateSpendKey(k.Share.Ed())
}

// keyMaterialRecord is the persisted form. The proof is not stored; it is
// only exchanged during setup.
type keyMaterialRecord struct {
	SecpKey []byte `cbor:"secp_key"`
	Share   []byte `cbor:"share"`
	View    []byte `cbor:"view"`
}

func (k *KeyMaterial) record() keyMaterialRecord {
	share := k.Share.LittleEndianBytes()
	return keyMaterialRecord{
		SecpKey: k.SecpKey.Serialize(),
		Share:   share[:],
		View:    k.View.Bytes(),
	}
}

func keyMaterialFromRecord(r keyMaterialRecord) (*KeyMaterial, error) {
	if len(r.SecpKey) != 32 || len(r.Share) != 32 {
		return nil, fmt.Errorf("%w: malformed key material", ErrInvalidState)
	}
	var shareBytes [32]byte
	copy(shareBytes[:], r.Share)
	share, err := crypto.CrossGroupScalarFromLittleEndian(shareBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to restore spend share: %w", err)
	}
	view, err := monero.PrivateViewKeyFromBytes(r.View)
	if err != nil {
		return nil, fmt.Errorf("failed to restore view share: %w", err)
	}
	secpKey, _ := btcec.PrivKeyFromBytes(r.SecpKey)
	return &KeyMaterial{SecpKey: secpKey, Share: share, View: view}, nil
}

// CounterpartyKeys is the counterparty's announced public material plus
// its private view share, which is deliberately shared in clear so both
// parties can scan for the lock output.
type CounterpartyKeys struct {
	PublicKey *btcec.PublicKey
	ShareSecp *btcec.PublicKey
	ShareEd   *monero.PublicKey
	View      *monero.PrivateViewKey
}

// parseCounterpartyKeys validates announced material: both curve
// representations of the spend share must parse and the cross-group proof
// must bind them to one scalar.
func parseCounterpartyKeys(pub, shareSecp, shareEd, proofBytes, view []byte) (*CounterpartyKeys, error) {
	pk, err := btcec.ParsePubKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad secp key: %s", ErrInvalidMessage, err)
	}
	sSecp, err := btcec.ParsePubKey(shareSecp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad secp spend share: %s", ErrInvalidMessage, err)
	}
	sEd, err := monero.PublicKeyFromBytes(shareEd)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ed25519 spend share: %s", ErrInvalidMessage, err)
	}
	proof, err := crypto.ParseCrossGroupProof(proofBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cross-group proof: %s", ErrInvalidMessage, err)
	}
	if err := crypto.VerifyCrossGroup(sSecp, sEd.Point(), proof); err != nil {
		return nil, fmt.Errorf("counterparty spend share: %w", err)
	}
	v, err := monero.PrivateViewKeyFromBytes(view)
	if err != nil {
		return nil, fmt.Errorf("%w: bad view share: %s", ErrInvalidMessage, err)
	}
	return &CounterpartyKeys{PublicKey: pk, ShareSecp: sSecp, ShareEd: sEd, View: v}, nil
}

type counterpartyRecord struct {
	PublicKey []byte `cbor:"public_key"`
	ShareSecp []byte `cbor:"share_secp"`
	ShareEd   []byte `cbor:"share_ed"`
	View      []byte `cbor:"view"`
}

func (c *CounterpartyKeys) record() counterpartyRecord {
	return counterpartyRecord{
		PublicKey: c.PublicKey.SerializeCompressed(),
		ShareSecp: c.ShareSecp.SerializeCompressed(),
		ShareEd:   c.ShareEd.Bytes(),
		View:      c.View.Bytes(),
	}
}

func counterpartyFromRecord(r counterpartyRecord) (*CounterpartyKeys, error) {
	pk, err := btcec.ParsePubKey(r.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to restore counterparty key: %w", err)
	}
	sSecp, err := btcec.ParsePubKey(r.ShareSecp)
	if err != nil {
		return nil, fmt.Errorf("failed to restore counterparty spend share: %w", err)
	}
	sEd, err := monero.PublicKeyFromBytes(r.ShareEd)
	if err != nil {
		return nil, fmt.Errorf("failed to restore counterparty spend share: %w", err)
	}
	view, err := monero.PrivateViewKeyFromBytes(r.View)
	if err != nil {
		return nil, fmt.Errorf("failed to restore counterparty view share: %w", err)
	}
	return &CounterpartyKeys{PublicKey: pk, ShareSecp: sSecp, ShareEd: sEd, View: view}, nil
}

// JointViewPair derives the shared view pair both parties scan with.
func JointViewPair(ownShare *crypto.CrossGroupScalar, ownView *monero.PrivateViewKey, other *CounterpartyKeys) monero.ViewPair {
	ownSpendPub := monero.PublicKeyFromPoint(ownShare.EdPoint())
	return monero.ViewPair{
		SpendPublic: ownSpendPub.Add(other.ShareEd),
		ViewPrivate: ownView.Add(other.View),
	}
}
