package monero

import (
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Network identifies the Monero network an address belongs to. Only
// mainnet and stagenet are used by the swap protocol: mainnet pairs with
// Bitcoin mainnet, stagenet with Bitcoin testnet.
type Network string

const (
	NetworkMainnet  Network = "mainnet"
	NetworkStagenet Network = "stagenet"
)

// Standard-address network prefix bytes.
const (
	mainnetPrefix  byte = 18
	stagenetPrefix byte = 24
)

var (
	// ErrInvalidAddress is returned when address bytes or text do not
	// decode to a valid standard address.
	ErrInvalidAddress = errors.New("invalid monero address")

	// ErrNetworkMismatch is returned when an address belongs to a
	// different network than expected.
	ErrNetworkMismatch = errors.New("monero address network mismatch")
)

// Address is a Monero standard address: network prefix, public spend key,
// public view key, and a Keccak checksum, in Monero's block-wise base58.
type Address struct {
	network Network
	spend   *PublicKey
	view    *PublicKey
}

// NewAddress builds a standard address from its components.
func NewAddress(net Network, spend, view *PublicKey) (Address, error) {
	if spend == nil || view == nil {
		return Address{}, ErrInvalidAddress
	}
	return Address{network: net, spend: spend, view: view}, nil
}

// ParseAddress decodes a standard address string and checks it belongs to
// the expected network.
func ParseAddress(s string, net Network) (Address, error) {
	raw, err := base58Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}
	// prefix (1) + spend (32) + view (32) + checksum (4)
	if len(raw) != 69 {
		return Address{}, fmt.Errorf("%w: decoded length %d", ErrInvalidAddress, len(raw))
	}

	checksum := keccak256(raw[:65])
	for i := 0; i < 4; i++ {
		if raw[65+i] != checksum[i] {
			return Address{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
		}
	}

	var network Network
	switch raw[0] {
	case mainnetPrefix:
		network = NetworkMainnet
	case stagenetPrefix:
		network = NetworkStagenet
	default:
		return Address{}, fmt.Errorf("%w: unknown prefix %d", ErrInvalidAddress, raw[0])
	}
	if network != net {
		return Address{}, fmt.Errorf("%w: address is %s, expected %s", ErrNetworkMismatch, network, net)
	}

	spend, err := PublicKeyFromBytes(raw[1:33])
	if err != nil {
		return Address{}, fmt.Errorf("%w: bad spend key", ErrInvalidAddress)
	}
	view, err := PublicKeyFromBytes(raw[33:65])
	if err != nil {
		return Address{}, fmt.Errorf("%w: bad view key", ErrInvalidAddress)
	}

	return Address{network: network, spend: spend, view: view}, nil
}

// Network returns the address network.
func (a Address) Network() Network { return a.network }

// SpendKey returns the public spend key.
func (a Address) SpendKey() *PublicKey { return a.spend }

// ViewKey returns the public view key.
func (a Address) ViewKey() *PublicKey { return a.view }

// String renders the address in Monero base58.
func (a Address) String() string {
	raw := make([]byte, 0, 69)
	switch a.network {
	case NetworkStagenet:
		raw = append(raw, stagenetPrefix)
	default:
		raw = append(raw, mainnetPrefix)
	}
	raw = append(raw, a.spend.Bytes()...)
	raw = append(raw, a.view.Bytes()...)
	checksum := keccak256(raw)
	raw = append(raw, checksum[:4]...)
	return base58Encode(raw)
}

func keccak256(b []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return h.Sum(nil)
}

// Monero base58: the input is processed in 8-byte blocks, each encoded to
// exactly 11 characters (a shorter final block to a fixed shorter width),
// so addresses have a fixed length.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58BlockSizes = [9]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

func base58Encode(data []byte) string {
	var out []byte
	for len(data) > 0 {
		blockLen := len(data)
		if blockLen > 8 {
			blockLen = 8
		}
		block := data[:blockLen]
		data = data[blockLen:]

		num := new(big.Int).SetBytes(block)
		encoded := make([]byte, 0, 11)
		base := big.NewInt(58)
		mod := new(big.Int)
		for num.Sign() > 0 {
			num.DivMod(num, base, mod)
			encoded = append(encoded, base58Alphabet[mod.Int64()])
		}
		// Pad to the fixed width for this block size.
		width := base58BlockSizes[blockLen]
		for len(encoded) < width {
			encoded = append(encoded, base58Alphabet[0])
		}
		// Digits were produced least-significant first.
		for i, j := 0, len(encoded)-1; i < j; i, j = i+1, j-1 {
			encoded[i], encoded[j] = encoded[j], encoded[i]
		}
		out = append(out, encoded...)
	}
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	digit := make(map[byte]int64, len(base58Alphabet))
	for i := 0; i < len(base58Alphabet); i++ {
		digit[base58Alphabet[i]] = int64(i)
	}

	blockBytes := func(width int) (int, error) {
		for size, w := range base58BlockSizes {
			if w == width && size > 0 {
				return size, nil
			}
		}
		return 0, fmt.Errorf("invalid base58 block width %d", width)
	}

	var out []byte
	for len(s) > 0 {
		width := len(s)
		if width > 11 {
			width = 11
		}
		block := s[:width]
		s = s[width:]

		size, err := blockBytes(width)
		if err != nil {
			return nil, err
		}

		num := new(big.Int)
		base := big.NewInt(58)
		for i := 0; i < len(block); i++ {
			d, ok := digit[block[i]]
			if !ok {
				return nil, fmt.Errorf("invalid base58 character %q", block[i])
			}
			num.Mul(num, base)
			num.Add(num, big.NewInt(d))
		}

		raw := num.Bytes()
		if len(raw) > size {
			return nil, fmt.Errorf("base58 block overflows %d bytes", size)
		}
		padded := make([]byte, size)
		copy(padded[size-len(raw):], raw)
		out = append(out, padded...)
	}
	return out, nil
}
