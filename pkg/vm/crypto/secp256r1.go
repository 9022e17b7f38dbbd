package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"math/big"
)

var p256HalfOrder = new(big.Int).Rsh(elliptic.P256().Params().N, 1)

func parseP256Pubkey(pubkey []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	var x, y *big.Int
	switch len(pubkey) {
	case ECDSACompressedPubkey:
		x, y = elliptic.UnmarshalCompressed(curve, pubkey)
	case ECDSAUncompressedPubkey:
		x, y = elliptic.Unmarshal(curve, pubkey) //nolint:staticcheck // raw point encoding is the wire format
	default:
		return nil, ErrInvalidPubkeyFormat
	}
	if x == nil {
		return nil, ErrInvalidPubkeyFormat
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// Secp256r1Verify verifies a compact P-256 signature over a 32 byte
// message hash. High s values are rejected as invalid.
func Secp256r1Verify(hash, sig, pubkey []byte) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	if len(sig) != ECDSASignatureLength {
		return false, ErrInvalidSignatureFormat
	}
	n := elliptic.P256().Params().N
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if r.Sign() == 0 || s.Sign() == 0 || r.Cmp(n) >= 0 || s.Cmp(n) >= 0 {
		return false, ErrInvalidSignatureFormat
	}
	pk, err := parseP256Pubkey(pubkey)
	if err != nil {
		return false, err
	}
	if s.Cmp(p256HalfOrder) > 0 {
		return false, nil
	}
	return ecdsa.Verify(pk, hash, r, s), nil
}
