package crypto

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Input sizes.
const (
	MessageHashLength       = 32
	ECDSASignatureLength    = 64
	ECDSACompressedPubkey   = 33
	ECDSAUncompressedPubkey = 65
)

func checkHash(hash []byte) error {
	if len(hash) != MessageHashLength {
		return ErrInvalidHashFormat
	}
	return nil
}

func checkPubkeyLength(pubkey []byte) error {
	if len(pubkey) != ECDSACompressedPubkey && len(pubkey) != ECDSAUncompressedPubkey {
		return ErrInvalidPubkeyFormat
	}
	return nil
}

// parseScalars decodes r || s. Zero or out of range scalars are invalid
// encodings.
func parseScalars(sig []byte) (r, s secp256k1.ModNScalar, err error) {
	if len(sig) != ECDSASignatureLength {
		return r, s, ErrInvalidSignatureFormat
	}
	if r.SetByteSlice(sig[:32]) || r.IsZero() {
		return r, s, ErrInvalidSignatureFormat
	}
	if s.SetByteSlice(sig[32:]) || s.IsZero() {
		return r, s, ErrInvalidSignatureFormat
	}
	return r, s, nil
}

// Secp256k1Verify verifies a compact signature over a 32 byte message
// hash. Signatures with a high s value are rejected as invalid.
func Secp256k1Verify(hash, sig, pubkey []byte) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	r, s, err := parseScalars(sig)
	if err != nil {
		return false, err
	}
	if err := checkPubkeyLength(pubkey); err != nil {
		return false, err
	}
	pk, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return false, ErrInvalidPubkeyFormat
	}
	if s.IsOverHalfOrder() {
		return false, nil
	}
	return ecdsa.NewSignature(&r, &s).Verify(hash, pk), nil
}

// Secp256k1RecoverPubkey recovers the uncompressed public key that
// produced sig over hash. recoveryParam is 0 or 1.
func Secp256k1RecoverPubkey(hash, sig []byte, recoveryParam uint32) ([]byte, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	if _, _, err := parseScalars(sig); err != nil {
		return nil, err
	}
	if recoveryParam > 1 {
		return nil, ErrInvalidRecoveryParam
	}
	compact := make([]byte, 1+ECDSASignatureLength)
	compact[0] = 27 + byte(recoveryParam)
	copy(compact[1:], sig)
	pk, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, ErrInvalidSignatureFormat
	}
	return pk.SerializeUncompressed(), nil
}
