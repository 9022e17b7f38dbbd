package crypto

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"testing"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	k1ecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecp256k1VerifyAndRecover(t *testing.T) {
	seed := sha256.Sum256([]byte("k1 test key"))
	priv := secp256k1.PrivKeyFromBytes(seed[:])
	hash := sha256.Sum256([]byte("hello"))

	compact := k1ecdsa.SignCompact(priv, hash[:], false)
	recid := uint32(compact[0] - 27)
	sig := compact[1:]

	ok, err := Secp256k1Verify(hash[:], sig, priv.PubKey().SerializeCompressed())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Secp256k1Verify(hash[:], sig, priv.PubKey().SerializeUncompressed())
	require.NoError(t, err)
	assert.True(t, ok)

	other := sha256.Sum256([]byte("world"))
	ok, err = Secp256k1Verify(other[:], sig, priv.PubKey().SerializeCompressed())
	require.NoError(t, err)
	assert.False(t, ok)

	pub, err := Secp256k1RecoverPubkey(hash[:], sig, recid)
	require.NoError(t, err)
	assert.Equal(t, priv.PubKey().SerializeUncompressed(), pub)

	_, err = Secp256k1RecoverPubkey(hash[:], sig, 2)
	assert.ErrorIs(t, err, ErrInvalidRecoveryParam)
}

func TestSecp256k1InputErrors(t *testing.T) {
	hash := make([]byte, 32)
	sig := make([]byte, 64)
	sig[31], sig[63] = 1, 1
	pub := make([]byte, 33)

	_, err := Secp256k1Verify(hash[:31], sig, pub)
	assert.Equal(t, uint32(CodeInvalidHashFormat), Code(err))

	_, err = Secp256k1Verify(hash, sig[:63], pub)
	assert.Equal(t, uint32(CodeInvalidSignatureFormat), Code(err))

	_, err = Secp256k1Verify(hash, make([]byte, 64), pub)
	assert.Equal(t, uint32(CodeInvalidSignatureFormat), Code(err))

	_, err = Secp256k1Verify(hash, sig, pub[:20])
	assert.Equal(t, uint32(CodeInvalidPubkeyFormat), Code(err))

	_, err = Secp256k1Verify(hash, sig, pub)
	assert.Equal(t, uint32(CodeInvalidPubkeyFormat), Code(err))
}

func TestSecp256r1Verify(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	hash := sha256.Sum256([]byte("hello"))

	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	require.NoError(t, err)
	if s.Cmp(p256HalfOrder) > 0 {
		s.Sub(elliptic.P256().Params().N, s)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	compressed := elliptic.MarshalCompressed(elliptic.P256(), priv.X, priv.Y)
	ok, err := Secp256r1Verify(hash[:], sig, compressed)
	require.NoError(t, err)
	assert.True(t, ok)

	// The high s twin of a valid signature is rejected.
	high := new(big.Int).Sub(elliptic.P256().Params().N, s)
	high.FillBytes(sig[32:])
	ok, err = Secp256r1Verify(hash[:], sig, compressed)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Secp256r1Verify(hash[:], sig, make([]byte, 33))
	assert.ErrorIs(t, err, ErrInvalidPubkeyFormat)
}

func TestEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	msg := []byte("message")
	sig := ed25519.Sign(priv, msg)

	ok, err := Ed25519Verify(msg, sig, pub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Ed25519Verify([]byte("other"), sig, pub)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Ed25519Verify(msg, sig[:10], pub)
	assert.ErrorIs(t, err, ErrInvalidSignatureFormat)
}

func TestEd25519BatchVerify(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msgs := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	sigs := make([][]byte, len(msgs))
	for i, m := range msgs {
		sigs[i] = ed25519.Sign(priv, m)
	}

	ok, err := Ed25519BatchVerify(ctx, msgs, sigs, [][]byte{pub})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Ed25519BatchVerify(ctx, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	sigs[1] = sigs[0]
	ok, err = Ed25519BatchVerify(ctx, msgs, sigs, [][]byte{pub, pub, pub})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Ed25519BatchVerify(ctx, msgs[:2], sigs, [][]byte{pub})
	assert.ErrorIs(t, err, ErrBatchMismatch)
}

func TestBLS12381(t *testing.T) {
	_, _, g1, g2 := bls12381.Generators()
	g1b := g1.Bytes()
	g2b := g2.Bytes()

	var two bls12381.G1Affine
	two.ScalarMultiplication(&g1, big.NewInt(2))
	twoB := two.Bytes()

	sum, err := BLS12381AggregateG1(append(g1b[:], g1b[:]...))
	require.NoError(t, err)
	assert.Equal(t, twoB[:], sum)

	sum2, err := BLS12381AggregateG2(g2b[:])
	require.NoError(t, err)
	assert.Equal(t, g2b[:], sum2)

	_, err = BLS12381AggregateG1(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = BLS12381AggregateG1(g1b[:47])
	assert.ErrorIs(t, err, ErrInvalidPoint)

	// e(g1, g2) * e(g1, g2) == e(2*g1, g2)
	ok, err := BLS12381PairingEquality(append(g1b[:], g1b[:]...), append(g2b[:], g2b[:]...), twoB[:], g2b[:])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = BLS12381PairingEquality(g1b[:], g2b[:], twoB[:], g2b[:])
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = BLS12381PairingEquality(g1b[:], append(g2b[:], g2b[:]...), twoB[:], g2b[:])
	assert.ErrorIs(t, err, ErrBatchMismatch)

	dst := []byte("QUUX-V01-CS02-with-BLS12381G1_XMD:SHA-256_SSWU_RO_")
	h1, err := BLS12381HashToG1(HashSHA256, []byte("abc"), dst)
	require.NoError(t, err)
	assert.Len(t, h1, BLS12381G1Length)
	again, err := BLS12381HashToG1(HashSHA256, []byte("abc"), dst)
	require.NoError(t, err)
	assert.Equal(t, h1, again)

	h2, err := BLS12381HashToG2(HashSHA256, []byte("abc"), dst)
	require.NoError(t, err)
	assert.Len(t, h2, BLS12381G2Length)

	_, err = BLS12381HashToG1(HashFunction(7), []byte("abc"), dst)
	assert.ErrorIs(t, err, ErrUnknownHashFunction)
}
