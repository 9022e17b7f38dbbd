package crypto

import (
	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
)

// Compressed point sizes.
const (
	BLS12381G1Length = bls12381.SizeOfG1AffineCompressed
	BLS12381G2Length = bls12381.SizeOfG2AffineCompressed
)

// HashFunction selects the expander of hash-to-curve.
type HashFunction uint32

// Supported hash functions.
const (
	HashSHA256 HashFunction = 0
)

func splitPoints(b []byte, size int) ([][]byte, error) {
	if len(b) == 0 {
		return nil, ErrEmptyInput
	}
	if len(b)%size != 0 {
		return nil, ErrInvalidPoint
	}
	out := make([][]byte, 0, len(b)/size)
	for i := 0; i < len(b); i += size {
		out = append(out, b[i:i+size])
	}
	return out, nil
}

func decodeG1(b []byte) (bls12381.G1Affine, error) {
	var p bls12381.G1Affine
	if _, err := p.SetBytes(b); err != nil {
		return p, ErrInvalidPoint
	}
	return p, nil
}

func decodeG2(b []byte) (bls12381.G2Affine, error) {
	var p bls12381.G2Affine
	if _, err := p.SetBytes(b); err != nil {
		return p, ErrInvalidPoint
	}
	return p, nil
}

// BLS12381AggregateG1 sums concatenated compressed G1 points.
func BLS12381AggregateG1(points []byte) ([]byte, error) {
	encoded, err := splitPoints(points, BLS12381G1Length)
	if err != nil {
		return nil, err
	}
	var sum bls12381.G1Jac
	for _, e := range encoded {
		p, err := decodeG1(e)
		if err != nil {
			return nil, err
		}
		sum.AddMixed(&p)
	}
	var out bls12381.G1Affine
	out.FromJacobian(&sum)
	b := out.Bytes()
	return b[:], nil
}

// BLS12381AggregateG2 sums concatenated compressed G2 points.
func BLS12381AggregateG2(points []byte) ([]byte, error) {
	encoded, err := splitPoints(points, BLS12381G2Length)
	if err != nil {
		return nil, err
	}
	var sum bls12381.G2Jac
	for _, e := range encoded {
		p, err := decodeG2(e)
		if err != nil {
			return nil, err
		}
		sum.AddMixed(&p)
	}
	var out bls12381.G2Affine
	out.FromJacobian(&sum)
	b := out.Bytes()
	return b[:], nil
}

// BLS12381PairingEquality checks e(p1, q1) * ... * e(pn, qn) == e(r, s).
func BLS12381PairingEquality(ps, qs, r, s []byte) (bool, error) {
	g1s, err := splitPoints(ps, BLS12381G1Length)
	if err != nil {
		return false, err
	}
	g2s, err := splitPoints(qs, BLS12381G2Length)
	if err != nil {
		return false, err
	}
	if len(g1s) != len(g2s) {
		return false, ErrBatchMismatch
	}

	P := make([]bls12381.G1Affine, 0, len(g1s)+1)
	Q := make([]bls12381.G2Affine, 0, len(g2s)+1)
	for i := range g1s {
		p, err := decodeG1(g1s[i])
		if err != nil {
			return false, err
		}
		q, err := decodeG2(g2s[i])
		if err != nil {
			return false, err
		}
		P = append(P, p)
		Q = append(Q, q)
	}
	rp, err := decodeG1(r)
	if err != nil {
		return false, err
	}
	sq, err := decodeG2(s)
	if err != nil {
		return false, err
	}
	var negR bls12381.G1Affine
	negR.Neg(&rp)
	P = append(P, negR)
	Q = append(Q, sq)

	ok, err := bls12381.PairingCheck(P, Q)
	if err != nil {
		return false, ErrInvalidPoint
	}
	return ok, nil
}

// BLS12381HashToG1 maps msg to a G1 point under the domain separation tag.
func BLS12381HashToG1(hash HashFunction, msg, dst []byte) ([]byte, error) {
	if hash != HashSHA256 {
		return nil, ErrUnknownHashFunction
	}
	p, err := bls12381.HashToG1(msg, dst)
	if err != nil {
		return nil, err
	}
	b := p.Bytes()
	return b[:], nil
}

// BLS12381HashToG2 maps msg to a G2 point under the domain separation tag.
func BLS12381HashToG2(hash HashFunction, msg, dst []byte) ([]byte, error) {
	if hash != HashSHA256 {
		return nil, ErrUnknownHashFunction
	}
	p, err := bls12381.HashToG2(msg, dst)
	if err != nil {
		return nil, err
	}
	b := p.Bytes()
	return b[:], nil
}
