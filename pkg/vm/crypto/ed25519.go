package crypto

import (
	"context"
	"crypto/ed25519"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Ed25519 input sizes.
const (
	Ed25519SignatureLength = ed25519.SignatureSize
	Ed25519PubkeyLength    = ed25519.PublicKeySize
)

// Ed25519Verify verifies sig over msg.
func Ed25519Verify(msg, sig, pubkey []byte) (bool, error) {
	if len(sig) != Ed25519SignatureLength {
		return false, ErrInvalidSignatureFormat
	}
	if len(pubkey) != Ed25519PubkeyLength {
		return false, ErrInvalidPubkeyFormat
	}
	return ed25519.Verify(pubkey, msg, sig), nil
}

// Ed25519BatchVerify verifies many signatures. Messages and public keys
// either match the signature count or are a single entry shared by all
// signatures. An empty batch is valid. Verification fans out over the
// available CPUs; the result does not depend on scheduling.
func Ed25519BatchVerify(ctx context.Context, msgs, sigs, pubkeys [][]byte) (bool, error) {
	n := len(sigs)
	if len(msgs) == 1 && n > 1 {
		msgs = repeat(msgs[0], n)
	}
	if len(pubkeys) == 1 && n > 1 {
		pubkeys = repeat(pubkeys[0], n)
	}
	if len(msgs) != n || len(pubkeys) != n {
		return false, ErrBatchMismatch
	}
	for i := 0; i < n; i++ {
		if len(sigs[i]) != Ed25519SignatureLength {
			return false, ErrInvalidSignatureFormat
		}
		if len(pubkeys[i]) != Ed25519PubkeyLength {
			return false, ErrInvalidPubkeyFormat
		}
	}

	var invalid atomic.Bool
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if invalid.Load() {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !ed25519.Verify(pubkeys[i], msgs[i], sigs[i]) {
				invalid.Store(true)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return !invalid.Load(), nil
}

func repeat(b []byte, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
