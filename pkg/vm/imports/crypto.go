package imports

import (
	"context"
	"errors"

	"github.com/fortiblox/wasmvm/pkg/vm/crypto"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
	"github.com/fortiblox/wasmvm/pkg/vm/region"
)

// maxDSTLength is the longest hash-to-curve domain separation tag.
const maxDSTLength = 255

// verifyResult encodes a verification outcome for the contract: 0 valid,
// 1 invalid, or the error code of malformed input. Other errors abort.
func verifyResult(ok bool, err error) (uint64, error) {
	if err != nil {
		return cryptoCode(err)
	}
	if ok {
		return crypto.CodeOK, nil
	}
	return crypto.CodeInvalid, nil
}

func cryptoCode(err error) (uint64, error) {
	var cerr *crypto.Error
	if errors.As(err, &cerr) {
		return uint64(cerr.Code), nil
	}
	return 0, err
}

func readAll(mem region.Memory, ptrs []uint32, maxLengths []uint32) ([][]byte, error) {
	out := make([][]byte, len(ptrs))
	for i, ptr := range ptrs {
		data, err := region.Read(mem, ptr, maxLengths[i])
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// batchLength bounds a sections encoded batch of n items of up to size
// bytes each.
func batchLength(n, size uint32) uint32 {
	total := uint64(n) * (uint64(size) + 4)
	if total > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(total)
}

func (r *Registry) registerCrypto() {
	// secp256k1_verify(hash, signature, pubkey) -> code
	r.register("secp256k1_verify", 3, retI32, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if err := env.charge(inst, env.Costs.Secp256k1Verify); err != nil {
			return 0, err
		}
		in, err := readAll(inst.Memory(),
			[]uint32{arg(args, 0), arg(args, 1), arg(args, 2)},
			[]uint32{crypto.MessageHashLength, crypto.ECDSASignatureLength, crypto.ECDSAUncompressedPubkey})
		if err != nil {
			return 0, err
		}
		return verifyResult(crypto.Secp256k1Verify(in[0], in[1], in[2]))
	})

	// secp256k1_recover_pubkey(hash, signature, recovery_param) -> i64.
	// The low half is the pubkey region on success, the high half the
	// error code otherwise.
	r.register("secp256k1_recover_pubkey", 3, retI64, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if err := env.charge(inst, env.Costs.Secp256k1RecoverPubkey); err != nil {
			return 0, err
		}
		in, err := readAll(inst.Memory(),
			[]uint32{arg(args, 0), arg(args, 1)},
			[]uint32{crypto.MessageHashLength, crypto.ECDSASignatureLength})
		if err != nil {
			return 0, err
		}
		pubkey, err := crypto.Secp256k1RecoverPubkey(in[0], in[1], arg(args, 2))
		if err != nil {
			code, err := cryptoCode(err)
			return code << 32, err
		}
		ptr, err := env.WriteRegion(ctx, inst, pubkey)
		return uint64(ptr), err
	})

	// secp256r1_verify(hash, signature, pubkey) -> code
	r.register("secp256r1_verify", 3, retI32, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if err := env.charge(inst, env.Costs.Secp256r1Verify); err != nil {
			return 0, err
		}
		in, err := readAll(inst.Memory(),
			[]uint32{arg(args, 0), arg(args, 1), arg(args, 2)},
			[]uint32{crypto.MessageHashLength, crypto.ECDSASignatureLength, crypto.ECDSAUncompressedPubkey})
		if err != nil {
			return 0, err
		}
		return verifyResult(crypto.Secp256r1Verify(in[0], in[1], in[2]))
	})

	// ed25519_verify(message, signature, pubkey) -> code
	r.register("ed25519_verify", 3, retI32, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if err := env.charge(inst, env.Costs.Ed25519Verify.Base); err != nil {
			return 0, err
		}
		in, err := readAll(inst.Memory(),
			[]uint32{arg(args, 0), arg(args, 1), arg(args, 2)},
			[]uint32{env.Limits.MaxMessageLength, crypto.Ed25519SignatureLength, crypto.Ed25519PubkeyLength})
		if err != nil {
			return 0, err
		}
		if err := env.charge(inst, perItem(env.Costs.Ed25519Verify, len(in[0]))); err != nil {
			return 0, err
		}
		return verifyResult(crypto.Ed25519Verify(in[0], in[1], in[2]))
	})

	// ed25519_batch_verify(messages, signatures, pubkeys) -> code, each
	// argument sections encoded
	r.register("ed25519_batch_verify", 3, retI32, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if err := env.charge(inst, env.Costs.Ed25519BatchVerify.Base); err != nil {
			return 0, err
		}
		n := env.Limits.MaxBatchSize
		in, err := readAll(inst.Memory(),
			[]uint32{arg(args, 0), arg(args, 1), arg(args, 2)},
			[]uint32{
				batchLength(n, env.Limits.MaxMessageLength),
				batchLength(n, crypto.Ed25519SignatureLength),
				batchLength(n, crypto.Ed25519PubkeyLength),
			})
		if err != nil {
			return 0, err
		}
		batch := make([][][]byte, len(in))
		for i, data := range in {
			if batch[i], err = DecodeSections(data, n); err != nil {
				return 0, err
			}
		}
		if err := env.charge(inst, perItem(env.Costs.Ed25519BatchVerify, len(batch[1]))); err != nil {
			return 0, err
		}
		return verifyResult(crypto.Ed25519BatchVerify(ctx, batch[0], batch[1], batch[2]))
	})

	// bls12_381_aggregate_g1(points, out) -> code
	r.register("bls12_381_aggregate_g1", 2, retI32, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		return aggregate(env, inst, args, env.Costs.BLS12381AggregateG1.Base, crypto.BLS12381G1Length,
			func(n int) uint64 { return perItem(env.Costs.BLS12381AggregateG1, n) },
			crypto.BLS12381AggregateG1)
	})

	// bls12_381_aggregate_g2(points, out) -> code
	r.register("bls12_381_aggregate_g2", 2, retI32, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		return aggregate(env, inst, args, env.Costs.BLS12381AggregateG2.Base, crypto.BLS12381G2Length,
			func(n int) uint64 { return perItem(env.Costs.BLS12381AggregateG2, n) },
			crypto.BLS12381AggregateG2)
	})

	// bls12_381_pairing_equality(ps, qs, r, s) -> code
	r.register("bls12_381_pairing_equality", 4, retI32, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if err := env.charge(inst, env.Costs.BLS12381PairingEquality.Base); err != nil {
			return 0, err
		}
		n := env.Limits.MaxCurvePoints
		in, err := readAll(inst.Memory(),
			[]uint32{arg(args, 0), arg(args, 1), arg(args, 2), arg(args, 3)},
			[]uint32{n * crypto.BLS12381G1Length, n * crypto.BLS12381G2Length, crypto.BLS12381G1Length, crypto.BLS12381G2Length})
		if err != nil {
			return 0, err
		}
		pairs := len(in[0]) / crypto.BLS12381G1Length
		if err := env.charge(inst, perItem(env.Costs.BLS12381PairingEquality, pairs)); err != nil {
			return 0, err
		}
		return verifyResult(crypto.BLS12381PairingEquality(in[0], in[1], in[2], in[3]))
	})

	// bls12_381_hash_to_g1(hash_function, message, dst, out) -> code
	r.register("bls12_381_hash_to_g1", 4, retI32, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		return hashToCurve(env, inst, args, env.Costs.BLS12381HashToG1, crypto.BLS12381HashToG1)
	})

	// bls12_381_hash_to_g2(hash_function, message, dst, out) -> code
	r.register("bls12_381_hash_to_g2", 4, retI32, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		return hashToCurve(env, inst, args, env.Costs.BLS12381HashToG2, crypto.BLS12381HashToG2)
	})
}

func aggregate(env *Environment, inst engine.Instance, args []uint64, base uint64, size int,
	perPoint func(int) uint64, fn func([]byte) ([]byte, error)) (uint64, error) {
	if err := env.charge(inst, base); err != nil {
		return 0, err
	}
	mem := inst.Memory()
	points, err := region.Read(mem, arg(args, 0), env.Limits.MaxCurvePoints*uint32(size))
	if err != nil {
		return 0, err
	}
	if err := env.charge(inst, perPoint(len(points)/size)); err != nil {
		return 0, err
	}
	sum, err := fn(points)
	if err != nil {
		return cryptoCode(err)
	}
	return crypto.CodeOK, region.Write(mem, arg(args, 1), sum)
}

func hashToCurve(env *Environment, inst engine.Instance, args []uint64, cost gas.LinearCost,
	fn func(crypto.HashFunction, []byte, []byte) ([]byte, error)) (uint64, error) {
	if err := env.charge(inst, cost.Base); err != nil {
		return 0, err
	}
	mem := inst.Memory()
	in, err := readAll(mem,
		[]uint32{arg(args, 1), arg(args, 2)},
		[]uint32{env.Limits.MaxMessageLength, maxDSTLength})
	if err != nil {
		return 0, err
	}
	if err := env.charge(inst, perItem(cost, len(in[0]))); err != nil {
		return 0, err
	}
	point, err := fn(crypto.HashFunction(arg(args, 0)), in[0], in[1])
	if err != nil {
		return cryptoCode(err)
	}
	return crypto.CodeOK, region.Write(mem, arg(args, 3), point)
}
