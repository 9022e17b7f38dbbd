package imports

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/fortiblox/wasmvm/pkg/vm/backend"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/region"
)

// Messages returned to the contract for unusable address input.
const (
	msgEmptyInput  = "Input is empty"
	msgInvalidUTF8 = "Input is not valid UTF-8"
)

// readHuman reads a human address argument. A non-empty message means the
// input is unusable and should be returned to the contract.
func readHuman(env *Environment, inst engine.Instance, ptr uint32) (string, string, error) {
	data, err := region.Read(inst.Memory(), ptr, env.Limits.MaxHumanAddressLength)
	if err != nil {
		return "", "", err
	}
	if len(data) == 0 {
		return "", msgEmptyInput, nil
	}
	if !utf8.Valid(data) {
		return "", msgInvalidUTF8, nil
	}
	return string(data), "", nil
}

// addressResult maps an AddressAPI error. Invalid addresses become an
// error region for the contract; anything else aborts.
func addressResult(ctx context.Context, env *Environment, inst engine.Instance, err error) (uint64, error) {
	if err == nil {
		return 0, nil
	}
	if !errors.Is(err, backend.ErrInvalidAddress) {
		return 0, err
	}
	ptr, werr := env.WriteRegion(ctx, inst, []byte(err.Error()))
	return uint64(ptr), werr
}

func (r *Registry) registerAddress() {
	// addr_validate(source) -> 0 or error region
	r.register("addr_validate", 1, retI32, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if env.API == nil {
			return 0, ErrNoAddressAPI
		}
		if err := env.charge(inst, env.Costs.AddrValidate.Base); err != nil {
			return 0, err
		}
		human, msg, err := readHuman(env, inst, arg(args, 0))
		if err != nil {
			return 0, err
		}
		if msg != "" {
			ptr, err := env.WriteRegion(ctx, inst, []byte(msg))
			return uint64(ptr), err
		}
		if err := env.charge(inst, perItem(env.Costs.AddrValidate, len(human))); err != nil {
			return 0, err
		}
		return addressResult(ctx, env, inst, env.API.Validate(human))
	})

	// addr_canonicalize(source, destination) -> 0 or error region
	r.register("addr_canonicalize", 2, retI32, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if env.API == nil {
			return 0, ErrNoAddressAPI
		}
		if err := env.charge(inst, env.Costs.AddrCanonicalize.Base); err != nil {
			return 0, err
		}
		human, msg, err := readHuman(env, inst, arg(args, 0))
		if err != nil {
			return 0, err
		}
		if msg != "" {
			ptr, err := env.WriteRegion(ctx, inst, []byte(msg))
			return uint64(ptr), err
		}
		if err := env.charge(inst, perItem(env.Costs.AddrCanonicalize, len(human))); err != nil {
			return 0, err
		}
		canonical, err := env.API.Canonicalize(human)
		if err != nil {
			return addressResult(ctx, env, inst, err)
		}
		return 0, region.Write(inst.Memory(), arg(args, 1), canonical)
	})

	// addr_humanize(source, destination) -> 0 or error region
	r.register("addr_humanize", 2, retI32, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if env.API == nil {
			return 0, ErrNoAddressAPI
		}
		if err := env.charge(inst, env.Costs.AddrHumanize.Base); err != nil {
			return 0, err
		}
		canonical, err := region.Read(inst.Memory(), arg(args, 0), env.Limits.MaxCanonicalAddressLength)
		if err != nil {
			return 0, err
		}
		if err := env.charge(inst, perItem(env.Costs.AddrHumanize, len(canonical))); err != nil {
			return 0, err
		}
		human, err := env.API.Humanize(canonical)
		if err != nil {
			return addressResult(ctx, env, inst, err)
		}
		return 0, region.Write(inst.Memory(), arg(args, 1), []byte(human))
	})
}
