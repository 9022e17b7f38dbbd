package imports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortiblox/wasmvm/pkg/vm/backend"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/region"
)

// QueryResult is what query_chain returns to the contract, encoded as
// {"ok": base64} or {"error": message}.
type QueryResult struct {
	Ok    []byte `json:"ok"`
	Error string `json:"error"`
}

// MarshalJSON emits exactly one of the two fields.
func (r QueryResult) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Error})
	}
	ok := r.Ok
	if ok == nil {
		ok = []byte{}
	}
	return json.Marshal(struct {
		Ok []byte `json:"ok"`
	}{ok})
}

func (r *Registry) registerMisc() {
	// debug(message)
	r.register("debug", 1, none, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if err := env.charge(inst, env.Costs.Debug.Base); err != nil {
			return 0, err
		}
		msg, err := region.Read(inst.Memory(), arg(args, 0), env.Limits.MaxDebugLength)
		if err != nil {
			return 0, err
		}
		if err := env.charge(inst, perItem(env.Costs.Debug, len(msg))); err != nil {
			return 0, err
		}
		if env.Debug != nil {
			env.Debug(string(msg), env.Gas.Remaining())
		}
		return 0, nil
	})

	// abort(message) never returns to the contract.
	r.register("abort", 1, none, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		msg, err := region.Read(inst.Memory(), arg(args, 0), env.Limits.MaxDebugLength)
		if err != nil {
			return 0, err
		}
		return 0, &AbortError{Message: string(msg)}
	})

	// query_chain(request) -> QueryResult region
	r.register("query_chain", 1, retI32, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if env.Querier == nil {
			return 0, ErrNoQuerier
		}
		if err := env.charge(inst, env.Costs.QueryChain.Base); err != nil {
			return 0, err
		}
		request, err := region.Read(inst.Memory(), arg(args, 0), env.Limits.MaxQueryRequestLength)
		if err != nil {
			return 0, err
		}
		if err := env.charge(inst, perItem(env.Costs.QueryChain, len(request))); err != nil {
			return 0, err
		}
		left, err := env.remaining(inst)
		if err != nil {
			return 0, err
		}

		response, used, qerr := env.Querier.Query(ctx, request, left)
		if err := env.chargeExternal(inst, used); err != nil {
			return 0, err
		}
		var result QueryResult
		switch {
		case qerr == nil:
			result.Ok = response
		case errors.Is(qerr, backend.ErrQuery):
			result.Error = qerr.Error()
		default:
			return 0, fmt.Errorf("query_chain: %w", qerr)
		}

		out, err := json.Marshal(result)
		if err != nil {
			return 0, err
		}
		ptr, err := env.WriteRegion(ctx, inst, out)
		return uint64(ptr), err
	})
}
