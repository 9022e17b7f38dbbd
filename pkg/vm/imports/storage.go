package imports

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/wasmvm/pkg/vm/backend"
	"github.com/fortiblox/wasmvm/pkg/vm/engine"
	"github.com/fortiblox/wasmvm/pkg/vm/gas"
	"github.com/fortiblox/wasmvm/pkg/vm/region"
)

// perItem returns the variable part of c for n items.
func perItem(c gas.LinearCost, n int) uint64 {
	return gas.LinearCost{PerItem: c.PerItem}.Total(uint64(n))
}

func (r *Registry) registerStorage() {
	// db_read(key) -> value region, 0 if the key does not exist
	r.register("db_read", 1, retI32, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if env.Store == nil {
			return 0, ErrNoStorage
		}
		if err := env.charge(inst, env.Costs.DBRead.Base); err != nil {
			return 0, err
		}
		key, err := region.Read(inst.Memory(), arg(args, 0), env.Limits.MaxKeyLength)
		if err != nil {
			return 0, err
		}
		if err := env.charge(inst, perItem(env.Costs.DBRead, len(key))); err != nil {
			return 0, err
		}
		value, err := env.Store.Get(key)
		if err != nil {
			return 0, fmt.Errorf("db_read: %w", err)
		}
		if value == nil {
			return 0, nil
		}
		if err := env.charge(inst, perItem(env.Costs.DBRead, len(value))); err != nil {
			return 0, err
		}
		ptr, err := env.WriteRegion(ctx, inst, value)
		return uint64(ptr), err
	})

	// db_write(key, value)
	r.register("db_write", 2, none, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if env.ReadOnly {
			return 0, ErrWriteAccessDenied
		}
		if env.Store == nil {
			return 0, ErrNoStorage
		}
		if err := env.charge(inst, env.Costs.DBWrite.Base); err != nil {
			return 0, err
		}
		mem := inst.Memory()
		key, err := region.Read(mem, arg(args, 0), env.Limits.MaxKeyLength)
		if err != nil {
			return 0, err
		}
		value, err := region.Read(mem, arg(args, 1), env.Limits.MaxValueLength)
		if err != nil {
			return 0, err
		}
		if err := env.charge(inst, perItem(env.Costs.DBWrite, len(key)+len(value))); err != nil {
			return 0, err
		}
		if err := env.Store.Set(key, value); err != nil {
			return 0, fmt.Errorf("db_write: %w", err)
		}
		return 0, nil
	})

	// db_remove(key)
	r.register("db_remove", 1, none, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if env.ReadOnly {
			return 0, ErrWriteAccessDenied
		}
		if env.Store == nil {
			return 0, ErrNoStorage
		}
		if err := env.charge(inst, env.Costs.DBRemove.Base); err != nil {
			return 0, err
		}
		key, err := region.Read(inst.Memory(), arg(args, 0), env.Limits.MaxKeyLength)
		if err != nil {
			return 0, err
		}
		if err := env.charge(inst, perItem(env.Costs.DBRemove, len(key))); err != nil {
			return 0, err
		}
		if err := env.Store.Delete(key); err != nil {
			return 0, fmt.Errorf("db_remove: %w", err)
		}
		return 0, nil
	})

	// db_scan(start, end, order) -> iterator id. Zero bound pointers leave
	// the range open on that side.
	r.register("db_scan", 3, retI32, func(_ context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		if env.Store == nil {
			return 0, ErrNoStorage
		}
		if err := env.charge(inst, env.Costs.DBScan.Base); err != nil {
			return 0, err
		}
		mem := inst.Memory()
		start, err := region.MaybeRead(mem, arg(args, 0), env.Limits.MaxKeyLength)
		if err != nil {
			return 0, err
		}
		end, err := region.MaybeRead(mem, arg(args, 1), env.Limits.MaxKeyLength)
		if err != nil {
			return 0, err
		}
		order := backend.Order(int32(arg(args, 2)))
		if !order.Valid() {
			return 0, fmt.Errorf("%w: %d", ErrInvalidOrder, int32(order))
		}
		if err := env.charge(inst, perItem(env.Costs.DBScan, len(start)+len(end))); err != nil {
			return 0, err
		}
		it, err := env.Store.Iterator(start, end, order)
		if err != nil {
			return 0, fmt.Errorf("db_scan: %w", err)
		}
		id, err := env.addIterator(it)
		return uint64(id), err
	})

	// db_next(id) -> key || be32(len(key)) || value || be32(len(value));
	// an empty key marks the end of the range.
	r.register("db_next", 1, retI32, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		rec, _, err := nextRecord(env, inst, arg(args, 0))
		if err != nil {
			return 0, err
		}
		ptr, err := env.WriteRegion(ctx, inst, EncodeRecord(rec))
		return uint64(ptr), err
	})

	// db_next_key(id) -> key region, 0 at the end of the range
	r.register("db_next_key", 1, retI32, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		rec, ok, err := nextRecord(env, inst, arg(args, 0))
		if err != nil || !ok {
			return 0, err
		}
		ptr, err := env.WriteRegion(ctx, inst, rec.Key)
		return uint64(ptr), err
	})

	// db_next_value(id) -> value region, 0 at the end of the range
	r.register("db_next_value", 1, retI32, func(ctx context.Context, env *Environment, inst engine.Instance, args []uint64) (uint64, error) {
		rec, ok, err := nextRecord(env, inst, arg(args, 0))
		if err != nil || !ok {
			return 0, err
		}
		ptr, err := env.WriteRegion(ctx, inst, rec.Value)
		return uint64(ptr), err
	})
}

func nextRecord(env *Environment, inst engine.Instance, id uint32) (backend.Record, bool, error) {
	if err := env.charge(inst, env.Costs.DBNext.Base); err != nil {
		return backend.Record{}, false, err
	}
	it, err := env.iterator(id)
	if err != nil {
		return backend.Record{}, false, err
	}
	rec, ok, err := it.Next()
	if err != nil {
		return backend.Record{}, false, fmt.Errorf("db_next: %w", err)
	}
	if !ok {
		return backend.Record{}, false, nil
	}
	if err := env.charge(inst, perItem(env.Costs.DBNext, len(rec.Key)+len(rec.Value))); err != nil {
		return backend.Record{}, false, err
	}
	return rec, true, nil
}

// EncodeRecord encodes a record as returned by db_next.
func EncodeRecord(rec backend.Record) []byte {
	out := make([]byte, 0, len(rec.Key)+len(rec.Value)+8)
	out = append(out, rec.Key...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(rec.Key)))
	out = append(out, rec.Value...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(rec.Value)))
	return out
}
