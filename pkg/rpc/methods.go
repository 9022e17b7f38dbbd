package rpc

import (
	"context"
	"encoding/json"

	"github.com/fortiblox/wasmvm/internal/types"
	"github.com/fortiblox/wasmvm/pkg/vm"
)

// defaultEnv is passed to contracts when a call sets no env.
var defaultEnv = json.RawMessage(`{"block":{"height":0,"time":"0","chain_id":"local"}}`)

// parseArgs splits positional params. The first required entries must be
// present.
func parseArgs(params json.RawMessage, required int) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("invalid params")
		}
	}
	if len(args) < required {
		return nil, InvalidParamsErrorf("expected at least %d params, got %d", required, len(args))
	}
	return args, nil
}

// parseChecksum decodes a hex checksum param.
func parseChecksum(raw json.RawMessage) (types.Checksum, *RPCError) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Checksum{}, InvalidParamsError("invalid checksum")
	}
	checksum, err := types.ChecksumFromHex(s)
	if err != nil {
		return types.Checksum{}, InvalidParamsErrorf("invalid checksum: %v", err)
	}
	return checksum, nil
}

// parseConfig decodes the optional config at args[i].
func parseConfig(args []json.RawMessage, i int, config interface{}) *RPCError {
	if len(args) <= i {
		return nil
	}
	if err := json.Unmarshal(args[i], config); err != nil {
		return InvalidParamsError("invalid config")
	}
	return nil
}

// Code methods

// storeCode validates and stores code: [code, config?].
func (s *Server) storeCode(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var encoded string
	if err := json.Unmarshal(args[0], &encoded); err != nil {
		return nil, InvalidParamsError("invalid code")
	}
	var config StoreCodeConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	code, err := DecodeData(encoded, config.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("decode code: %v", err)
	}

	if config.Checksum != nil {
		report, err := s.vm.StoreCodeChecked(ctx, *config.Checksum, code)
		if err != nil {
			return nil, vmError(err)
		}
		return StoreCodeResult{Checksum: *config.Checksum, Report: report}, nil
	}
	checksum, report, err := s.vm.StoreCode(ctx, code)
	if err != nil {
		return nil, vmError(err)
	}
	return StoreCodeResult{Checksum: checksum, Report: report}, nil
}

// getCode returns the stored bytecode: [checksum, config?].
func (s *Server) getCode(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	checksum, rpcErr := parseChecksum(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config CodeConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}
	code, err := s.vm.GetCode(checksum)
	if err != nil {
		return nil, vmError(err)
	}
	encoded, err := EncodeData(code, config.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("%v", err)
	}
	return encoded, nil
}

// analyzeCode returns the report of stored code: [checksum].
func (s *Server) analyzeCode(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	checksum, rpcErr := parseChecksum(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	report, err := s.vm.AnalyzeCode(checksum)
	if err != nil {
		return nil, vmError(err)
	}
	return report, nil
}

// listCodes returns every stored checksum.
func (s *Server) listCodes(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	checksums, err := s.vm.Checksums()
	if err != nil {
		return nil, vmError(err)
	}
	if checksums == nil {
		checksums = []types.Checksum{}
	}
	return checksums, nil
}

// Cache methods

func (s *Server) cacheOp(ctx context.Context, params json.RawMessage, op func(context.Context, types.Checksum) error) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	checksum, rpcErr := parseChecksum(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := op(ctx, checksum); err != nil {
		return nil, vmError(err)
	}
	return true, nil
}

// pinCode pins a module: [checksum].
func (s *Server) pinCode(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.cacheOp(ctx, params, s.vm.Pin)
}

// unpinCode unpins a module: [checksum].
func (s *Server) unpinCode(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.cacheOp(ctx, params, s.vm.Unpin)
}

// removeCode deletes stored code: [checksum].
func (s *Server) removeCode(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.cacheOp(ctx, params, s.vm.RemoveCode)
}

// getCacheStats returns module cache statistics.
func (s *Server) getCacheStats(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return s.vm.Stats(), nil
}

// Call methods

// call parses [checksum, msg, config?] and runs fn.
func (s *Server) call(ctx context.Context, params json.RawMessage, fn func(ctx context.Context, checksum types.Checksum, msg []byte, config CallConfig, p vm.CallParams) (vm.CallResult, error)) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 2)
	if rpcErr != nil {
		return nil, rpcErr
	}
	checksum, rpcErr := parseChecksum(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config CallConfig
	if rpcErr := parseConfig(args, 2, &config); rpcErr != nil {
		return nil, rpcErr
	}
	if len(config.Env) == 0 {
		config.Env = defaultEnv
	}
	if len(config.Info) == 0 {
		config.Info = json.RawMessage(`{"sender":"","funds":[]}`)
	}
	p, rpcErr := s.callParams(checksum.Bytes(), config.GasLimit)
	if rpcErr != nil {
		return nil, rpcErr
	}

	res, err := fn(ctx, checksum, args[1], config, p)
	if err != nil {
		return nil, callError(err, res.GasReport)
	}
	return CallResult{Data: res.Data, GasReport: res.GasReport}, nil
}

// instantiate runs the instantiate entry point: [checksum, msg, config?].
func (s *Server) instantiate(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.call(ctx, params, func(ctx context.Context, checksum types.Checksum, msg []byte, config CallConfig, p vm.CallParams) (vm.CallResult, error) {
		return s.vm.Instantiate(ctx, checksum, config.Env, config.Info, msg, p)
	})
}

// execute runs the execute entry point: [checksum, msg, config?].
func (s *Server) execute(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.call(ctx, params, func(ctx context.Context, checksum types.Checksum, msg []byte, config CallConfig, p vm.CallParams) (vm.CallResult, error) {
		return s.vm.Execute(ctx, checksum, config.Env, config.Info, msg, p)
	})
}

// query runs the query entry point: [checksum, msg, config?].
func (s *Server) query(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.call(ctx, params, func(ctx context.Context, checksum types.Checksum, msg []byte, config CallConfig, p vm.CallParams) (vm.CallResult, error) {
		return s.vm.Query(ctx, checksum, config.Env, msg, p)
	})
}

// Node methods

// getHealth returns the node health status.
func (s *Server) getHealth(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return "ok", nil
}

// getVersion returns version information.
func (s *Server) getVersion(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return VersionResult{
		Version:          s.config.Version,
		InterfaceVersion: vm.InterfaceVersion,
	}, nil
}
