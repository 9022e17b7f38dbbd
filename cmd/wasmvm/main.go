// wasmvm: command line front end for the contract VM.
//
// It validates and stores contract bytecode, manages the module cache and
// runs entry points against a local state database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fortiblox/wasmvm/internal/types"
	"github.com/fortiblox/wasmvm/pkg/address"
	"github.com/fortiblox/wasmvm/pkg/rpc"
	"github.com/fortiblox/wasmvm/pkg/storage"
	"github.com/fortiblox/wasmvm/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var (
	homeFlag = &cli.StringFlag{
		Name:    "home",
		Usage:   "directory holding stored code, compiled modules and state",
		Value:   defaultHome(),
		EnvVars: []string{"WASMVM_HOME"},
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML configuration file",
	}
	capabilitiesFlag = &cli.StringFlag{
		Name:  "capabilities",
		Usage: "comma separated capabilities offered to contracts, overrides the config file",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "log level: debug, info, warn, error",
		Value: "info",
	}
	gasLimitFlag = &cli.Uint64Flag{
		Name:  "gas-limit",
		Usage: "gas limit of the call",
		Value: 500_000_000_000,
	}
	envFlag = &cli.StringFlag{
		Name:  "env",
		Usage: "JSON block environment passed to the contract",
		Value: `{"block":{"height":1,"time":"0","chain_id":"local"}}`,
	}
	infoFlag = &cli.StringFlag{
		Name:  "info",
		Usage: "JSON message info passed to the contract",
		Value: `{"sender":"","funds":[]}`,
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "listen address of the JSON-RPC and /metrics endpoints",
		Value: rpc.DefaultConfig().Addr,
	}
)

func main() {
	app := &cli.App{
		Name:    "wasmvm",
		Usage:   "store and run WASM smart contracts",
		Version: fmt.Sprintf("%s (%s)", Version, GitCommit),
		Flags:   []cli.Flag{homeFlag, configFlag, capabilitiesFlag, logLevelFlag},
		Commands: []*cli.Command{
			{
				Name:      "check",
				Usage:     "validate a contract without storing it",
				ArgsUsage: "<file.wasm>",
				Action:    checkCmd,
			},
			{
				Name:      "store",
				Usage:     "validate, compile and store a contract",
				ArgsUsage: "<file.wasm>",
				Action:    storeCmd,
			},
			{
				Name:   "list",
				Usage:  "list stored checksums",
				Action: listCmd,
			},
			{
				Name:      "pin",
				Usage:     "pin a stored module",
				ArgsUsage: "<checksum>",
				Action:    pinCmd,
			},
			{
				Name:      "unpin",
				Usage:     "unpin a module",
				ArgsUsage: "<checksum>",
				Action:    unpinCmd,
			},
			{
				Name:      "remove",
				Usage:     "delete stored code and its compiled artifacts",
				ArgsUsage: "<checksum>",
				Action:    removeCmd,
			},
			{
				Name:   "stats",
				Usage:  "print module cache statistics",
				Action: statsCmd,
			},
			{
				Name:      "query",
				Usage:     "run the query entry point",
				ArgsUsage: "<checksum> <msg>",
				Flags:     []cli.Flag{gasLimitFlag, envFlag},
				Action:    queryCmd,
			},
			{
				Name:      "execute",
				Usage:     "run the execute entry point",
				ArgsUsage: "<checksum> <msg>",
				Flags:     []cli.Flag{gasLimitFlag, envFlag, infoFlag},
				Action:    executeCmd,
			},
			{
				Name:      "instantiate",
				Usage:     "run the instantiate entry point",
				ArgsUsage: "<checksum> <msg>",
				Flags:     []cli.Flag{gasLimitFlag, envFlag, infoFlag},
				Action:    instantiateCmd,
			},
			{
				Name:      "serve",
				Usage:     "pin modules and serve JSON-RPC and cache metrics until interrupted",
				ArgsUsage: "[checksum...]",
				Flags:     []cli.Flag{listenFlag},
				Action:    serveCmd,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wasmvm"
	}
	return filepath.Join(home, ".wasmvm")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

func loadConfig(c *cli.Context) (vm.Config, error) {
	home := c.String(homeFlag.Name)
	cfg := vm.DefaultConfig(home)
	if path := c.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = vm.LoadConfig(path, home); err != nil {
			return cfg, err
		}
	}
	if c.IsSet(capabilitiesFlag.Name) {
		cfg.Capabilities = vm.CapabilitiesFromCSV(c.String(capabilitiesFlag.Name))
	}
	return cfg, nil
}

// withVM opens the VM for the duration of fn.
func withVM(c *cli.Context, fn func(ctx context.Context, v *vm.VM, logger *zap.Logger) error) error {
	logger, err := newLogger(c.String(logLevelFlag.Name))
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	v, err := vm.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := v.Close(context.Background()); err != nil {
			logger.Warn("close vm", zap.Error(err))
		}
	}()
	return fn(ctx, v, logger)
}

func checksumArg(c *cli.Context, i int) (types.Checksum, error) {
	if c.NArg() <= i {
		return types.Checksum{}, errors.New("checksum argument required")
	}
	return types.ChecksumFromHex(c.Args().Get(i))
}

func readCode(c *cli.Context) ([]byte, error) {
	if c.NArg() < 1 {
		return nil, errors.New("wasm file argument required")
	}
	return os.ReadFile(c.Args().First())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func checkCmd(c *cli.Context) error {
	code, err := readCode(c)
	if err != nil {
		return err
	}
	// Validation only: store into a throwaway home.
	tmp, err := os.MkdirTemp("", "wasmvm-check-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	logger, err := newLogger(c.String(logLevelFlag.Name))
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Cache = vm.DefaultConfig(tmp).Cache
	cfg.Cache.NoSync = true
	cfg.Engine.CompilationCacheDir = ""

	v, err := vm.New(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer v.Close(context.Background())

	checksum, report, err := v.StoreCode(c.Context, code)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"checksum": checksum, "report": report})
}

func storeCmd(c *cli.Context) error {
	code, err := readCode(c)
	if err != nil {
		return err
	}
	return withVM(c, func(ctx context.Context, v *vm.VM, _ *zap.Logger) error {
		checksum, report, err := v.StoreCode(ctx, code)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"checksum": checksum, "report": report})
	})
}

func listCmd(c *cli.Context) error {
	return withVM(c, func(_ context.Context, v *vm.VM, _ *zap.Logger) error {
		checksums, err := v.Checksums()
		if err != nil {
			return err
		}
		for _, cs := range checksums {
			fmt.Println(cs)
		}
		return nil
	})
}

func pinCmd(c *cli.Context) error {
	checksum, err := checksumArg(c, 0)
	if err != nil {
		return err
	}
	return withVM(c, func(ctx context.Context, v *vm.VM, _ *zap.Logger) error {
		return v.Pin(ctx, checksum)
	})
}

func unpinCmd(c *cli.Context) error {
	checksum, err := checksumArg(c, 0)
	if err != nil {
		return err
	}
	return withVM(c, func(ctx context.Context, v *vm.VM, _ *zap.Logger) error {
		return v.Unpin(ctx, checksum)
	})
}

func removeCmd(c *cli.Context) error {
	checksum, err := checksumArg(c, 0)
	if err != nil {
		return err
	}
	return withVM(c, func(ctx context.Context, v *vm.VM, _ *zap.Logger) error {
		return v.RemoveCode(ctx, checksum)
	})
}

func statsCmd(c *cli.Context) error {
	return withVM(c, func(_ context.Context, v *vm.VM, _ *zap.Logger) error {
		return printJSON(v.Stats())
	})
}

// callFunc runs one entry point with params bound to the local state.
type callFunc func(ctx context.Context, v *vm.VM, checksum types.Checksum, msg []byte, params vm.CallParams) (vm.CallResult, error)

func runCall(c *cli.Context, call callFunc) error {
	checksum, err := checksumArg(c, 0)
	if err != nil {
		return err
	}
	if c.NArg() < 2 {
		return errors.New("msg argument required")
	}
	msg := []byte(c.Args().Get(1))

	return withVM(c, func(ctx context.Context, v *vm.VM, logger *zap.Logger) error {
		db, err := storage.Open(storage.DefaultConfig(filepath.Join(c.String(homeFlag.Name), "state")), logger)
		if err != nil {
			return err
		}
		defer db.Close()
		store, err := db.Namespace(checksum.Bytes())
		if err != nil {
			return err
		}

		res, err := call(ctx, v, checksum, msg, vm.CallParams{
			Store:    store,
			API:      address.Codec{},
			GasLimit: c.Uint64(gasLimitFlag.Name),
		})
		out := map[string]any{"gas": res.GasReport}
		if err != nil {
			out["error"] = err.Error()
			_ = printJSON(out)
			return err
		}
		out["data"] = json.RawMessage(res.Data)
		return printJSON(out)
	})
}

func queryCmd(c *cli.Context) error {
	env := []byte(c.String(envFlag.Name))
	return runCall(c, func(ctx context.Context, v *vm.VM, checksum types.Checksum, msg []byte, params vm.CallParams) (vm.CallResult, error) {
		return v.Query(ctx, checksum, env, msg, params)
	})
}

func executeCmd(c *cli.Context) error {
	env, info := []byte(c.String(envFlag.Name)), []byte(c.String(infoFlag.Name))
	return runCall(c, func(ctx context.Context, v *vm.VM, checksum types.Checksum, msg []byte, params vm.CallParams) (vm.CallResult, error) {
		return v.Execute(ctx, checksum, env, info, msg, params)
	})
}

func instantiateCmd(c *cli.Context) error {
	env, info := []byte(c.String(envFlag.Name)), []byte(c.String(infoFlag.Name))
	return runCall(c, func(ctx context.Context, v *vm.VM, checksum types.Checksum, msg []byte, params vm.CallParams) (vm.CallResult, error) {
		return v.Instantiate(ctx, checksum, env, info, msg, params)
	})
}

func serveCmd(c *cli.Context) error {
	return withVM(c, func(ctx context.Context, v *vm.VM, logger *zap.Logger) error {
		ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		for i := 0; i < c.NArg(); i++ {
			checksum, err := checksumArg(c, i)
			if err != nil {
				return err
			}
			if err := v.Pin(ctx, checksum); err != nil {
				return fmt.Errorf("pin %s: %w", checksum, err)
			}
		}

		db, err := storage.Open(storage.DefaultConfig(filepath.Join(c.String(homeFlag.Name), "state")), logger)
		if err != nil {
			return err
		}
		defer db.Close()

		rpcConfig := rpc.DefaultConfig()
		rpcConfig.Addr = c.String(listenFlag.Name)
		rpcConfig.Version = Version
		rpcConfig.LogRequests = true
		server := rpc.New(rpcConfig, v, db, logger)

		reg := prometheus.NewRegistry()
		reg.MustRegister(v.Collector("wasmvm"))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/", server.Handler())
		srv := &http.Server{
			Addr:              rpcConfig.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       rpcConfig.ReadTimeout,
			WriteTimeout:      rpcConfig.WriteTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("serving", zap.String("addr", srv.Addr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
}
