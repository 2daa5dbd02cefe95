package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// ErrUnknownModule is returned when a wasm task names an unregistered
// module.
var ErrUnknownModule = errors.New("executor: unknown wasm module")

// WasmConfig bounds the sandbox. MemoryLimitBytes zero leaves wazero's
// default page limit in place.
type WasmConfig struct {
	MemoryLimitBytes int64
}

// WasmHandler runs registered WebAssembly modules under wazero with
// deny-by-default capabilities: no filesystem, no network, no
// environment, no host clock or randomness. The guest reads its input
// JSON from stdin and must write its output JSON to stdout. CPU time is
// bounded by the task deadline.
//
// Task input: {"module": name, "input": any}.
type WasmHandler struct {
	runtime wazero.Runtime

	mu      sync.RWMutex
	modules map[string]wazero.CompiledModule
}

// NewWasmHandler builds the sandbox runtime. Close it when done.
func NewWasmHandler(ctx context.Context, cfg WasmConfig) (*WasmHandler, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KiB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	// WASI with only the stdio hostcalls useful to a pure computation.
	// No WithFSConfig, no WithSysNanotime, no WithRandSource.
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &WasmHandler{
		runtime: r,
		modules: make(map[string]wazero.CompiledModule),
	}, nil
}

// RegisterModule compiles wasm bytes under a name. Compilation happens
// once; execution instantiates the compiled module per task.
func (h *WasmHandler) RegisterModule(ctx context.Context, name string, wasm []byte) error {
	if name == "" {
		return fmt.Errorf("executor: wasm: empty module name")
	}
	if len(wasm) == 0 {
		return fmt.Errorf("executor: wasm: module %q is empty", name)
	}
	compiled, err := h.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return fmt.Errorf("executor: wasm compile %q: %w", name, err)
	}
	h.mu.Lock()
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
	}
	h.modules[name] = compiled
	h.mu.Unlock()
	return nil
}

// Modules returns the registered module names.
func (h *WasmHandler) Modules() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.modules))
	for name := range h.modules {
		out = append(out, name)
	}
	return out
}

// Execute implements Handler.
func (h *WasmHandler) Execute(ctx context.Context, task *Task) (json.RawMessage, error) {
	var in struct {
		Module string          `json:"module"`
		Input  json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(task.Input, &in); err != nil {
		return nil, fmt.Errorf("wasm: %w", err)
	}
	if in.Module == "" {
		return nil, fmt.Errorf("wasm: missing module name")
	}
	h.mu.RLock()
	compiled, ok := h.modules[in.Module]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, in.Module)
	}
	if len(in.Input) == 0 {
		in.Input = json.RawMessage("null")
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(in.Input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	// Anonymous instance so the same module can run concurrently.
	mod, err := h.runtime.InstantiateModule(ctx, compiled, modCfg.WithName(""))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("wasm: %q failed: %w: %s", in.Module, err, stderr.String())
		}
		return nil, fmt.Errorf("wasm: %q failed: %w", in.Module, err)
	}
	defer func() { _ = mod.Close(ctx) }()

	out := stdout.Bytes()
	if len(out) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("wasm: %q wrote %d bytes of non-JSON output", in.Module, len(out))
	}
	return append(json.RawMessage(nil), out...), nil
}

// Close shuts the runtime down, releasing every compiled module.
func (h *WasmHandler) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.runtime.Close(ctx)
}
