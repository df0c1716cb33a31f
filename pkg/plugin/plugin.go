// Package plugin executes WebAssembly detector plugins in a deny-by-default
// sandbox.
//
// A detector is a WASI command module: it reads one JSON document from
// stdin, writes findings JSON to stdout and exits. The sandbox grants
// nothing else: no filesystem, no network, no environment, no clock or
// randomness beyond what wazero fakes deterministically. Memory is capped
// by page limit and CPU by context deadline.
package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Defaults applied by NewRunner when Config fields are zero.
const (
	DefaultMemoryLimitBytes = 16 << 20 // 16 MiB
	DefaultTimeout          = 5 * time.Second
)

// Config bounds detector execution.
type Config struct {
	// MemoryLimitBytes caps guest linear memory. Rounded down to whole
	// 64 KiB wasm pages, minimum one page.
	MemoryLimitBytes int64
	// Timeout bounds one Run call. The guest is torn down at the
	// deadline, not merely abandoned.
	Timeout time.Duration
}

// Runner owns a wazero runtime and compiles detectors against it. Safe for
// concurrent use; detectors instantiate anonymously per run.
type Runner struct {
	runtime wazero.Runtime
	cfg     Config
}

// NewRunner creates a sandboxed runtime with the config's limits.
func NewRunner(ctx context.Context, cfg Config) *Runner {
	if cfg.MemoryLimitBytes <= 0 {
		cfg.MemoryLimitBytes = DefaultMemoryLimitBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
	if pages == 0 {
		pages = 1
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	// WASI with nothing wired beyond the std streams each Run supplies.
	// No WithFSConfig, no env, no rand source, no nanotime.
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &Runner{runtime: r, cfg: cfg}
}

// Compile validates and compiles a wasm binary into a reusable Detector.
func (r *Runner) Compile(ctx context.Context, wasm []byte) (*Detector, error) {
	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("plugin: compile: %w", err)
	}
	return &Detector{runner: r, compiled: compiled}, nil
}

// CompileFile reads and compiles a wasm binary from disk.
func (r *Runner) CompileFile(ctx context.Context, path string) (*Detector, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	d, err := r.Compile(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	d.path = path
	return d, nil
}

// Close tears down the runtime and every detector compiled from it.
func (r *Runner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Detector is one compiled detector module.
type Detector struct {
	runner   *Runner
	compiled wazero.CompiledModule
	path     string
}

// Path returns the source file the detector was compiled from, if any.
func (d *Detector) Path() string { return d.path }

// Run feeds input to the detector's stdin and returns its stdout. The run
// is bounded by the runner's timeout; a non-zero exit code or any stderr
// output is reported as an error alongside whatever stdout was produced.
func (d *Detector) Run(ctx context.Context, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.runner.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous, so concurrent runs never collide
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := d.runner.runtime.InstantiateModule(ctx, d.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), fmt.Errorf("plugin: timed out after %v", d.runner.cfg.Timeout)
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), fmt.Errorf("plugin: exited with code %d", exitErr.ExitCode())
		}
		return stdout.Bytes(), fmt.Errorf("plugin: run: %w", err)
	}

	if stderr.Len() > 0 {
		return stdout.Bytes(), fmt.Errorf("plugin: stderr: %s", stderr.String())
	}
	return stdout.Bytes(), nil
}

// Close releases the compiled module.
func (d *Detector) Close(ctx context.Context) error {
	return d.compiled.Close(ctx)
}
