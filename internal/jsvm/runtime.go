// Package jsvm runs user scripts on goja. Each script gets its own sandbox:
// a fresh runtime with the host API installed as final globals, and a
// governor that interrupts runaway code.
package jsvm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"consolevm/internal/bridge"
	"consolevm/internal/config"
	"consolevm/internal/jsvm/hostapi"
	"consolevm/internal/program"
	"consolevm/internal/vmerr"
)

// RuntimeConfig holds configuration for the Runtime.
type RuntimeConfig struct {
	// Pool configuration
	PoolConfig PoolConfig
	// Sandbox configuration
	SandboxConfig SandboxConfig
	// KillSwitch replaces the process-wide kill switch, mainly for tests.
	KillSwitch *atomic.Bool
}

// DefaultRuntimeConfig returns default runtime configuration.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		PoolConfig:    DefaultPoolConfig(),
		SandboxConfig: DefaultSandboxConfig(),
	}
}

// RuntimeConfigFrom maps the sandbox section of the configuration file.
func RuntimeConfigFrom(c config.SandboxConfig) RuntimeConfig {
	cfg := DefaultRuntimeConfig()
	cfg.PoolConfig.MaxSize = c.MaxPrograms
	cfg.PoolConfig.AcquireTimeout = c.AcquireTimeout
	cfg.SandboxConfig.MaxTimeWithoutInterrupt = c.MaxTimeWithoutInterrupt
	if c.CheckInterval > 0 {
		cfg.SandboxConfig.CheckInterval = c.CheckInterval
	}
	if c.WatchdogPeriod > 0 {
		cfg.SandboxConfig.WatchdogPeriod = c.WatchdogPeriod
	}
	if c.MaxWriteSize > 0 {
		cfg.SandboxConfig.MaxWriteSize = c.MaxWriteSize
	}
	cfg.SandboxConfig.DebugArgs = c.DebugArgs
	return cfg
}

// Runtime provides JavaScript execution capabilities to every program on a
// host.
type Runtime struct {
	pool   *VMPool
	config RuntimeConfig
	kv     hostapi.KVStore
	logger zerolog.Logger

	mu        sync.RWMutex
	providers []bridge.Provider
	closed    bool
}

// NewRuntime creates a new JavaScript runtime. kv may be nil.
func NewRuntime(cfg RuntimeConfig, kv hostapi.KVStore, logger zerolog.Logger) *Runtime {
	return &Runtime{
		pool:   NewVMPool(cfg.PoolConfig),
		config: cfg,
		kv:     kv,
		logger: logger,
	}
}

// Use adds a provider installed into every sandbox after the host API.
func (r *Runtime) Use(p bridge.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

func (r *Runtime) extraProviders() []bridge.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]bridge.Provider(nil), r.providers...)
}

func (r *Runtime) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Stats returns the slot pool statistics.
func (r *Runtime) Stats() PoolStats { return r.pool.Stats() }

// RunScript runs src for the program instance p. If the script defines a
// global function main, it is then called with the argument vector. It
// implements program.ScriptRunner.
func (r *Runtime) RunScript(p *program.Instance, name, src string) error {
	if r.isClosed() {
		return fmt.Errorf("runtime is closed")
	}

	vm, err := r.pool.Acquire(p.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &vmerr.InterruptSignal{Reason: vmerr.ReasonTerminated}
		}
		return err
	}
	defer r.pool.Release(vm)

	logger := r.logger.With().Str("script", name).Str("program", p.ID()).Logger()
	sb := NewSandbox(vm, r.config.SandboxConfig, SandboxOptions{
		Name:       name,
		Terminated: p.Terminated,
		KillSwitch: r.config.KillSwitch,
		Logger:     logger,
	})
	defer sb.Close()

	hctx := &hostapi.Context{
		Proc:     p,
		Governor: sb.Governor(),
		KV:       r.kv,
		KVPrefix: p.System().Hostname() + ":",
		Logger:   logger,
		Config:   hostapi.Config{MaxWriteSize: r.config.SandboxConfig.MaxWriteSize},
	}
	providers := []bridge.Provider{
		hostapi.Provider(hctx),
		modules(sb, vfsModules(p)),
	}
	providers = append(providers, r.extraProviders()...)
	if err := sb.Install(providers...); err != nil {
		return err
	}

	if _, err := sb.Run(src); err != nil {
		return exitStatus(err)
	}
	if _, ok := goja.AssertFunction(sb.Env().Get("main")); ok {
		if _, err := sb.Call("main", p.Argv()); err != nil {
			return exitStatus(err)
		}
	}
	return nil
}

// exitStatus turns exit() into a clean return or an ExitError.
func exitStatus(err error) error {
	var sig *vmerr.InterruptSignal
	if errors.As(err, &sig) && sig.Reason == vmerr.ReasonExit {
		if sig.Code == 0 {
			return nil
		}
		return &vmerr.ExitError{Code: sig.Code}
	}
	return err
}

// Eval runs src in a sandbox that has only the providers added with Use and
// returns the exported completion value. The script is interrupted when ctx
// ends.
func (r *Runtime) Eval(ctx context.Context, name, src string) (any, error) {
	if r.isClosed() {
		return nil, fmt.Errorf("runtime is closed")
	}

	vm, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(vm)

	sb := NewSandbox(vm, r.config.SandboxConfig, SandboxOptions{
		Name:       name,
		Terminated: func() bool { return ctx.Err() != nil },
		KillSwitch: r.config.KillSwitch,
		Logger:     r.logger,
	})
	defer sb.Close()

	if err := sb.Install(r.extraProviders()...); err != nil {
		return nil, err
	}
	val, err := sb.Run(src)
	if err != nil {
		return nil, err
	}
	return bridge.Export(vm, val), nil
}

// KillAll interrupts every script of this runtime at its next checkpoint
// and keeps interrupting new ones until Revive. Without an injected kill
// switch this is the process-wide KillAll.
func (r *Runtime) KillAll() {
	if r.config.KillSwitch != nil {
		r.config.KillSwitch.Store(true)
		return
	}
	KillAll()
}

// Revive re-arms script execution after KillAll.
func (r *Runtime) Revive() {
	if r.config.KillSwitch != nil {
		r.config.KillSwitch.Store(false)
		return
	}
	ResetKillSwitch()
}

// Close shuts down the runtime and releases resources.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.pool.Close()
}

// wrapExecutionError converts goja errors to structured errors.
func wrapExecutionError(err error, scriptName string) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if sig, ok := interrupted.Value().(*vmerr.InterruptSignal); ok {
			return sig
		}
		return &vmerr.InterruptSignal{Reason: fmt.Sprint(interrupted.Value())}
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		se := &vmerr.ScriptSyntaxError{File: scriptName, Message: syntax.Message}
		if syntax.File != nil {
			pos := syntax.File.Position(syntax.Offset)
			se.Line, se.Column = pos.Line, pos.Column
		}
		return se
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &vmerr.ScriptRuntimeError{
			Script:  scriptName,
			Message: exception.Value().String(),
			Cause:   exception,
		}
	}

	return &vmerr.ScriptRuntimeError{
		Script:  scriptName,
		Message: err.Error(),
		Cause:   err,
	}
}
