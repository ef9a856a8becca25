package jsvm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"consolevm/internal/bridge"
	"consolevm/internal/config"
	"consolevm/internal/vmerr"
)

// SandboxConfig holds configuration for the sandbox environment.
type SandboxConfig struct {
	// MaxTimeWithoutInterrupt is how long a script may run between
	// checkpoints; 0 disables the budget.
	MaxTimeWithoutInterrupt time.Duration
	// CheckInterval is the governor's batching factor K.
	CheckInterval int
	// WatchdogPeriod is how often the watchdog steps the governor.
	WatchdogPeriod time.Duration
	// MaxWriteSize is the maximum file write size in bytes.
	MaxWriteSize int64
	// DebugArgs makes natives panic when reading released arguments.
	DebugArgs bool
}

// DefaultSandboxConfig returns default sandbox configuration.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MaxTimeWithoutInterrupt: config.DefaultMaxTimeWithoutInterrupt,
		CheckInterval:           config.DefaultCheckInterval,
		WatchdogPeriod:          5 * time.Millisecond,
		MaxWriteSize:            1 << 20, // 1MiB
	}
}

// SandboxOptions ties a sandbox to its surroundings.
type SandboxOptions struct {
	// Name is used as the script file name in errors.
	Name string
	// Terminated is the owning instance's terminate flag.
	Terminated func() bool
	// KillSwitch replaces the process-wide kill switch.
	KillSwitch *atomic.Bool
	// Clock replaces time.Now for the governor.
	Clock  func() time.Time
	Logger zerolog.Logger
}

// Sandbox is the isolated environment of one running script: a fresh
// runtime whose injected globals are final, governed by its own Governor.
type Sandbox struct {
	name   string
	config SandboxConfig
	vm     *goja.Runtime
	env    *Env
	gov    *Governor
	bridge *bridge.Bridge
	logger zerolog.Logger

	terminate atomic.Bool

	mu        sync.Mutex
	stopWatch func()
	closed    bool
}

// NewSandbox prepares vm as a sandbox. The runtime must be fresh.
func NewSandbox(vm *goja.Runtime, cfg SandboxConfig, opts SandboxOptions) *Sandbox {
	s := &Sandbox{
		name:   opts.Name,
		config: cfg,
		vm:     vm,
		env:    NewEnv(vm),
		logger: opts.Logger,
	}

	govOpts := []GovernorOption{WithTerminateFlag(func() bool {
		return s.terminate.Load() || (opts.Terminated != nil && opts.Terminated())
	})}
	if opts.KillSwitch != nil {
		govOpts = append(govOpts, WithKillSwitch(opts.KillSwitch))
	}
	if opts.Clock != nil {
		govOpts = append(govOpts, WithClock(opts.Clock))
	}
	s.gov = NewGovernor(GovernorConfig{
		CheckInterval:           cfg.CheckInterval,
		MaxTimeWithoutInterrupt: cfg.MaxTimeWithoutInterrupt,
	}, func(sig *vmerr.InterruptSignal) {
		s.logger.Debug().Str("script", s.name).Str("reason", sig.Reason).Msg("interrupting script")
		vm.Interrupt(sig)
	}, govOpts...)

	s.bridge = bridge.New(vm, bridge.WithCheckpoint(s.gov.Step), bridge.WithDebug(cfg.DebugArgs))
	return s
}

func (s *Sandbox) Name() string           { return s.name }
func (s *Sandbox) Runtime() *goja.Runtime { return s.vm }
func (s *Sandbox) Env() *Env              { return s.env }
func (s *Sandbox) Governor() *Governor    { return s.gov }
func (s *Sandbox) Bridge() *bridge.Bridge { return s.bridge }

// Install registers the providers' natives as globals and finalizes every
// injected name.
func (s *Sandbox) Install(providers ...bridge.Provider) error {
	reg := bridge.NewRegistry()
	for _, p := range providers {
		if err := p.Provide(reg); err != nil {
			return err
		}
	}
	if _, err := reg.Install(s.bridge, func(name string, v goja.Value) error {
		return s.env.Set(name, v)
	}); err != nil {
		return err
	}
	return s.env.FinalizeInjected()
}

func (s *Sandbox) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sandbox %s is closed", s.name)
	}
	if s.stopWatch == nil {
		s.stopWatch = s.gov.Watch(s.config.WatchdogPeriod)
	}
	return nil
}

// Run compiles and runs src in the sandbox's global scope.
func (s *Sandbox) Run(src string) (goja.Value, error) {
	prg, err := goja.Compile(s.name, src, false)
	if err != nil {
		return nil, wrapExecutionError(err, s.name)
	}
	if err := s.start(); err != nil {
		return nil, err
	}
	v, err := s.vm.RunProgram(prg)
	if err != nil {
		return nil, wrapExecutionError(err, s.name)
	}
	return v, nil
}

// Call invokes the global function name with natively converted arguments
// and returns its exported result.
func (s *Sandbox) Call(name string, args ...any) (any, error) {
	fn, ok := goja.AssertFunction(s.vm.Get(name))
	if !ok {
		return nil, &vmerr.ScriptRuntimeError{Script: s.name, Message: name + " is not a function"}
	}
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = s.bridge.ToScript(a)
	}
	if err := s.start(); err != nil {
		return nil, err
	}
	res, err := fn(goja.Undefined(), vals...)
	if err != nil {
		return nil, wrapExecutionError(err, s.name)
	}
	return bridge.Export(s.vm, res), nil
}

// Terminate asks the running script to stop at its next checkpoint.
func (s *Sandbox) Terminate() {
	s.terminate.Store(true)
}

// Close stops the watchdog. The runtime must not be used afterwards.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.vm.ClearInterrupt()
}
