package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"consolevm/internal/autosave"
	"consolevm/internal/computer"
	"consolevm/internal/config"
	"consolevm/internal/host"
	"consolevm/internal/jsvm"
	"consolevm/internal/kernel"
	"consolevm/internal/rom"
	"consolevm/internal/storage"
	"consolevm/pkg/logger"
)

// machine is one running computer with everything around it: the host
// loop, the script runtime, and optionally ROM flashing and autosave.
type machine struct {
	cfg      *config.Config
	db       *storage.DB
	runtime  *jsvm.Runtime
	loop     *host.Loop
	computer *computer.Computer
	rom      *rom.Loader
	autosave *autosave.Scheduler
	log      zerolog.Logger

	cancel   context.CancelFunc
	loopDone chan error
	noSave   bool
}

type machineOptions struct {
	hostname string
	owner    string
	rom      bool
	autosave bool
}

// startMachine loads or installs the computer and starts its host loop.
func startMachine(ctx context.Context, cliCtx *CLIContext, opts machineOptions) (*machine, error) {
	cfg := cliCtx.Config
	db, err := cliCtx.GetStorage()
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if opts.hostname == "" {
		opts.hostname = cfg.Host.Hostname
	}
	if opts.owner == "" {
		opts.owner = cfg.Host.Owner
	}

	m := &machine{
		cfg:  cfg,
		db:   db,
		loop: host.New(host.Config{TickInterval: cfg.Host.TickInterval}),
		log:  logger.Component("machine").With().Str("host", opts.hostname).Logger(),
	}
	m.runtime = jsvm.NewRuntime(jsvm.RuntimeConfigFrom(cfg.Sandbox), db, logger.Component("jsvm"))
	// A previous machine in this process may have pulled the kill switch.
	m.runtime.Revive()

	kcfg := kernel.DefaultConfig()
	if cfg.Kernel.DeviceScanInterval > 0 {
		kcfg.DeviceScanInterval = cfg.Kernel.DeviceScanInterval
	}
	if len(cfg.Kernel.SystemPath) > 0 {
		kcfg.SystemPath = cfg.Kernel.SystemPath
	}

	c, err := computer.New(computer.Options{
		Hostname:    opts.hostname,
		Owner:       opts.owner,
		Store:       db,
		Runner:      m.runtime,
		Queue:       m.loop.Queue(),
		Kernel:      kcfg,
		MaxBuffered: cfg.Stream.MaxBuffered,
		Notifier:    m.loop,
		CommandSink: m.loop,
	})
	if err != nil {
		_ = m.runtime.Close()
		return nil, err
	}
	installed, err := c.Boot(ctx, db)
	if err != nil {
		_ = m.runtime.Close()
		return nil, fmt.Errorf("boot %s: %w", opts.hostname, err)
	}
	if installed {
		m.log.Info().Str("owner", c.Owner()).Msg("installed fresh filesystem")
	}
	m.computer = c
	if err := m.loop.Add(c); err != nil {
		_ = m.runtime.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.loopDone = make(chan error, 1)
	go func() { m.loopDone <- m.loop.Run(loopCtx) }()

	if opts.rom && cfg.ROM.Dir != "" {
		dir, err := config.ExpandPath(cfg.ROM.Dir)
		if err != nil {
			m.stop(ctx)
			return nil, err
		}
		m.rom = rom.NewLoader(c, dir)
		if err := m.rom.Load(ctx); err != nil {
			m.log.Warn().Err(err).Msg("rom not flashed")
		}
		if cfg.ROM.Watch {
			if err := m.rom.Watch(); err != nil {
				m.log.Warn().Err(err).Msg("rom not watched")
			}
		}
	}

	if opts.autosave && cfg.Autosave.Enabled {
		s, err := autosave.NewScheduler(db, cfg.Autosave.Schedule)
		if err != nil {
			m.stop(ctx)
			return nil, err
		}
		s.Register(c)
		if err := s.Start(); err != nil {
			m.stop(ctx)
			return nil, err
		}
		m.autosave = s
	}
	return m, nil
}

// stop kills every script, terminates every program, saves the filesystem
// unless noSave is set and shuts the loop down.
func (m *machine) stop(ctx context.Context) error {
	if m.autosave != nil {
		m.autosave.Stop()
	}
	if m.rom != nil {
		_ = m.rom.Close()
	}
	m.runtime.KillAll()
	m.computer.Shutdown()
	var saveErr error
	if !m.noSave {
		saveErr = m.computer.Save(context.WithoutCancel(ctx), m.db)
	}

	m.cancel()
	loopErr := <-m.loopDone
	return errors.Join(saveErr, loopErr, m.runtime.Close())
}
