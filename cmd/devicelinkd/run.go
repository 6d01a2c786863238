package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"tinygo.org/x/drivers/netlink"

	"devicelink-go/bus"
	"devicelink-go/drivers/simlink"
	"devicelink-go/errcode"
	"devicelink-go/services/bridge"
	"devicelink-go/services/config"
	"devicelink-go/services/heartbeat"
	"devicelink-go/services/netmgr"
	"devicelink-go/services/ota"
	"devicelink-go/services/status"
	"devicelink-go/services/timesync"
	"devicelink-go/services/webapi"
	"devicelink-go/store"
	"devicelink-go/store/sqlitestore"
)

const busQueueLen = 16

func runCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(cmd.ErrOrStderr(), opts.logFormat, slog.Level(opts.logLevel))
			if err != nil {
				return err
			}
			cfg, err := config.Load(opts.device, opts.configPath)
			if err != nil {
				return err
			}
			if opts.listen != "" {
				cfg.Listen = opts.listen
			}
			if opts.dataDir != "" {
				cfg.DataDir = opts.dataDir
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts.simulate, log)
		},
	}
	addRunFlags(cmd.Flags(), opts)
	return cmd
}

// bearerLink is what a connection manager drives: the link driver and the
// IP stack bound to it.
type bearerLink interface {
	netlink.Netlinker
	netmgr.Stack
}

// postFunc lets the time sync service post to an aggregator that is built
// after it.
type postFunc func(status.Event) bool

func (f postFunc) Post(ev status.Event) bool { return f(ev) }

func run(ctx context.Context, cfg config.Device, simulate bool, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("starting", "version", buildVersion, "device", cfg.Device, "bearers", len(cfg.Bearers))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	b := bus.NewBus(busQueueLen)

	var agg *status.Aggregator
	ts := timesync.New(timesync.ClockCheck{}, postFunc(func(ev status.Event) bool { return agg.Post(ev) }),
		timesync.WithLogger(log))
	agg = status.New(
		status.WithListener(ts),
		status.WithBus(b.NewConnection("status")),
		status.WithLogger(log),
	)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	goRun(func() { agg.Run(ctx) })
	goRun(func() {
		if err := ts.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("time sync failed", "err", err)
		}
	})

	config.NewConfigService(cfg, log).Start(ctx, b.NewConnection("config"))

	// Bearers
	var (
		managers []*netmgr.Manager
		names    []string
	)
	for _, bc := range cfg.Bearers {
		link, err := newLink(bc, simulate, log)
		if err != nil {
			return err
		}
		def, _ := bc.Config() // validated by Load
		m := netmgr.New(bc.Name, link, link, st, agg,
			netmgr.WithDefaults(def),
			netmgr.WithDHCPTimeout(bc.DHCPTimeout.D()),
			netmgr.WithBus(b.NewConnection("netmgr-state-"+bc.Name)),
			netmgr.WithLogger(log),
		)
		if err := m.Start(ctx); err != nil {
			// The status snapshot already records the failure; the others
			// keep running.
			log.Error("bearer failed to start", "bearer", bc.Name, "err", err)
			continue
		}
		managers = append(managers, m)
		names = append(names, bc.Name)
		conn := b.NewConnection("netmgr-" + bc.Name)
		goRun(func() { m.Serve(ctx, conn) })
	}
	if len(managers) == 0 {
		return errcode.New(errcode.HardwareInitError, "devicelinkd", "no bearer could be started")
	}
	defer func() {
		for _, m := range managers {
			if err := m.Stop(context.Background()); err != nil {
				log.Warn("bearer stop", "bearer", m.Name(), "err", err)
			}
		}
	}()

	// Firmware
	slots, err := ota.NewFileSlots(cfg.Path(cfg.OTA.SlotDir))
	if err != nil {
		return errcode.Wrap(errcode.SlotUnavailable, "devicelinkd", err)
	}
	var restarting atomic.Bool
	pipe := ota.New(slots,
		ota.WithStatus(agg),
		ota.WithLogger(log),
		ota.WithRestartDelay(cfg.OTA.RestartDelay.D()),
		ota.WithRestarter(ota.RestartFunc(func() {
			log.Info("restarting into new image")
			restarting.Store(true)
			cancel()
		})),
	)
	defer pipe.CancelRestart()

	if err := heartbeat.New(agg, log).Start(ctx, b.NewConnection("heartbeat")); err != nil {
		return err
	}
	bridgeConn := b.NewConnection("bridge")
	goRun(func() { bridge.Start(ctx, bridgeConn, bridge.WithLogger(log)) })

	api := webapi.New(b.NewConnection("webapi"), agg, pipe, webapi.Options{
		Addr:    cfg.Listen,
		Bearers: names,
		Build:   webapi.BuildInfo{Version: buildVersion, Time: buildTime},
		Logger:  log,
	})
	apiErr := make(chan error, 1)
	go func() { apiErr <- api.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
	case err = <-apiErr:
		log.Error("http server stopped", "err", err)
		cancel()
	}
	if serr := api.Shutdown(context.Background()); serr != nil {
		log.Warn("http shutdown", "err", serr)
	}
	wg.Wait()

	if restarting.Load() {
		log.Info("exiting for restart")
		return nil
	}
	log.Info("stopped")
	return err
}

func newLink(bc config.Bearer, simulate bool, log *slog.Logger) (bearerLink, error) {
	if !simulate {
		return nil, errcode.New(errcode.Unsupported, "devicelinkd",
			"no hardware driver for bearer "+bc.Name+" on this platform; use --simulate")
	}
	return simlink.New(simlink.Config{}, simlink.WithLogger(log.With("bearer", bc.Name))), nil
}

func openStore(cfg config.Device, log *slog.Logger) (store.Store, func(), error) {
	if cfg.Store == "memory" {
		log.Warn("using in-memory config store; bearer configs will not survive a restart")
		return store.NewMemory(), func() {}, nil
	}
	s, err := sqlitestore.Open(sqlitestore.Config{
		Path:   filepath.Join(cfg.DataDir, "devicelink.db"),
		Logger: log,
	})
	if err != nil {
		return nil, nil, errcode.Wrap(errcode.PersistenceError, "devicelinkd", err)
	}
	return s, func() {
		if err := s.Close(); err != nil {
			log.Warn("closing config store", "err", err)
		}
	}, nil
}
