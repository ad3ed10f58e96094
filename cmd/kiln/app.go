package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/config"
	"github.com/jbweber/kiln/internal/diag"
	"github.com/jbweber/kiln/internal/disk"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/lock"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/media"
	"github.com/jbweber/kiln/internal/metrics"
	"github.com/jbweber/kiln/internal/store"
	"github.com/jbweber/kiln/internal/vm"
)

// app holds everything a command needs. Commands build one per invocation.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    store.Store
	media    *media.Table
	gateway  *kilnlibvirt.Gateway
	registry *prometheus.Registry
	svc      *vm.Service

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() error {
		_ = log.Sync()
		return nil
	})

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	st, err := store.Open(a.cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", a.cfg.Store.Backend, err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	a.media, err = media.NewTable(a.cfg.Media.Dir, a.cfg.Media.Entries)
	if err != nil {
		return err
	}

	disks, err := disk.NewManager(disk.Options{
		StorageBase: a.cfg.Disk.StorageBase,
		Owner:       a.cfg.Disk.Owner,
	})
	if err != nil {
		return err
	}

	a.gateway = kilnlibvirt.NewGateway(kilnlibvirt.Options{
		SocketPath:     a.cfg.Libvirt.SocketPath,
		ConnectTimeout: a.cfg.Libvirt.ConnectTimeout,
		Disks:          disks,
		Logger:         a.log.Named("libvirt"),
	})

	locker, err := a.locker(ctx)
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	m := metrics.New(a.registry)

	reporters := diag.Multi{diag.NewLogReporter(a.log.Named("drift")), m}
	if a.cfg.NATS.URL != "" {
		nc, err := diag.ConnectNATS(a.cfg.NATS.URL, a.log.Named("nats"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			return nc.Drain()
		})
		reporters = append(reporters, diag.NewNATSReporter(nc, a.cfg.NATS.SubjectPrefix))
	}

	a.svc, err = vm.New(vm.Deps{
		Connect:  vm.GatewayConnector(a.gateway),
		Store:    st,
		Locker:   locker,
		Media:    a.media,
		Disks:    disks,
		Reporter: reporters,
		Observer: m,
		Logger:   a.log.Named("vm"),
		Bridge:   a.cfg.Network.Bridge,
	})
	return err
}

func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	switch a.cfg.Lock.Backend {
	case config.LockLocal:
		return lock.NewLocal(), nil
	case config.LockRedis:
		rc := a.cfg.Lock.Redis
		client, err := lock.DialRedis(ctx, rc.Addr, rc.Password, rc.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return lock.NewRedis(client, rc.TTL, a.log.Named("lock")), nil
	default:
		return lock.NewFile(a.cfg.Lock.Dir)
	}
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cleanup failed: %v\n", err)
		}
	}
}

// caller resolves the acting kiln user: --as, then $KILN_USER, then the OS
// user name.
func (a *app) caller(ctx context.Context) (v1alpha1.Caller, error) {
	name, err := callerName()
	if err != nil {
		return v1alpha1.Caller{}, err
	}
	u, err := a.store.GetUserByName(ctx, name)
	if err != nil {
		if errors.Is(err, v1alpha1.ErrUserNotFound) {
			return v1alpha1.Caller{}, fmt.Errorf("%w: %s is not a registered kiln user (see 'kiln user add')", v1alpha1.ErrForbidden, name)
		}
		return v1alpha1.Caller{}, err
	}
	return v1alpha1.CallerFor(u), nil
}

func callerName() (string, error) {
	if asUser != "" {
		return asUser, nil
	}
	if v := os.Getenv("KILN_USER"); v != "" {
		return v, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to determine current user, use --as: %w", err)
	}
	return u.Username, nil
}

// withApp builds an app, runs fn and closes the app.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// withCaller is withApp plus caller resolution.
func withCaller(ctx context.Context, fn func(a *app, caller v1alpha1.Caller) error) error {
	return withApp(ctx, func(a *app) error {
		caller, err := a.caller(ctx)
		if err != nil {
			return err
		}
		return fn(a, caller)
	})
}
