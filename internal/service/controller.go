// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package service runs the service node: it owns the lock, the listener,
// the registration with a core server and the worker processes, and tears
// all of them down on one shutdown path.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/onlinelab/internal/config"
	"github.com/tombee/onlinelab/internal/lifecycle"
	"github.com/tombee/onlinelab/internal/log"
	"github.com/tombee/onlinelab/internal/procman"
	"github.com/tombee/onlinelab/internal/registration"
	"github.com/tombee/onlinelab/internal/service/handlers"
	"github.com/tombee/onlinelab/internal/telemetry"
	"github.com/tombee/onlinelab/pkg/httpclient"
)

// LockTimeout bounds how long start waits for the PID lock.
const LockTimeout = time.Second

// EnvServiceUUID carries the identity chosen by 'start --daemon' to the
// background service, which reports it on '/'.
const EnvServiceUUID = "ONLINELAB_SERVICE_UUID"

// Options carries collaborators and build information. Nil collaborators are
// built by Start from the configuration.
type Options struct {
	Version string

	// DaemonArgs are the arguments the detached child is started with.
	DaemonArgs []string

	Processes *procman.Manager
	Registrar registration.Announcer
	Telemetry *telemetry.Provider
	Journal   *lifecycle.Journal

	// Console receives a blank line when an interrupt arrives, keeping the
	// terminal tidy after ^C. Nil writes nothing.
	Console io.Writer
}

// StartResult describes how Start ended.
type StartResult struct {
	// Detached is set in the invoking process when the service went to the
	// background; PID is then the daemon's pid.
	Detached bool
	PID      int

	Port   int
	UUID   string
	Killed int
}

// Controller drives one service run through its states.
type Controller struct {
	cfg    config.Config
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state State

	identity string
	assigned string
	pid      int
	port     int
	lock     *lifecycle.PIDLock
	server   *http.Server
	addr     net.Addr
	procs    *procman.Manager
	tel      *telemetry.Provider
	ownsTel  bool
	cancel   context.CancelFunc
	failure  error

	ready        chan struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once
	killed       int
}

// New creates a controller for cfg. The configuration is copied and not
// consulted again after New returns.
func New(cfg *config.Config, logger *slog.Logger, opts Options) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    *cfg,
		opts:   opts,
		logger: logger,
		state:  StateUninitialized,
		ready:  make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, s) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, c.state, s)
	}
	c.logger.Debug("state change", slog.String("from", c.state.String()), slog.String("to", s.String()))
	c.state = s
	return nil
}

// Identity returns the uuid of the current run, empty before Start.
func (c *Controller) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Addr returns the bound listener address once the service is serving.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Ready is closed once the service accepts requests.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// RequestStop asks a running Start to shut down. It is safe to call more
// than once and from any goroutine.
func (c *Controller) RequestStop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Restart is not available yet.
func (c *Controller) Restart() error {
	return notImplemented("restart")
}

// Status is not available yet.
func (c *Controller) Status() error {
	return notImplemented("status")
}

// Start runs the service until it is stopped. In daemon mode the invoking
// process returns as soon as the background service holds the lock.
func (c *Controller) Start(ctx context.Context) (*StartResult, error) {
	if c.State() == StateUninitialized {
		if _, err := os.Stat(c.cfg.Home); err != nil {
			return nil, fmt.Errorf("%w: %s (run 'onlinelab service init' first)", ErrNotInitialized, c.cfg.Home)
		}
		if err := c.setState(StateInitialized); err != nil {
			return nil, err
		}
	}
	if s := c.State(); s != StateInitialized {
		return nil, fmt.Errorf("%w: cannot start from %s", ErrInvalidState, s)
	}

	_ = c.opts.Journal.Start(c.opts.Version, c.opts.DaemonArgs)

	if c.cfg.Daemon && !lifecycle.IsDaemonChild() {
		return c.detach(ctx)
	}

	// Installed before the lock exists so a signal can't skip shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lock, err := c.obtainLock(ctx)
	if err != nil {
		_ = c.opts.Journal.StartFailure(err)
		return nil, err
	}

	if err := c.serve(ctx, lock); err != nil {
		_ = lock.Release()
		_ = c.opts.Journal.StartFailure(err)
		return nil, err
	}

	serveErr := c.wait(ctx, sigCh)
	c.shutdown()

	return &StartResult{
		PID:    c.pid,
		Port:   c.port,
		UUID:   c.identity,
		Killed: c.killed,
	}, serveErr
}

// obtainLock returns the lock for this process: adopted from the parent in a
// daemon child, acquired directly otherwise.
func (c *Controller) obtainLock(ctx context.Context) (*lifecycle.PIDLock, error) {
	path := c.cfg.LockPath()
	if lifecycle.IsDaemonChild() {
		lock, err := lifecycle.ResumeDaemon(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resume daemon: %w", err)
		}
		c.assigned = inheritedIdentity()
		return lock, nil
	}

	lock, err := lifecycle.AcquirePIDLock(ctx, path, LockTimeout, c.logger)
	if err != nil {
		c.logger.Error(fmt.Sprintf("Can't obtain a lock on '%s'. Quitting.", path), log.Error(err))
		if owner, oerr := lifecycle.ReadOwner(path); oerr == nil {
			_ = c.opts.Journal.AlreadyRunning(owner)
		}
		return nil, lockError(err)
	}
	if err := os.Chdir(c.cfg.Home); err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("failed to enter %s: %w", c.cfg.Home, err)
	}
	return lock, nil
}

// detach acquires the lock and hands it to a background copy of this
// program, then waits for that copy to answer on its port.
func (c *Controller) detach(ctx context.Context) (*StartResult, error) {
	path := c.cfg.LockPath()
	lock, err := lifecycle.AcquirePIDLock(ctx, path, LockTimeout, c.logger)
	if err != nil {
		c.logger.Error(fmt.Sprintf("Can't obtain a lock on '%s'. Quitting.", path), log.Error(err))
		if owner, oerr := lifecycle.ReadOwner(path); oerr == nil {
			_ = c.opts.Journal.AlreadyRunning(owner)
		}
		return nil, lockError(err)
	}

	identity := NewIdentity()
	pid, err := lifecycle.Daemonize(lifecycle.DaemonOptions{
		WorkDir:    c.cfg.Home,
		Lock:       lock,
		Umask:      lifecycle.DefaultUmask,
		Args:       c.opts.DaemonArgs,
		Env:        []string{EnvServiceUUID + "=" + identity},
		OutputPath: c.cfg.DaemonOutput(),
	})
	if err != nil {
		_ = lock.Release()
		_ = c.opts.Journal.StartFailure(err)
		return nil, err
	}
	_ = c.opts.Journal.Detached(pid)

	// Something else may already answer on the port; only our daemon counts.
	probe := lifecycle.NewReadinessProbe(fmt.Sprintf("http://127.0.0.1:%d/", c.cfg.Port)).
		ExpectUUID(identity).
		WithBackoff(25*time.Millisecond, 500*time.Millisecond, 2)
	if err := probe.WaitUntilReady(ctx, 10*time.Second, nil); err != nil {
		c.logger.Warn("Service went to the background but is not answering yet",
			slog.Int(log.PIDKey, pid), log.Error(err))
	}

	return &StartResult{Detached: true, PID: pid, Port: c.cfg.Port, UUID: identity}, nil
}

// inheritedIdentity returns the identity handed down by a detaching parent
// and clears it so engines don't see it.
func inheritedIdentity() string {
	id := os.Getenv(EnvServiceUUID)
	_ = os.Unsetenv(EnvServiceUUID)
	return id
}

// serve binds the listener, builds the collaborators and starts serving.
// Registration is scheduled once the kernel accepts connections.
func (c *Controller) serve(ctx context.Context, lock *lifecycle.PIDLock) error {
	identity := c.assigned
	if identity == "" {
		identity = NewIdentity()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", c.cfg.Port, err)
	}

	tel := c.opts.Telemetry
	ownsTel := false
	if tel == nil {
		tel, err = telemetry.New(ctx, telemetry.Config{
			ServiceName:    handlers.ServiceName,
			ServiceVersion: c.opts.Version,
			InstanceID:     identity,
			Exporter:       c.cfg.Tracing.Exporter,
			Endpoint:       c.cfg.Tracing.Endpoint,
			SampleRatio:    c.cfg.Tracing.SampleRatio,
		})
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to set up telemetry: %w", err)
		}
		ownsTel = true
	}

	procs := c.opts.Processes
	if procs == nil {
		procs = procman.New(c.logger, c.cfg.Engine.KillTimeout)
	}
	procs.WithMetrics(tel.Metrics())

	registrar := c.opts.Registrar
	if registrar == nil {
		if registrar, err = c.newRegistrar(tel); err != nil {
			ln.Close()
			if ownsTel {
				_ = tel.Shutdown(context.Background())
			}
			return err
		}
	}

	pid := os.Getpid()
	port := ln.Addr().(*net.TCPAddr).Port
	app := &handlers.AppContext{
		Identity:      identity,
		Version:       c.opts.Version,
		PID:           pid,
		Processes:     procs,
		EngineCommand: c.cfg.Engine.Command,
		Logger:        c.logger,
	}
	server := &http.Server{
		Handler: NewRouter(RouterConfig{
			App:            app,
			Logger:         c.logger,
			TracerProvider: tel.TracerProvider(),
			Propagator:     telemetry.Propagator(),
			Metrics:        tel.Metrics(),
			MetricsHandler: tel.MetricsHandler(),
			RateLimit:      c.cfg.HTTP.RateLimit,
			Burst:          c.cfg.HTTP.Burst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.identity = identity
	c.pid = pid
	c.port = port
	c.lock = lock
	c.server = server
	c.addr = ln.Addr()
	c.procs = procs
	c.tel = tel
	c.ownsTel = ownsTel
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.setState(StateRunning); err != nil {
		cancel()
		ln.Close()
		return err
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTP server failed", log.Error(err))
			c.serveErr(err)
		}
	}()
	close(c.ready)

	c.logger.Info(fmt.Sprintf("Started service at localhost:%d (pid=%d)", port, pid),
		slog.String(log.UUIDKey, identity))
	_ = c.opts.Journal.Started(pid, port, identity)

	if c.cfg.CoreURL != "" {
		registration.Schedule(runCtx, registrar, c.cfg.CoreURL, registration.Request{
			URL:         c.cfg.AdvertisedURL(),
			UUID:        identity,
			Provider:    c.cfg.Provider,
			Description: c.cfg.Description,
		}, c.logger)
	} else {
		tel.Metrics().RecordRegistration(runCtx, telemetry.OutcomeSkipped)
		c.logger.Warn("Couldn't register this service at any core server.")
	}
	return nil
}

func (c *Controller) newRegistrar(tel *telemetry.Provider) (registration.Announcer, error) {
	hc := httpclient.DefaultConfig()
	hc.Timeout = c.cfg.Registration.Timeout
	hc.UserAgent = handlers.ServiceName + "/" + c.opts.Version
	hc.Logger = log.WithComponent(c.logger, "registration")
	hc.TracerProvider = tel.TracerProvider()
	hc.Propagator = telemetry.Propagator()

	client, err := httpclient.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create registration client: %w", err)
	}
	return registration.NewClient(
		registration.WithHTTPClient(client),
		registration.WithTracerProvider(tel.TracerProvider()),
		registration.WithMetrics(tel.Metrics()),
	), nil
}

// serveErr records a listener failure and stops the service.
func (c *Controller) serveErr(err error) {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = err
	}
	c.mu.Unlock()
	c.RequestStop()
}

// wait blocks until something asks the service to stop.
func (c *Controller) wait(ctx context.Context, sigCh <-chan os.Signal) error {
	select {
	case <-ctx.Done():
		c.logger.Debug("context cancelled")
	case sig := <-sigCh:
		if sig == syscall.SIGINT && c.opts.Console != nil {
			fmt.Fprintln(c.opts.Console)
		}
		c.logger.Debug("signal received", slog.String("signal", sig.String()))
	case <-c.stopCh:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// shutdown runs the teardown sequence exactly once, whatever triggered it.
func (c *Controller) shutdown() {
	c.shutdownOnce.Do(func() {
		if err := c.setState(StateStopping); err != nil {
			c.logger.Warn("shutdown from unexpected state", log.Error(err))
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			c.logger.Warn("graceful HTTP shutdown failed, closing", log.Error(err))
			_ = c.server.Close()
		}

		c.killed = c.procs.KillAll(context.Background())
		c.cancel()

		c.logger.Info(fmt.Sprintf("Stopped service at localhost:%d (pid=%d)", c.port, c.pid))
		_ = c.opts.Journal.Stopped(c.pid, c.port, c.killed)

		if err := c.lock.Release(); err != nil {
			c.logger.Warn("failed to release lock", log.Error(err))
		}

		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		var err error
		if c.ownsTel {
			err = c.tel.Shutdown(flushCtx)
		} else {
			err = c.tel.ForceFlush(flushCtx)
		}
		if err != nil {
			c.logger.Warn("failed to flush telemetry", log.Error(err))
		}

		_ = c.setState(StateStopped)
	})
}
