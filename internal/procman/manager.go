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

package procman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/tombee/onlinelab/internal/log"
	"github.com/tombee/onlinelab/internal/telemetry"
)

// DefaultKillTimeout is how long a worker gets between SIGTERM and SIGKILL.
const DefaultKillTimeout = 5 * time.Second

var (
	// ErrUnknownWorker is returned for an id the manager does not track.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrClosed is returned by Spawn and Register after KillAll.
	ErrClosed = errors.New("process manager is shut down")
)

// Worker is a process tracked by the manager.
type Worker struct {
	ID        string
	Name      string
	PID       int
	Argv      []string
	StartedAt time.Time

	// done is closed once a spawned worker has been reaped. It is nil for
	// workers registered from outside.
	done chan struct{}
	err  error
}

// NewWorker describes an already running process for Register.
func NewWorker(name string, pid int) *Worker {
	return &Worker{
		ID:        uuid.NewString(),
		Name:      name,
		PID:       pid,
		StartedAt: time.Now(),
	}
}

// WorkerInfo is a point-in-time view of a worker.
type WorkerInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Argv      []string  `json:"argv,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
}

// Manager is the registry of live workers.
type Manager struct {
	logger      *slog.Logger
	killTimeout time.Duration
	metrics     *telemetry.Metrics

	mu      sync.Mutex
	workers map[string]*Worker
	closed  bool

	killOnce sync.Once
	killed   int
}

// New creates a Manager. A non-positive killTimeout uses DefaultKillTimeout.
func New(logger *slog.Logger, killTimeout time.Duration) *Manager {
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}
	return &Manager{
		logger:      log.WithComponent(logger, "procman"),
		killTimeout: killTimeout,
		workers:     make(map[string]*Worker),
	}
}

// WithMetrics records spawned and killed workers and exposes the worker count.
func (m *Manager) WithMetrics(metrics *telemetry.Metrics) *Manager {
	m.metrics = metrics
	metrics.ObserveWorkers(m.Count)
	return m
}

// Register starts tracking w.
func (m *Manager) Register(w *Worker) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.workers[w.ID] = w
	m.logger.Debug("worker registered",
		slog.String("worker_id", w.ID),
		slog.String("name", w.Name),
		slog.Int(log.PIDKey, w.PID))
	return nil
}

// Spawn starts argv as a new worker, registers it and reaps it when it exits.
// The worker outlives ctx; only Kill and KillAll stop it.
func (m *Manager) Spawn(ctx context.Context, name string, argv []string) (*Worker, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no command given for worker %q", name)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %q: %w", name, err)
	}

	w := NewWorker(name, cmd.Process.Pid)
	w.Argv = append([]string(nil), argv...)
	w.done = make(chan struct{})

	if err := m.Register(w); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	m.metrics.RecordWorkerSpawned(ctx, name)
	m.logger.Info("worker started",
		slog.String("worker_id", w.ID),
		slog.String("name", name),
		slog.Int(log.PIDKey, w.PID))

	go m.reap(w, cmd)
	return w, nil
}

func (m *Manager) reap(w *Worker, cmd *exec.Cmd) {
	w.err = cmd.Wait()
	close(w.done)

	m.mu.Lock()
	delete(m.workers, w.ID)
	m.mu.Unlock()

	attrs := []any{slog.String("worker_id", w.ID), slog.Int(log.PIDKey, w.PID)}
	if w.err != nil {
		attrs = append(attrs, log.Error(w.err))
	}
	m.logger.Debug("worker exited", attrs...)
}

// Unregister stops tracking a worker without signalling it.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[id]; !ok {
		return false
	}
	delete(m.workers, id)
	return true
}

// Kill terminates one worker and its descendants.
func (m *Manager) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	if m.terminate(ctx, w) {
		m.metrics.RecordWorkersKilled(ctx, 1)
	}
	return nil
}

// KillAll terminates every tracked worker and refuses new ones. Only the
// first call does any work; later calls return the same count.
func (m *Manager) KillAll(ctx context.Context) int {
	m.killOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		workers := make([]*Worker, 0, len(m.workers))
		for _, w := range m.workers {
			workers = append(workers, w)
		}
		m.workers = make(map[string]*Worker)
		m.mu.Unlock()

		var (
			wg      sync.WaitGroup
			countMu sync.Mutex
		)
		for _, w := range workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				if m.terminate(ctx, w) {
					countMu.Lock()
					m.killed++
					countMu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		m.metrics.RecordWorkersKilled(ctx, m.killed)
		if len(workers) > 0 {
			m.logger.Info("workers terminated",
				slog.Int("tracked", len(workers)),
				slog.Int("killed", m.killed))
		}
	})
	return m.killed
}

// Count returns the number of tracked workers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Snapshot lists tracked workers, oldest first.
func (m *Manager) Snapshot() []WorkerInfo {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, WorkerInfo{
			ID:        w.ID,
			Name:      w.Name,
			PID:       w.PID,
			Argv:      w.Argv,
			StartedAt: w.StartedAt,
			Running:   w.running(context.Background()),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// terminate stops w and its descendants, escalating to SIGKILL after the
// kill timeout. It reports whether the worker was running.
func (m *Manager) terminate(ctx context.Context, w *Worker) bool {
	if !w.running(ctx) {
		return false
	}

	root, err := process.NewProcessWithContext(ctx, int32(w.PID))
	if err != nil {
		return false
	}
	tree := append([]*process.Process{root}, descendants(ctx, root)...)

	for _, p := range tree {
		if err := p.SendSignalWithContext(ctx, syscall.SIGTERM); err != nil {
			m.logger.Debug("SIGTERM failed", slog.Int(log.PIDKey, int(p.Pid)), log.Error(err))
		}
	}

	timer := time.NewTimer(m.killTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

wait:
	for w.running(ctx) || len(survivors(ctx, tree[1:])) > 0 {
		select {
		case <-ticker.C:
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	// The caller's context may be done by now; escalation must still happen.
	bg := context.Background()
	left := survivors(bg, tree[1:])
	if w.running(bg) {
		left = append([]*process.Process{root}, left...)
	}
	for _, p := range left {
		m.logger.Warn("worker did not exit in time, killing",
			slog.String("worker_id", w.ID),
			slog.Int(log.PIDKey, int(p.Pid)))
		_ = p.KillWithContext(bg)
	}
	if w.done != nil && len(left) > 0 {
		select {
		case <-w.done:
		case <-time.After(time.Second):
		}
	}
	return true
}

// running reports whether the worker process is still alive.
func (w *Worker) running(ctx context.Context) bool {
	if w.done != nil {
		select {
		case <-w.done:
			return false
		default:
			return true
		}
	}
	p, err := process.NewProcessWithContext(ctx, int32(w.PID))
	if err != nil {
		return false
	}
	return alive(ctx, p)
}

// descendants returns every process below p, depth first.
func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	var all []*process.Process
	for _, c := range children {
		all = append(all, c)
		all = append(all, descendants(ctx, c)...)
	}
	return all
}

func survivors(ctx context.Context, procs []*process.Process) []*process.Process {
	var left []*process.Process
	for _, p := range procs {
		if alive(ctx, p) {
			left = append(left, p)
		}
	}
	return left
}

// alive treats zombies as exited.
func alive(ctx context.Context, p *process.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err == nil && len(status) > 0 && status[0] == process.Zombie {
		return false
	}
	return true
}
