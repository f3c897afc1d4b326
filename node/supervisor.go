package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MiragePrivacy/Nomad/log"
	"github.com/MiragePrivacy/Nomad/pipeline"
	"github.com/MiragePrivacy/Nomad/pool"
	"github.com/MiragePrivacy/Nomad/signal"
)

// DefaultWorkerCount is the fixed number of dispatcher workers a
// write-mode supervisor runs (spec.md §4.8).
const DefaultWorkerCount = 4

// DefaultLeaseTick is how often the supervisor sweeps for expired leases
// and retention-expired Done entries.
const DefaultLeaseTick = 5 * time.Second

// leaseIdlePoll is how long an idle worker sleeps between empty Lease
// attempts, to avoid a busy loop against an empty pool.
const leaseIdlePoll = 200 * time.Millisecond

// Publisher floods a signal onto the gossip overlay; satisfied by
// p2p.Service.Publish.
type Publisher interface {
	Publish(sig *signal.Signal) error
}

// SupervisorConfig parameterizes a Supervisor.
type SupervisorConfig struct {
	Workers          int
	LeaseTick        time.Duration
	ShutdownDeadline time.Duration
}

// DefaultSupervisorConfig returns the spec's default worker count, lease
// tick, and a 30-second cooperative shutdown deadline.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Workers:          DefaultWorkerCount,
		LeaseTick:        DefaultLeaseTick,
		ShutdownDeadline: 30 * time.Second,
	}
}

// funcService adapts a start/stop closure pair to the Service interface,
// so the lifecycle manager can order HTTP listeners alongside the gossip
// server without every subsystem needing its own Service implementation.
type funcService struct {
	name  string
	start func() error
	stop  func() error
}

func (f *funcService) Name() string { return f.name }
func (f *funcService) Start() error { return f.start() }
func (f *funcService) Stop() error  { return f.stop() }

// newListener binds addr for an httpService, so Start can report a bind
// failure synchronously instead of only surfacing it through errCh.
func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// httpService runs an *http.Server as a Service: Start launches
// ListenAndServe in the background and treats http.ErrServerClosed as a
// clean shutdown, Stop calls Shutdown with a bounded grace period.
type httpService struct {
	name   string
	server *http.Server
	errCh  chan error
}

func newHTTPService(name string, server *http.Server) *httpService {
	return &httpService{name: name, server: server, errCh: make(chan error, 1)}
}

func (h *httpService) Name() string { return h.name }

func (h *httpService) Start() error {
	ln, err := newListener(h.server.Addr)
	if err != nil {
		return fmt.Errorf("%s: %w", h.name, err)
	}
	go func() {
		h.errCh <- h.server.Serve(ln)
	}()
	return nil
}

func (h *httpService) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		return err
	}
	if err := <-h.errCh; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Dispatcher is the subset of pipeline.Processor the supervisor drives.
// Satisfied structurally by *pipeline.Processor; tests substitute a fake.
type Dispatcher interface {
	Run(ctx context.Context, sig *signal.Signal) (*pipeline.Outcome, error)

	// FundsPaused reports whether a sender key this dispatcher uses is
	// currently paused after an insufficient-funds failure. The worker loop
	// consults this before leasing so a paused key is assigned no new work.
	FundsPaused() bool

	// ResumeFundsPause resyncs the sender keys' nonces from the chain, which
	// clears their funds pause. No balance is checked, so a paused key is
	// resumed on the first successful call.
	ResumeFundsPause(ctx context.Context) error
}

// Supervisor owns the node's subsystems and its fixed worker pool of
// dispatcher goroutines (C9): it starts/stops services in priority order
// via a LifecycleManager, leases signals from the pool and runs them
// through the pipeline, sweeps expired leases on a tick, and shuts down
// cooperatively within a hard deadline.
type Supervisor struct {
	cfg        SupervisorConfig
	lifecycle  *LifecycleManager
	recovery   *RecoveryPolicy
	health     *HealthMonitor
	subsystems *HealthChecker
	bus        *EventBus
	metrics    *Metrics
	pool       *pool.Pool
	dispatch   Dispatcher // nil in read-only mode: no keys, no leasing
	logger     *log.Logger

	lastSeen map[string]*atomic.Int64 // worker id -> UnixNano of last loop iteration
	cancel   context.CancelFunc
}

// NewSupervisor builds a Supervisor. dispatch is nil for a read-only node
// (fewer than two --pk keys): the node still runs gossip and RPC ingress
// but never leases signals for processing.
func NewSupervisor(cfg SupervisorConfig, p *pool.Pool, dispatch Dispatcher, logger *log.Logger) *Supervisor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerCount
	}
	if cfg.LeaseTick <= 0 {
		cfg.LeaseTick = DefaultLeaseTick
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = DefaultSupervisorConfig().ShutdownDeadline
	}
	sup := &Supervisor{
		cfg:        cfg,
		lifecycle:  NewLifecycleManager(DefaultLifecycleConfig()),
		recovery:   NewRecoveryPolicy(),
		health:     NewHealthMonitor(cfg.LeaseTick),
		subsystems: NewHealthChecker(),
		bus:        NewEventBus(256),
		metrics:    NewMetrics(),
		pool:       p,
		dispatch:   dispatch,
		logger:     logger.Module("supervisor"),
		lastSeen:   make(map[string]*atomic.Int64),
	}
	sup.subsystems.RegisterSubsystem("pool", poolChecker{pool: p})
	sup.subsystems.RegisterSubsystem("dispatcher", dispatcherChecker{health: sup.health, writeMode: dispatch != nil})
	return sup
}

// poolChecker reports the signal pool as a subsystem: always healthy, the
// message carries occupancy for operators watching /health.
type poolChecker struct {
	pool *pool.Pool
}

func (c poolChecker) Check() *SubsystemHealth {
	return &SubsystemHealth{Status: StatusHealthy, Message: fmt.Sprintf("%d signals tracked", c.pool.Len())}
}

// dispatcherChecker reports the worker pool as a subsystem, degraded if any
// worker has missed its liveness window and unhealthy if every worker has.
// A read-only node (writeMode false) has no workers and reports healthy.
type dispatcherChecker struct {
	health    *HealthMonitor
	writeMode bool
}

func (c dispatcherChecker) Check() *SubsystemHealth {
	if !c.writeMode {
		return &SubsystemHealth{Status: StatusHealthy, Message: "read-only, no workers"}
	}
	c.health.CheckAll()
	healthy, total := c.health.HealthyCount(), c.health.Count()
	switch {
	case healthy == total:
		return &SubsystemHealth{Status: StatusHealthy, Message: fmt.Sprintf("%d/%d workers live", healthy, total)}
	case healthy == 0:
		return &SubsystemHealth{Status: StatusUnhealthy, Message: fmt.Sprintf("%d/%d workers live", healthy, total)}
	default:
		return &SubsystemHealth{Status: StatusDegraded, Message: fmt.Sprintf("%d/%d workers live", healthy, total)}
	}
}

// livenessWindow is how long a worker can go without completing a loop
// iteration before its health check reports unhealthy.
const livenessWindow = 2*leaseIdlePoll + time.Second

// Metrics returns the supervisor's Prometheus registry wrapper.
func (s *Supervisor) Metrics() *Metrics { return s.metrics }

// Events returns the supervisor's event bus, for subsystems that want to
// publish or subscribe to lifecycle/pipeline events.
func (s *Supervisor) Events() *EventBus { return s.bus }

// RegisterGossip wires the gossip server as a lifecycle.Service started
// before the RPC ingress (priority 0) so peers can connect before the node
// advertises itself as ready.
func (s *Supervisor) RegisterGossip(name string, start, stop func() error) error {
	return s.lifecycle.Register(&funcService{name: name, start: start, stop: stop}, 0)
}

// RegisterRPC wires a JSON-RPC http.Server as a lifecycle.Service started
// after gossip (priority 1).
func (s *Supervisor) RegisterRPC(name string, server *http.Server) error {
	return s.lifecycle.Register(newHTTPService(name, server), 1)
}

// RegisterMetricsServer mounts the supervisor's Prometheus handler and a
// worker health-check endpoint on an internal http.Server, started last
// (priority 2).
func (s *Supervisor) RegisterMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := s.subsystems.CheckAll()
		status := http.StatusOK
		if report.OverallStatus != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		enc := json.NewEncoder(w)
		_ = enc.Encode(report)
	})
	return s.lifecycle.Register(newHTTPService("metrics", &http.Server{Addr: addr, Handler: mux}), 2)
}

// Run starts every registered service and the dispatcher worker pool, then
// blocks until ctx is canceled. On return it has already attempted a
// cooperative shutdown within the configured deadline.
func (s *Supervisor) Run(ctx context.Context) error {
	s.subsystems.SetStartTime(time.Now().Unix())
	if errs := s.lifecycle.StartAll(); len(errs) > 0 {
		return fmt.Errorf("start subsystems: %v", errs)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)

	if s.dispatch != nil {
		for i := 0; i < s.cfg.Workers; i++ {
			workerID := fmt.Sprintf("worker-%d", i)
			seen := new(atomic.Int64)
			seen.Store(time.Now().UnixNano())
			s.lastSeen[workerID] = seen

			s.recovery.Register(workerID, DefaultRecoveryConfig())
			s.health.Register(workerID, func() bool {
				return time.Since(time.Unix(0, seen.Load())) < livenessWindow
			})
			group.Go(func() error { return s.runWorkerSupervised(groupCtx, workerID) })
		}
	}
	// The lease-expiry sweep runs independently of write/read mode: it is
	// pool hygiene, not dispatcher work.
	group.Go(func() error { return s.runLeaseExpiry(groupCtx) })

	<-runCtx.Done()
	return s.shutdown(group)
}

// Stop cancels the run context, triggering cooperative shutdown.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// shutdown waits for in-flight workers to finish (they each return at
// their next safe point: after a pipeline run completes or the idle-poll
// sleep) or the hard deadline, whichever comes first, then stops every
// registered service in reverse priority order.
func (s *Supervisor) shutdown(group *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("worker pool exited with error", "error", err)
		}
	case <-time.After(s.cfg.ShutdownDeadline):
		s.logger.Warn("shutdown deadline exceeded, proceeding with subsystem stop",
			"deadline", s.cfg.ShutdownDeadline)
	}

	if errs := s.lifecycle.StopAll(); len(errs) > 0 {
		return fmt.Errorf("stop subsystems: %v", errs)
	}
	return nil
}

// runWorkerSupervised wraps runWorker with panic recovery: a panicking
// worker goroutine is recorded as a failure against the RecoveryPolicy and
// restarted after its computed backoff, instead of taking down the whole
// errgroup. Exhausting the policy's retry budget is terminal for this
// worker but not for the others.
func (s *Supervisor) runWorkerSupervised(ctx context.Context, workerID string) error {
	for {
		if err := s.runWorkerGuarded(ctx, workerID); err != nil {
			backoff, recErr := s.recovery.RecordFailure(workerID, err)
			if recErr != nil {
				s.logger.Error("worker exhausted recovery retries", "worker", workerID, "error", recErr)
				return nil
			}
			s.logger.Warn("worker crashed, restarting", "worker", workerID, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		s.recovery.RecordSuccess(workerID)
		return nil
	}
}

// runWorkerGuarded converts a panic inside runWorker into an error so the
// supervising loop above can apply the recovery policy.
func (s *Supervisor) runWorkerGuarded(ctx context.Context, workerID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", workerID, r)
		}
	}()
	return s.runWorker(ctx, workerID)
}

// runWorker implements the dispatcher loop: lease a signal with a short
// wait, sleep briefly if none is available, otherwise run the pipeline to
// a terminal state and release the lease.
func (s *Supervisor) runWorker(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if seen, ok := s.lastSeen[workerID]; ok {
			seen.Store(time.Now().UnixNano())
		}

		if s.dispatch.FundsPaused() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(leaseIdlePoll):
			}
			continue
		}

		lease, ok := s.pool.Lease(workerID, time.Now())
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(leaseIdlePoll):
			}
			continue
		}

		s.runLease(ctx, lease)
	}
}

func (s *Supervisor) runLease(ctx context.Context, lease *pool.Lease) {
	s.metrics.LeasesInFlight.Inc()
	defer s.metrics.LeasesInFlight.Dec()

	sig, ok := s.pool.Signal(lease.ID)
	if !ok {
		return
	}

	outcome, err := s.dispatch.Run(ctx, sig)
	kind := "success"
	if err != nil {
		kind = outcome.FailKind.String()
		state := ""
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			state = perr.State.String()
		}
		s.logger.Error("pipeline failed", "signal", lease.ID.Hex(), "state", state, "kind", kind, "error", err)
		s.bus.PublishAsync(EventPipelineFailure, lease.ID)
	} else {
		s.logger.Info("pipeline completed", "signal", lease.ID.Hex())
		s.bus.PublishAsync(EventPipelineSuccess, lease.ID)
	}
	s.metrics.PipelineOutcomes.WithLabelValues(kind).Inc()

	if completeErr := s.pool.Complete(lease, pool.Outcome{Success: err == nil, ErrKind: kind}, time.Now()); completeErr != nil {
		s.logger.Error("failed to release lease", "signal", lease.ID.Hex(), "error", completeErr)
	}
}

// runLeaseExpiry ticks every LeaseTick, reverting stale leases back to
// Free and evicting retention-expired Done entries.
func (s *Supervisor) runLeaseExpiry(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.LeaseTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reverted := s.pool.ExpireLeases(time.Now())
			if reverted > 0 {
				s.bus.PublishAsync(EventLeaseExpired, reverted)
			}
			s.metrics.PoolSize.Set(float64(s.pool.Len()))

			if s.dispatch != nil && s.dispatch.FundsPaused() {
				if err := s.dispatch.ResumeFundsPause(ctx); err != nil {
					s.logger.Warn("funds-pause recheck failed", "error", err)
				}
			}
		}
	}
}
