package clamd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/clamsentry/internal/domain"
	"github.com/eliteGoblin/clamsentry/internal/retry"
)

// SupervisorConfig holds daemon lifecycle timings.
type SupervisorConfig struct {
	DaemonName     string        // process name used to find strays
	Ready          retry.Policy  // TCP readiness polling after launch
	ConnectTimeout time.Duration // per readiness probe
	ShutdownGrace  time.Duration // wait after SHUTDOWN before killing
	KillWait       time.Duration // wait for a killed process to exit
	KillStrays     bool          // also kill same-named processes we did not launch
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		DaemonName:     "clamd",
		Ready:          retry.Policy{Interval: 250 * time.Millisecond, Deadline: 45 * time.Second},
		ConnectTimeout: time.Second,
		ShutdownGrace:  700 * time.Millisecond,
		KillWait:       1500 * time.Millisecond,
		KillStrays:     true,
	}
}

// daemonControl is what the supervisor needs from the protocol client.
type daemonControl interface {
	Ping(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Address() string
}

var transitions = map[domain.DaemonState][]domain.DaemonState{
	domain.DaemonStopped:       {domain.DaemonStarting, domain.DaemonStopping},
	domain.DaemonStarting:      {domain.DaemonReady, domain.DaemonFailedToStart},
	domain.DaemonReady:         {domain.DaemonStopping, domain.DaemonStopped},
	domain.DaemonStopping:      {domain.DaemonStopped},
	domain.DaemonFailedToStart: {domain.DaemonStarting, domain.DaemonStopping},
}

// Supervisor owns the lifecycle of a single clamd process.
// Start and Stop are serialized, but Stop first cancels a Start that is
// still waiting for readiness. Status may be read at any time.
type Supervisor struct {
	config         SupervisorConfig
	client         daemonControl
	processManager domain.ProcessManager
	registry       domain.ServiceRegistry
	logger         *zap.Logger

	opMu  sync.Mutex
	mu    sync.Mutex
	state domain.DaemonState
	proc  *managedProcess
	// cancelStart ends the readiness wait of an in-flight Start.
	cancelStart context.CancelFunc
}

// NewSupervisor creates a supervisor. registry may be nil.
func NewSupervisor(
	config SupervisorConfig,
	client daemonControl,
	pm domain.ProcessManager,
	registry domain.ServiceRegistry,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		config:         config,
		client:         client,
		processManager: pm,
		registry:       registry,
		logger:         logger,
		state:          domain.DaemonStopped,
	}
}

// Status returns the current state and managed PID.
func (s *Supervisor) Status() domain.DaemonStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.DaemonStatus{State: s.state}
	if s.proc != nil {
		st.PID = s.proc.pid
		st.Managed = true
	}
	return st
}

func (s *Supervisor) transition(to domain.DaemonState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.logger.Debug("daemon state change",
				zap.Stringer("from", s.state),
				zap.Stringer("to", to))
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid daemon state change %s -> %s", s.state, to)
}

// Start makes clamd reachable. It is a no-op when clamd already answers PING.
func (s *Supervisor) Start(ctx context.Context, inst Installation) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelStart = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelStart = nil
		s.mu.Unlock()
		cancel()
	}()

	if s.Status().State == domain.DaemonReady {
		if s.client.Ping(ctx) == nil {
			return nil
		}
		s.logger.Warn("clamd stopped responding, restarting")
		s.dropProcess()
		_ = s.transition(domain.DaemonStopped)
	}

	if err := s.transition(domain.DaemonStarting); err != nil {
		return err
	}

	if s.client.Ping(ctx) == nil {
		s.logger.Info("clamd already running", zap.String("address", s.client.Address()))
		return s.transition(domain.DaemonReady)
	}

	proc, err := s.launch(inst)
	if err != nil {
		_ = s.transition(domain.DaemonFailedToStart)
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	s.logger.Info("clamd launched, waiting for readiness",
		zap.Int("pid", proc.pid),
		zap.String("address", s.client.Address()))

	if err := s.awaitReady(ctx, proc); err != nil {
		s.dropProcess()
		_ = s.transition(domain.DaemonFailedToStart)
		s.logger.Error("clamd failed to start", zap.Error(err))
		return err
	}

	proc.stdout.Stop()
	proc.stderr.Stop()
	if s.registry != nil {
		if err := s.registry.RegisterDaemon(proc.pid, s.client.Address()); err != nil {
			s.logger.Warn("failed to register clamd pid", zap.Error(err))
		}
	}
	s.logger.Info("clamd ready", zap.Int("pid", proc.pid))
	return s.transition(domain.DaemonReady)
}

func (s *Supervisor) launch(inst Installation) (*managedProcess, error) {
	if !inst.HasDaemon() {
		return nil, fmt.Errorf("%w: %s not found", domain.ErrInstallationInvalid, inst.DaemonPath())
	}

	host, port, err := splitAddress(s.client.Address())
	if err != nil {
		return nil, err
	}
	if err := WriteDaemonConfig(inst.DaemonConfigPath(), NewDaemonConfig(inst, host, port)); err != nil {
		return nil, fmt.Errorf("failed to write daemon config: %w", err)
	}

	cmd := exec.Command(inst.DaemonPath(), "--config-file="+inst.DaemonConfigPath(), "--foreground")
	cmd.Dir = inst.Dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSubprocessLaunch, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSubprocessLaunch, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrSubprocessLaunch, inst.DaemonPath(), err)
	}

	p := &managedProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: &outputCapture{},
		stderr: &outputCapture{},
		exited: make(chan struct{}),
	}

	var pumps errgroup.Group
	pumps.Go(func() error { return p.stdout.pump(stdout) })
	pumps.Go(func() error { return p.stderr.pump(stderr) })
	go func() {
		if err := pumps.Wait(); err != nil {
			s.logger.Debug("clamd output pump ended", zap.Error(err))
		}
		p.exitCode = exitCode(cmd.Wait(), cmd)
		close(p.exited)
	}()
	return p, nil
}

var errExited = errors.New("clamd process exited")

func (s *Supervisor) awaitReady(ctx context.Context, p *managedProcess) error {
	address := s.client.Address()
	err := s.config.Ready.Do(ctx, func(ctx context.Context) error {
		if p.hasExited() {
			return retry.Stop(errExited)
		}
		dctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(dctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errExited):
		return &domain.DaemonStartError{
			Kind:     domain.ErrSubprocessExitedEarly,
			ExitCode: p.exitCode,
			Stdout:   p.stdout.String(),
			Stderr:   p.stderr.String(),
		}
	case errors.Is(err, retry.ErrExhausted):
		s.kill(p)
		code := -1
		if p.hasExited() {
			code = p.exitCode
		}
		return &domain.DaemonStartError{
			Kind:     domain.ErrReadinessTimeout,
			ExitCode: code,
			Stdout:   p.stdout.String(),
			Stderr:   p.stderr.String(),
		}
	default:
		s.kill(p)
		return fmt.Errorf("%w: waiting for clamd: %v", domain.ErrCancelled, err)
	}
}

// Stop sends SHUTDOWN, waits the grace period, then kills what is left.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelStart != nil {
		s.cancelStart()
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.transition(domain.DaemonStopping); err != nil {
		s.logger.Debug("stop requested", zap.Error(err))
	}

	if err := s.client.Shutdown(ctx); err != nil {
		s.logger.Debug("shutdown command not delivered", zap.Error(err))
	}

	select {
	case <-time.After(s.config.ShutdownGrace):
	case <-ctx.Done():
	}

	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	if p != nil {
		if !p.hasExited() {
			s.logger.Info("killing managed clamd", zap.Int("pid", p.pid))
			s.kill(p)
		}
	} else {
		s.killRegistered()
	}

	if s.config.KillStrays {
		s.killStrays()
	}

	if s.registry != nil {
		if err := s.registry.ClearDaemon(); err != nil {
			s.logger.Warn("failed to clear clamd pid", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.state = domain.DaemonStopped
	s.mu.Unlock()
	s.logger.Info("clamd stopped")
	return nil
}

// Refresh demotes a Ready daemon to Stopped when it no longer answers PING.
func (s *Supervisor) Refresh(ctx context.Context) domain.DaemonState {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.Status().State != domain.DaemonReady {
		return s.Status().State
	}
	if s.client.Ping(ctx) == nil {
		return domain.DaemonReady
	}
	s.logger.Warn("clamd no longer responding")
	s.dropProcess()
	_ = s.transition(domain.DaemonStopped)
	return domain.DaemonStopped
}

// IsRunning reports whether clamd answers PING or any clamd process exists.
func (s *Supervisor) IsRunning(ctx context.Context) bool {
	if s.client.Ping(ctx) == nil {
		return true
	}
	pids, err := s.processManager.FindByName(s.config.DaemonName)
	return err == nil && len(pids) > 0
}

func (s *Supervisor) dropProcess() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p != nil && !p.hasExited() {
		s.kill(p)
	}
}

func (s *Supervisor) kill(p *managedProcess) {
	if err := p.cmd.Process.Kill(); err != nil {
		s.logger.Debug("kill clamd", zap.Int("pid", p.pid), zap.Error(err))
	}
	select {
	case <-p.exited:
	case <-time.After(s.config.KillWait):
		s.logger.Warn("clamd did not exit after kill", zap.Int("pid", p.pid))
	}
}

// killRegistered handles a clamd launched by an earlier process of ours.
func (s *Supervisor) killRegistered() {
	if s.registry == nil {
		return
	}
	entry, err := s.registry.GetAll()
	if err != nil || entry == nil || entry.DaemonPID == 0 {
		return
	}
	if !s.processManager.IsRunning(entry.DaemonPID) {
		return
	}
	s.logger.Info("killing registered clamd", zap.Int("pid", entry.DaemonPID))
	if err := s.processManager.Kill(entry.DaemonPID); err != nil {
		s.logger.Warn("failed to kill registered clamd", zap.Int("pid", entry.DaemonPID), zap.Error(err))
	}
}

func (s *Supervisor) killStrays() {
	pids, err := s.processManager.FindByName(s.config.DaemonName)
	if err != nil {
		s.logger.Warn("failed to list clamd processes", zap.Error(err))
		return
	}
	self := s.processManager.GetCurrentPID()
	for _, pid := range pids {
		if pid == self {
			continue
		}
		s.logger.Info("killing stray clamd", zap.Int("pid", pid))
		if err := s.processManager.Kill(pid); err != nil {
			s.logger.Warn("failed to kill stray clamd", zap.Int("pid", pid), zap.Error(err))
		}
	}
}

type managedProcess struct {
	cmd      *exec.Cmd
	pid      int
	stdout   *outputCapture
	stderr   *outputCapture
	exited   chan struct{}
	exitCode int
}

func (p *managedProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// outputCapture collects lines until stopped, then keeps draining so the child never blocks on a full pipe.
type outputCapture struct {
	mu      sync.Mutex
	lines   []string
	stopped bool
}

func (o *outputCapture) pump(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		o.mu.Lock()
		if !o.stopped {
			o.lines = append(o.lines, sc.Text())
		}
		o.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// Stop discards further output and releases what was captured.
func (o *outputCapture) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.lines = nil
	o.mu.Unlock()
}

func (o *outputCapture) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

func exitCode(err error, cmd *exec.Cmd) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func splitAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid daemon address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid daemon port %q: %w", portStr, err)
	}
	return host, port, nil
}
