package node

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ttheew/symphony/pkg/log"
	"github.com/ttheew/symphony/pkg/types"
)

const (
	// defaultReadyAfter is how long a process must stay up before it is
	// considered RUNNING.
	defaultReadyAfter = 1 * time.Second

	// defaultStopGrace is the window between the stop signal and SIGKILL.
	defaultStopGrace = 10 * time.Second

	// defaultRestartBackoff seeds the exponential restart delay.
	defaultRestartBackoff = 1 * time.Second
	maxRestartBackoff     = 60 * time.Second

	// restartHistoryLimit caps the retained restart events.
	restartHistoryLimit = 32

	scannerBufferSize = 1 << 20
)

// ExecRunner supervises one deployment as an OS process. State moves
// PENDING -> STARTING -> RUNNING -> STOPPING -> STOPPED, with FAILED as the
// terminal error state and on-failure restarts looping back to STARTING.
type ExecRunner struct {
	deploymentID string
	ring         *LogRing
	logger       zerolog.Logger

	// onState fires after every state change; onLog after every captured
	// line. Both may be nil.
	onState func()
	onLog   func(entry types.LogEntry)

	mu           sync.Mutex
	spec         types.Specification
	state        types.CurrentState
	cmd          *exec.Cmd
	exitCode     *int
	startedAtMs  int64
	stoppedAtMs  int64
	restartCount int
	restarts     []types.RestartEvent
	stopping     bool
	// generation invalidates pending restarts and ready timers whenever
	// the runner is stopped or respecced.
	generation int
}

// NewExecRunner creates a runner for one deployment.
func NewExecRunner(deploymentID string, spec types.Specification, onState func(), onLog func(types.LogEntry)) *ExecRunner {
	return &ExecRunner{
		deploymentID: deploymentID,
		spec:         spec,
		ring:         NewLogRing(spec.LogLimitLines),
		logger:       log.WithComponent("runner").With().Str("deployment_id", deploymentID).Logger(),
		onState:      onState,
		onLog:        onLog,
		state:        types.StatePending,
	}
}

// Ring exposes the deployment's log buffer.
func (r *ExecRunner) Ring() *LogRing {
	return r.ring
}

// Status reports the runner's current view of the deployment.
func (r *ExecRunner) Status() types.DeploymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.DeploymentStatus{
		DeploymentID: r.deploymentID,
		CurrentState: r.state,
		ExitCode:     r.exitCode,
		StartedAtMs:  r.startedAtMs,
		StoppedAtMs:  r.stoppedAtMs,
		RestartCount: r.restartCount,
	}
}

// RestartHistory returns the retained restart events, oldest first.
func (r *ExecRunner) RestartHistory() []types.RestartEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.RestartEvent(nil), r.restarts...)
}

// SetSpec replaces the specification used by the next launch.
func (r *ExecRunner) SetSpec(spec types.Specification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spec = spec
}

// Start launches the process unless it is already running.
func (r *ExecRunner) Start() {
	r.mu.Lock()
	switch r.state {
	case types.StateStarting, types.StateRunning, types.StateStopping:
		r.mu.Unlock()
		return
	}
	r.stopping = false
	r.restartCount = 0
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	go r.run(gen, 0)
}

// Stop terminates the process with the configured stop signal, escalating to
// SIGKILL after the grace window. Stopping an idle runner is a no-op beyond
// marking it STOPPED.
func (r *ExecRunner) Stop() {
	r.mu.Lock()
	r.stopping = true
	cmd := r.cmd
	spec := r.spec

	if cmd == nil || cmd.Process == nil {
		// Idle, or waiting out a restart backoff.
		if r.state != types.StateStopped && r.state != types.StateFailed {
			r.generation++
			r.state = types.StateStopped
			r.stoppedAtMs = types.NowMs()
		}
		r.mu.Unlock()
		r.notify()
		return
	}

	r.state = types.StateStopping
	gen := r.generation
	r.mu.Unlock()
	r.notify()

	sig := stopSignal(spec.StopSignal)
	r.systemLog(fmt.Sprintf("stopping with signal %s", sig.String()))
	_ = signalGroup(cmd, sig)

	grace := defaultStopGrace
	if spec.StopGraceMs > 0 {
		grace = time.Duration(spec.StopGraceMs) * time.Millisecond
	}
	go func() {
		time.Sleep(grace)
		r.mu.Lock()
		expired := r.generation == gen && r.cmd == cmd && r.state == types.StateStopping
		r.mu.Unlock()
		if expired {
			r.systemLog("stop grace expired, killing")
			_ = signalGroup(cmd, syscall.SIGKILL)
		}
	}()
}

// Restart applies a new specification by stopping the current process and
// relaunching once it is down.
func (r *ExecRunner) Restart(spec types.Specification) {
	r.Stop()
	go func() {
		r.waitStopped()
		r.SetSpec(spec)
		r.Start()
	}()
}

func (r *ExecRunner) waitStopped() {
	deadline := time.Now().Add(defaultStopGrace + 15*time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		done := r.state == types.StateStopped || r.state == types.StateFailed
		r.mu.Unlock()
		if done {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (r *ExecRunner) run(gen, attempt int) {
	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		return
	}
	spec := r.spec
	r.state = types.StateStarting
	r.exitCode = nil
	r.startedAtMs = types.NowMs()
	r.mu.Unlock()
	r.notify()

	if len(spec.Command) == 0 {
		r.fail(gen, -1, "spawn failed: empty command")
		return
	}

	args := append(append([]string{}, spec.Command[1:]...), spec.Args...)
	cmd := exec.Command(spec.Command[0], args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so the stop signal reaches children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.fail(gen, -1, fmt.Sprintf("spawn failed: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.fail(gen, -1, fmt.Sprintf("spawn failed: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		r.fail(gen, -1, fmt.Sprintf("spawn failed: %v", err))
		return
	}

	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		_ = signalGroup(cmd, syscall.SIGKILL)
		return
	}
	r.cmd = cmd
	r.mu.Unlock()

	var scanners sync.WaitGroup
	scanners.Add(2)
	go r.scan(&scanners, stdout, types.StreamStdout)
	go r.scan(&scanners, stderr, types.StreamStderr)

	readyAfter := defaultReadyAfter
	if spec.ReadyAfterMs > 0 {
		readyAfter = time.Duration(spec.ReadyAfterMs) * time.Millisecond
	}
	time.AfterFunc(readyAfter, func() {
		r.mu.Lock()
		promoted := gen == r.generation && r.state == types.StateStarting
		if promoted {
			r.state = types.StateRunning
		}
		r.mu.Unlock()
		if promoted {
			r.notify()
		}
	})

	scanners.Wait()
	err = cmd.Wait()
	code := exitCodeOf(cmd, err)

	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		return
	}
	wasRunning := r.state == types.StateRunning
	r.cmd = nil
	r.stoppedAtMs = types.NowMs()
	r.exitCode = &code

	if r.stopping || code == 0 {
		r.state = types.StateStopped
		r.mu.Unlock()
		r.notify()
		return
	}

	// Non-zero exit without a stop request: consult the restart policy.
	// Exits during the ready window are failures, not restarts.
	rp := spec.RestartPolicy
	if wasRunning && rp != nil && rp.Type == "on-failure" && (rp.MaxRestarts <= 0 || r.restartCount < rp.MaxRestarts) {
		r.restartCount++
		r.restarts = append(r.restarts, types.RestartEvent{
			TimestampMs: types.NowMs(),
			Reason:      fmt.Sprintf("exit code %d", code),
			ExitCode:    &code,
		})
		if len(r.restarts) > restartHistoryLimit {
			r.restarts = r.restarts[len(r.restarts)-restartHistoryLimit:]
		}
		r.state = types.StateStarting
		r.mu.Unlock()
		r.notify()

		delay := restartDelay(rp, attempt)
		r.systemLog(fmt.Sprintf("exited with code %d, restarting in %s", code, delay))
		time.Sleep(delay)
		r.run(gen, attempt+1)
		return
	}

	r.state = types.StateFailed
	r.mu.Unlock()
	r.notify()
	r.systemLog(fmt.Sprintf("exited with code %d, not restarting", code))
}

func (r *ExecRunner) fail(gen, code int, msg string) {
	r.systemLog(msg)
	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		return
	}
	r.cmd = nil
	r.exitCode = &code
	r.stoppedAtMs = types.NowMs()
	r.state = types.StateFailed
	r.mu.Unlock()
	r.notify()
	r.logger.Error().Str("reason", msg).Msg("deployment failed")
}

func (r *ExecRunner) scan(wg *sync.WaitGroup, pipe io.Reader, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
	for scanner.Scan() {
		entry := types.LogEntry{
			TimestampUnixMs: types.NowMs(),
			Stream:          stream,
			Line:            scanner.Text(),
		}
		r.ring.Append(entry)
		if r.onLog != nil {
			r.onLog(entry)
		}
	}
}

func (r *ExecRunner) systemLog(line string) {
	entry := types.LogEntry{
		TimestampUnixMs: types.NowMs(),
		Stream:          types.StreamSystem,
		Line:            line,
	}
	r.ring.Append(entry)
	if r.onLog != nil {
		r.onLog(entry)
	}
}

func (r *ExecRunner) notify() {
	if r.onState != nil {
		r.onState()
	}
}

func restartDelay(rp *types.RestartPolicy, attempt int) time.Duration {
	base := defaultRestartBackoff
	if rp.BackoffSeconds > 0 {
		base = time.Duration(rp.BackoffSeconds * float64(time.Second))
	}
	delay := base << uint(attempt)
	if delay > maxRestartBackoff || delay <= 0 {
		delay = maxRestartBackoff
	}
	return delay
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Negative pid targets the whole process group.
	return syscall.Kill(-cmd.Process.Pid, sig)
}

func stopSignal(name string) syscall.Signal {
	switch name {
	case "", "SIGTERM", "TERM":
		return syscall.SIGTERM
	case "SIGINT", "INT":
		return syscall.SIGINT
	case "SIGQUIT", "QUIT":
		return syscall.SIGQUIT
	case "SIGHUP", "HUP":
		return syscall.SIGHUP
	case "SIGUSR1", "USR1":
		return syscall.SIGUSR1
	case "SIGUSR2", "USR2":
		return syscall.SIGUSR2
	case "SIGKILL", "KILL":
		return syscall.SIGKILL
	default:
		return syscall.SIGTERM
	}
}
