package workerdev

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// IPCEnvVar tells the runtime host which file descriptor carries IPC
// messages back to the supervisor.
const IPCEnvVar = "WORKERDEV_IPC_FD"

const (
	hostHookKey      = "runtime-host"
	defaultStopGrace = 5 * time.Second
)

// HostConfig is everything the supervisor needs besides the bundle.
type HostConfig struct {
	Name string
	// Command is the runtime host executable followed by its fixed
	// arguments.
	Command []string
	Host    string
	Port    int
	// Upstream is the origin requests are proxied to when the worker calls
	// fetch on its own URL.
	Upstream      string
	LocalProtocol string
	TLS           *TLSOptions

	// Inspect enables the debugger on InspectorAddr (host:port).
	Inspect       bool
	InspectorAddr string

	CompatibilityDate  string
	CompatibilityFlags []string
	UsageModel         string
	Bindings           BindingsConfig
	Rules              []ModuleRule
	Crons              []string
	Persist            PersistPaths
	Assets             *AssetOptions
	LiveReload         bool

	// Cwd is the directory the dev command was started from. Relative blob
	// paths are resolved against it.
	Cwd string

	PortWait  time.Duration
	StopGrace time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
	Logger    zerolog.Logger
}

// SupervisorState is the lifecycle position of the current startup attempt.
type SupervisorState int

const (
	StateIdle SupervisorState = iota
	StateWaitingForPort
	StatePreparing
	StateSpawned
	StateRunning
	StateExited
	StateFailed
)

func (s SupervisorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForPort:
		return "waiting-for-port"
	case StatePreparing:
		return "preparing"
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// EventKind identifies a runtime host lifecycle event.
type EventKind int

const (
	EventReady EventKind = iota
	EventInspector
	EventExit
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventInspector:
		return "inspector"
	case EventExit:
		return "exit"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is emitted by the supervisor for each child lifecycle change.
// Generation tells events of successive children apart.
type Event struct {
	Kind       EventKind
	Generation int
	PID        int
	// Code is the exit code, or -1 when the child was ended by a signal.
	Code int
	URL  string
	Err  error
}

// PrepareError wraps a failure while staging files for a spawn.
type PrepareError struct {
	Err error
}

func (e *PrepareError) Error() string      { return "preparing runtime host: " + e.Err.Error() }
func (e *PrepareError) Unwrap() error      { return e.Err }
func (e *PrepareError) Severity() Severity { return AttemptFatal }

type child struct {
	cmd    *exec.Cmd
	pid    int
	gen    int
	exited chan struct{}
	code   int

	killOnce sync.Once
	kills    atomic.Int32

	inspectorURL string
}

// kill ends the process group the first time it is called and is a no-op
// after.
func (c *child) kill() {
	c.killOnce.Do(func() {
		c.kills.Add(1)
		_ = killGroup(c.cmd)
	})
}

// Supervisor owns the runtime host child process.
type Supervisor struct {
	cfg    HostConfig
	logger zerolog.Logger
	hooks  *ExitHooks

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	// transition serializes start and stop so a restart never races the
	// previous one.
	transition sync.Mutex

	mu         sync.Mutex
	state      SupervisorState
	current    *child
	generation int
}

// NewSupervisor returns an idle supervisor. The termination hook for each
// child is kept in hooks.
func NewSupervisor(cfg HostConfig, hooks *ExitHooks) *Supervisor {
	if cfg.PortWait <= 0 {
		cfg.PortWait = defaultPortWait
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if hooks == nil {
		hooks = NewExitHooks()
	}
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger,
		hooks:  hooks,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
}

// Events delivers child lifecycle events. It must be drained.
func (s *Supervisor) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InspectorURL is the debugger URL of the current child, once announced.
func (s *Supervisor) InspectorURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.inspectorURL
}

// Start launches a runtime host for b. A nil bundle or empty format leaves
// the supervisor idle.
func (s *Supervisor) Start(ctx context.Context, b *Bundle, format ScriptFormat) error {
	s.transition.Lock()
	defer s.transition.Unlock()
	return s.start(ctx, b, format)
}

// Restart stops the current child, waits for it to exit and starts a new one
// for b.
func (s *Supervisor) Restart(ctx context.Context, b *Bundle, format ScriptFormat) error {
	s.transition.Lock()
	defer s.transition.Unlock()
	s.stop()
	return s.start(ctx, b, format)
}

// Stop ends the current child, if any.
func (s *Supervisor) Stop() {
	s.transition.Lock()
	defer s.transition.Unlock()
	s.stop()
}

// Close stops the child and releases the events channel consumers.
func (s *Supervisor) Close() {
	s.Stop()
	s.hooks.Remove(hostHookKey)
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Supervisor) setState(st SupervisorState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) start(ctx context.Context, b *Bundle, format ScriptFormat) error {
	if b == nil || format == "" {
		s.setState(StateIdle)
		return nil
	}

	// Reject before touching the port, the disk or the process table.
	if err := validateLocalCapabilities(s.cfg.Bindings); err != nil {
		s.setState(StateFailed)
		return err
	}

	s.setState(StateWaitingForPort)
	if err := waitForPort(ctx, s.cfg.Host, s.cfg.Port, s.cfg.PortWait, portRetryInterval); err != nil {
		s.setState(StateFailed)
		return err
	}

	s.setState(StatePreparing)
	if err := materializeModules(ctx, b.Dir(), b.Modules); err != nil {
		s.setState(StateFailed)
		return &PrepareError{Err: err}
	}
	scriptPath, err := canonicalPath(b.Path)
	if err != nil {
		s.setState(StateFailed)
		return &PrepareError{Err: err}
	}
	opts := buildHostOptions(s.cfg, *b, format, scriptPath)
	if err := ctx.Err(); err != nil {
		s.setState(StateFailed)
		return err
	}
	return s.spawn(b, opts)
}

func materializeModules(ctx context.Context, dir string, modules []Module) error {
	for _, m := range modules {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(dir, m.Name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("creating module directory: %w", err)
		}
		if err := os.WriteFile(p, m.Content, 0644); err != nil {
			return fmt.Errorf("writing module %s: %w", m.Name, err)
		}
	}
	return nil
}

func canonicalPath(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("resolving script path: %w", err)
	}
	return filepath.Abs(resolved)
}

// hostArgs builds argv after the executable: inspect flag first so
// interpreters see it before their script argument.
func (s *Supervisor) hostArgs(opts RuntimeHostOptions) ([]string, error) {
	var args []string
	if s.cfg.Inspect {
		args = append(args, "--inspect="+s.cfg.InspectorAddr)
	}
	args = append(args, s.cfg.Command[1:]...)

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encoding runtime host options: %w", err)
	}
	args = append(args, string(optsJSON))
	if s.cfg.Assets != nil {
		assetsJSON, err := json.Marshal(s.cfg.Assets)
		if err != nil {
			return nil, fmt.Errorf("encoding asset options: %w", err)
		}
		args = append(args, string(assetsJSON))
	}
	return args, nil
}

func (s *Supervisor) spawn(b *Bundle, opts RuntimeHostOptions) error {
	if len(s.cfg.Command) == 0 {
		s.setState(StateFailed)
		return &ChildSpawnError{Err: errors.New("no runtime host command configured")}
	}
	name := s.cfg.Command[0]
	args, err := s.hostArgs(opts)
	if err != nil {
		s.setState(StateFailed)
		return &PrepareError{Err: err}
	}

	ipcR, ipcW, err := os.Pipe()
	if err != nil {
		s.setState(StateFailed)
		return &ChildSpawnError{Command: name, Err: err}
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = b.Dir()
	cmd.Env = append(os.Environ(), IPCEnvVar+"=3")
	cmd.ExtraFiles = []*os.File{ipcW}
	// Output still held open by something the host forked must not keep Wait
	// from returning once the host itself is gone.
	cmd.WaitDelay = s.cfg.StopGrace
	isolateProcessGroup(cmd)

	s.mu.Lock()
	c := &child{
		cmd:    cmd,
		gen:    s.generation + 1,
		exited: make(chan struct{}),
		code:   -1,
	}
	s.mu.Unlock()

	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr
	if s.cfg.Inspect {
		cmd.Stderr = &stderrWatcher{sup: s, child: c, out: s.cfg.Stderr}
	}

	if err := cmd.Start(); err != nil {
		_ = ipcR.Close()
		_ = ipcW.Close()
		s.setState(StateFailed)
		s.logger.Error().Err(err).Str("command", name).Msg("runtime host failed to start")
		return &ChildSpawnError{Command: name, Err: err}
	}
	_ = ipcW.Close()

	s.mu.Lock()
	s.generation = c.gen
	c.pid = cmd.Process.Pid
	s.current = c
	s.state = StateSpawned
	s.mu.Unlock()

	s.hooks.Set(hostHookKey, s.Terminate)
	s.logger.Debug().Int("pid", c.pid).Int("generation", c.gen).Str("script", opts.ScriptPath).Msg("runtime host spawned")

	go s.readIPC(c, ipcR)
	go s.wait(c, ipcR)
	return nil
}

// stderrWatcher passes stderr through unchanged and watches it for the
// debugger announcement.
type stderrWatcher struct {
	sup     *Supervisor
	child   *child
	out     io.Writer
	scanner inspectorScanner
}

func (w *stderrWatcher) Write(p []byte) (int, error) {
	_, _ = w.out.Write(p)
	if url, ok := w.scanner.feed(p); ok {
		w.sup.announceInspector(w.child, url)
	}
	return len(p), nil
}

// announceInspector records the debugger URL and reports it without blocking;
// output must keep flowing while the coordinator is busy stopping the child.
func (s *Supervisor) announceInspector(c *child, url string) {
	s.mu.Lock()
	c.inspectorURL = url
	pid := c.pid
	s.mu.Unlock()
	select {
	case s.events <- Event{Kind: EventInspector, Generation: c.gen, PID: pid, URL: url}:
	default:
		s.logger.Debug().Int("pid", pid).Str("url", url).Msg("event queue full, inspector event dropped")
	}
}

// readIPC relays newline-delimited JSON messages from the child.
func (s *Supervisor) readIPC(c *child, r io.Reader) {
	lines := bufio.NewScanner(r)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		if line == "" {
			continue
		}
		var msg any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Debug().Str("message", line).Msg("ignoring malformed ipc message")
			continue
		}
		if msg == "ready" {
			s.mu.Lock()
			if s.current == c {
				s.state = StateRunning
			}
			s.mu.Unlock()
			s.emit(Event{Kind: EventReady, Generation: c.gen, PID: c.pid})
		}
	}
}

func (s *Supervisor) wait(c *child, ipcR *os.File) {
	err := c.cmd.Wait()
	_ = ipcR.Close()

	code := -1
	if c.cmd.ProcessState != nil {
		code = c.cmd.ProcessState.ExitCode()
	}
	c.code = code

	s.mu.Lock()
	if s.current == c {
		s.current = nil
		s.state = StateExited
	}
	s.mu.Unlock()
	close(c.exited)

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr):
	case errors.Is(err, exec.ErrWaitDelay):
		s.logger.Debug().Int("pid", c.pid).Msg("runtime host output still open after exit, closed it")
	default:
		s.emit(Event{Kind: EventError, Generation: c.gen, PID: c.pid, Err: err})
	}
	ev := Event{Kind: EventExit, Generation: c.gen, PID: c.pid, Code: code}
	if code > 0 {
		ev.Err = &ChildExitError{PID: c.pid, Code: code}
	}
	s.emit(ev)
}

func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// stop asks the child to terminate, kills it after the grace period and
// waits for it to exit.
func (s *Supervisor) stop() {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return
	}

	if err := terminateGroup(c.cmd); err != nil {
		c.kill()
	}
	select {
	case <-c.exited:
	case <-time.After(s.cfg.StopGrace):
		s.logger.Warn().Int("pid", c.pid).Msg("runtime host ignored SIGTERM, killing")
		c.kill()
		<-c.exited
	}
	s.logger.Debug().Int("pid", c.pid).Msg("runtime host stopped")
}

// Terminate kills the current child immediately. It is the exit hook
// registered for every child and is safe to call any number of times.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c != nil {
		c.kill()
	}
}

func (s *Supervisor) currentChild() *child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
