// Package supervisor forks/execs helper programs on behalf of control
// clients, optionally inside a TUN device's network namespace, and converts
// SIGCHLD delivery into termination notifications. Grounded on
// original_source/daemon/main.c (env whitelist, privilege drop,
// namespace-scoped fork/exec) and on the teacher's use of os/signal-driven
// main-loop event conversion (peppechiapparo-mpquic's reconnect/probe timers
// funnel into one select loop rather than async callbacks).
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"gtpud/internal/netadapter"
)

// envWhitelist is the fixed set of environment variable names inherited from
// the daemon's own environment into every child process (§6).
var envWhitelist = []string{"PATH", "HOME", "LANG", "TERM", "USER"}

// StartParams describes one start_program request.
type StartParams struct {
	Command     string
	RunAsUser   string
	Environment []string
	Netns       string
	// OnExit is invoked at most once, from the reaper goroutine, when the
	// tracked child terminates; a child removed by KillAll or KillClient is
	// forgotten before it is reaped and gets no call. It must not block. pid
	// is passed explicitly rather
	// than left for the caller to close over, since the reaper can fire
	// before Start has returned the pid to its caller (a fast-exiting child
	// such as scenario 6's /bin/true is a realistic case, not a corner one).
	OnExit func(pid, exitCode int)
}

type child struct {
	pid    int
	onExit func(pid, exitCode int)
}

// Supervisor tracks live subprocesses and reaps them via SIGCHLD. Subprocess
// bookkeeping is protected by mu rather than being strictly main-thread-only
// as in §4.6/§5: the control server dispatches from one goroutine per
// connection, so Start can be called concurrently with the reaper goroutine
// delivering SIGCHLD. The underlying registry/namespace mutation this
// package performs (fork+exec) has no analogous concurrency, so a plain
// mutex is sufficient and simpler than routing everything through a single
// event-loop goroutine.
type Supervisor struct {
	mu       sync.Mutex
	children map[int]*child

	sigchld chan os.Signal
	sigusr1 chan os.Signal
	done    chan struct{}

	log *logrus.Entry
}

// New starts the signal-to-synchronous-event conversion described in §4.6:
// SIGCHLD and SIGUSR1 are blocked from asynchronous delivery to any other
// goroutine and consumed only by the reaper loop started here.
func New(log *logrus.Entry) *Supervisor {
	s := &Supervisor{
		children: make(map[int]*child),
		sigchld:  make(chan os.Signal, 8),
		sigusr1:  make(chan os.Signal, 1),
		done:     make(chan struct{}),
		log:      log,
	}
	signal.Notify(s.sigchld, syscall.SIGCHLD)
	signal.Notify(s.sigusr1, syscall.SIGUSR1)
	go s.reapLoop()
	return s
}

// Stop ends the reaper loop. It does not kill live children.
func (s *Supervisor) Stop() {
	close(s.done)
	signal.Stop(s.sigchld)
	signal.Stop(s.sigusr1)
}

func (s *Supervisor) reapLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.sigusr1:
			s.log.WithField("children", s.count()).Info("diagnostic dump requested")
		case <-s.sigchld:
			s.reapAll()
		}
	}
}

func (s *Supervisor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// reapAll drains every exited child with a non-blocking Wait4, matching the
// standard "SIGCHLD may coalesce multiple exits" caveat.
func (s *Supervisor) reapAll() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		s.mu.Lock()
		c, ok := s.children[pid]
		if ok {
			delete(s.children, pid)
		}
		s.mu.Unlock()

		if !ok {
			s.log.WithField("pid", pid).Debug("reaped unknown child, discarding")
			continue
		}
		c.onExit(c.pid, status.ExitStatus())
	}
}

// Start forks/execs params.Command as params.RunAsUser, optionally inside
// the named TUN namespace, with environment = whitelist ∪ params.Environment.
// On success the child is registered and params.OnExit fires once on exit.
func (s *Supervisor) Start(params StartParams) (int, error) {
	u, err := user.Lookup(params.RunAsUser)
	if err != nil {
		return 0, fmt.Errorf("supervisor: unknown user %q: %w", params.RunAsUser, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("supervisor: bad uid for %q: %w", params.RunAsUser, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("supervisor: bad gid for %q: %w", params.RunAsUser, err)
	}

	cmd := exec.Command(params.Command)
	cmd.Env = buildEnv(params.Environment)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}

	var startErr error
	// s.mu is held from the fork until the child is registered, so a reapAll
	// that collects a fast-exiting child waits for the registration before
	// looking its pid up.
	s.mu.Lock()
	err = netadapter.WithNamespace(params.Netns, func() error {
		startErr = cmd.Start()
		return startErr
	})
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("supervisor: exec %q: %w", params.Command, err)
	}

	pid := cmd.Process.Pid
	s.children[pid] = &child{pid: pid, onExit: params.OnExit}
	s.mu.Unlock()

	// The child's exit status is collected exclusively by the SIGCHLD-driven
	// reapAll loop (Wait4(-1, ...)), not by cmd.Wait() — calling both
	// would race two waiters over the same pid.
	s.log.WithFields(logrus.Fields{"pid": pid, "user": params.RunAsUser}).Info("started subprocess")
	return pid, nil
}

// KillClient kills every tracked child matching one of pids, used when a
// control connection closes (§4.4: subprocesses started by a client are
// SIGKILLed and forgotten on disconnect).
func (s *Supervisor) KillClient(pids []int) {
	for _, pid := range pids {
		s.kill(pid)
	}
}

// KillAll kills and forgets every tracked subprocess, used by reset_all_state.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	pids := make([]int, 0, len(s.children))
	for pid := range s.children {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		s.kill(pid)
	}
}

func (s *Supervisor) kill(pid int) {
	s.mu.Lock()
	_, ok := s.children[pid]
	delete(s.children, pid)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		s.log.WithError(err).WithField("pid", pid).Debug("kill failed, process likely already exited")
	}
}

// buildEnv appends provided to the fixed whitelist, reading each whitelisted
// variable from the daemon's own environment.
func buildEnv(provided []string) []string {
	env := make([]string, 0, len(envWhitelist)+len(provided))
	for _, name := range envWhitelist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	env = append(env, provided...)
	return env
}
