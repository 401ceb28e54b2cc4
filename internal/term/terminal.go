// Package term owns the pseudo-terminal layer: spawning an interactive
// shell under a controlling PTY, reading its output, writing input, and
// delivering signals to whatever is in the foreground.
//
// Architecture overview
// ─────────────────────
//
//	┌────────────────────────────────────┐
//	│  Terminal                          │
//	│  ┌───────────┐                     │
//	│  │ bash -i   │◄── PTY slave        │
//	│  └───────────┘                     │
//	│     │    ▲                         │
//	│     │    └── master fd (non-block) │
//	│     │                              │
//	│     └── sentinel pipe: bash's      │
//	│         PROMPT_COMMAND writes one  │
//	│         "READY\n" per prompt       │
//	│                                    │
//	│  ReadBlocking: select on           │
//	│  {sentinel, master}, no timeout    │
//	└────────────────────────────────────┘
//
// The sentinel pipe is how a caller learns the shell is back at its prompt
// without parsing output: the write end is inherited across exec and bash's
// PROMPT_COMMAND fires exactly once per prompt return.
package term

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	// Prompt is the fixed PS1 the spawned shell uses. Aggregation layers key
	// on it when stripping prompts from sanitized output.
	Prompt = "cmd> "

	// readChunkSize bounds a single read from the master or sentinel fd.
	readChunkSize = 16384

	// closeGrace is how long Close waits for the shell's process group to
	// exit after SIGTERM before escalating to SIGKILL.
	closeGrace = 2 * time.Second
)

// Output is the result of one blocking read cycle on a Terminal.
//
// IsDone reports that the sentinel fired during the cycle, i.e. the shell
// returned to its prompt. Data is nil when the master fd had nothing to
// read, and empty (non-nil) exactly once at EOF. StopMarkFound is never set
// by the Terminal itself; the aggregation layer owns stop-mark matching.
type Output struct {
	IsDone        bool
	Data          []byte
	Err           error
	StopMarkFound bool
}

// Terminal is one interactive shell running under a PTY that this process
// owns. While alive, exactly one reader consumes the master fd; writes and
// signals may come from any goroutine.
type Terminal struct {
	PID int

	ptm      *os.File // PTY master
	sentinel *os.File // read end of the prompt sentinel pipe

	masterFD   int
	sentinelFD int

	mu          sync.Mutex
	closed      bool
	lastCtrlCAt time.Time
}

// Start forks an interactive bash under a fresh PTY and returns the parent
// side. shell may be empty, in which case /bin/bash is used.
//
// The child gets a restricted environment, a 24×80 window, and the write end
// of the sentinel pipe as fd 3 (READY_FD) with close-on-exec cleared so it
// survives exec. argv[0] carries our pid so orphaned shells are locatable
// with ps.
func Start(shell string) (*Terminal, error) {
	if shell == "" {
		shell = "/bin/bash"
	}

	ptm, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if err := pty.Setsize(ptm, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
		ptm.Close()
		tty.Close()
		return nil, fmt.Errorf("set pty size: %w", err)
	}

	sentinelR, sentinelW, err := os.Pipe()
	if err != nil {
		ptm.Close()
		tty.Close()
		return nil, fmt.Errorf("sentinel pipe: %w", err)
	}

	cmd := &exec.Cmd{
		Path: shell,
		// argv[0] identifies stray shells in ps output.
		Args:   []string{fmt.Sprintf("bash action-terminal (parent=%d)", os.Getpid()), "--norc", "--noprofile", "-i"},
		Env:    shellEnv(),
		Stdin:  tty,
		Stdout: tty,
		Stderr: tty,
		// ExtraFiles become fd 3+ in the child with close-on-exec cleared.
		ExtraFiles: []*os.File{sentinelW},
		SysProcAttr: &syscall.SysProcAttr{
			Setsid:  true,
			Setctty: true,
			Ctty:    0, // stdin, the PTY slave
		},
	}

	if err := cmd.Start(); err != nil {
		ptm.Close()
		tty.Close()
		sentinelR.Close()
		sentinelW.Close()
		return nil, &SpawnError{Shell: shell, Err: err}
	}

	// Parent keeps only the master and the sentinel read end.
	tty.Close()
	sentinelW.Close()

	t := &Terminal{
		PID:        cmd.Process.Pid,
		ptm:        ptm,
		sentinel:   sentinelR,
		masterFD:   int(ptm.Fd()),
		sentinelFD: int(sentinelR.Fd()),
	}

	// Both fds are read with explicit select, so mark them non-blocking at
	// the kernel level. Fd() above already detached them from the runtime
	// poller.
	if err := unix.SetNonblock(t.masterFD, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("set master non-blocking: %w", err)
	}
	if err := unix.SetNonblock(t.sentinelFD, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("set sentinel non-blocking: %w", err)
	}

	// The exec.Cmd is deliberately not Wait()ed: Close reaps the child with
	// wait4 so teardown works no matter which goroutine calls it.
	return t, nil
}

// shellEnv builds the restricted environment for the spawned shell. READY_FD
// is fd 3 in the child (the first ExtraFiles slot).
func shellEnv() []string {
	username := os.Getenv("USER")
	logname := os.Getenv("LOGNAME")
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}
	if logname == "" {
		logname = username
	}
	return []string{
		"TERM=xterm-256color",
		"LANG=en_US.UTF-8",
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"SHELL=/bin/bash",
		"PS1=" + Prompt,
		"USER=" + username,
		"LOGNAME=" + logname,
		"READY_FD=3",
		`PROMPT_COMMAND=printf "READY\n" >&$READY_FD`,
	}
}

// SpawnError reports a failed fork/exec of the shell.
type SpawnError struct {
	Shell string
	Err   error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Shell, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ─── Reading ──────────────────────────────────────────────────────────────────

// ReadBlocking waits until the sentinel or the master fd is readable and
// returns both signals from the cycle. Interrupted selects are retried.
//
// EAGAIN on the master is not an error: Data comes back nil. A zero-length
// read (or EIO, which Linux reports on the master once the slave side is
// gone) means EOF and yields empty non-nil Data.
func (t *Terminal) ReadBlocking() Output {
	ready, err := t.selectReadFDs()
	if err == unix.EBADF {
		// Close() won the race; report EOF so the reader exits cleanly.
		return Output{Data: []byte{}}
	}
	if err != nil {
		return Output{Err: fmt.Errorf("select: %w", err)}
	}

	out := Output{}

	if ready[t.sentinelFD] {
		// One read drains the small READY token.
		buf := make([]byte, readChunkSize)
		if _, err := unix.Read(t.sentinelFD, buf); err == nil {
			out.IsDone = true
		} else if err != unix.EAGAIN {
			out.Err = fmt.Errorf("read sentinel: %w", err)
			return out
		}
	}

	if ready[t.masterFD] {
		buf := make([]byte, readChunkSize)
		n, err := unix.Read(t.masterFD, buf)
		switch {
		case err == unix.EAGAIN:
			// Raced with another wakeup; nothing to read this cycle.
		case err == unix.EIO || err == unix.EBADF:
			out.Data = []byte{}
		case err != nil:
			out.Err = fmt.Errorf("read master: %w", err)
		default:
			out.Data = buf[:n:n]
		}
	}

	return out
}

// selectReadFDs blocks until the sentinel or master fd is readable,
// retrying on EINTR, and reports which of the two fired.
func (t *Terminal) selectReadFDs() (map[int]bool, error) {
	for {
		var fds unix.FdSet
		fds.Zero()
		fds.Set(t.sentinelFD)
		fds.Set(t.masterFD)
		nfds := t.masterFD
		if t.sentinelFD > nfds {
			nfds = t.sentinelFD
		}
		_, err := unix.Select(nfds+1, &fds, nil, nil, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return map[int]bool{
			t.sentinelFD: fds.IsSet(t.sentinelFD),
			t.masterFD:   fds.IsSet(t.masterFD),
		}, nil
	}
}

// ─── Writing ──────────────────────────────────────────────────────────────────

// SendBytes writes all of b to the master fd, looping over short writes and
// waiting out EAGAIN. A ctrl-C byte in b records the send time so the
// aggregation layer can apply its echo fix.
func (t *Terminal) SendBytes(b []byte) error {
	for _, c := range b {
		if c == 0x03 {
			t.mu.Lock()
			t.lastCtrlCAt = time.Now()
			t.mu.Unlock()
			break
		}
	}

	for len(b) > 0 {
		n, err := unix.Write(t.masterFD, b)
		if err == unix.EAGAIN || err == unix.EINTR {
			if err := t.waitWritable(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("write master: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// SendText writes a string to the master fd.
func (t *Terminal) SendText(s string) error {
	return t.SendBytes([]byte(s))
}

func (t *Terminal) waitWritable() error {
	for {
		var fds unix.FdSet
		fds.Zero()
		fds.Set(t.masterFD)
		_, err := unix.Select(t.masterFD+1, nil, &fds, nil, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("select for write: %w", err)
		}
		return nil
	}
}

// LastCtrlC returns when a ctrl-C byte was most recently sent, or the zero
// time if never.
func (t *Terminal) LastCtrlC() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCtrlCAt
}

// ─── Signals ──────────────────────────────────────────────────────────────────

// ForegroundPGID reports the PTY's current foreground process group: the
// shell's own group when it is idle, the running command's group otherwise.
func (t *Terminal) ForegroundPGID() (int, error) {
	pgid, err := unix.IoctlGetInt(t.masterFD, unix.TIOCGPGRP)
	if err != nil {
		return 0, fmt.Errorf("TIOCGPGRP: %w", err)
	}
	return pgid, nil
}

// SendSignal delivers sig to the PTY's current foreground process group, so
// callers never have to distinguish "signal the shell" from "signal the
// running command".
func (t *Terminal) SendSignal(sig syscall.Signal) error {
	pgid, err := t.ForegroundPGID()
	if err != nil {
		return err
	}
	if err := unix.Kill(-pgid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("killpg %d: %w", pgid, err)
	}
	return nil
}

// SignalByName resolves names like "SIGINT" to the signal value.
func SignalByName(name string) (syscall.Signal, error) {
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// ─── Teardown ─────────────────────────────────────────────────────────────────

// Close releases the PTY and terminates the shell's process group: close
// both fds, SIGTERM the group, poll wait4 for up to two seconds, SIGKILL
// whatever is left, and reap. Calling Close again is a no-op.
func (t *Terminal) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	// Closing the master also wakes any blocked reader with EOF/EIO.
	t.ptm.Close()
	t.sentinel.Close()

	if err := unix.Kill(-t.PID, unix.SIGTERM); err != nil {
		// ESRCH: the group is already gone; the shell may still be an
		// unreaped zombie.
		t.reap()
		return
	}

	deadline := time.Now().Add(closeGrace)
	for time.Now().Before(deadline) {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(t.PID, &ws, unix.WNOHANG, nil)
		if err != nil || pid == t.PID {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	unix.Kill(-t.PID, unix.SIGKILL)
	t.reap()
}

// reap collects the child without blocking; errors mean it is already gone.
func (t *Terminal) reap() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(t.PID, &ws, unix.WNOHANG, nil)
		if err != nil || pid == 0 {
			return
		}
		if pid == t.PID {
			return
		}
	}
}
