package action

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termherd/internal/term"
)

// process.go – the logical handle around one Terminal. A process is created
// when an execute request lists it under new_processes and lives until the
// service shuts down or its shell dies. Its reader events are routed to
// whichever execution referenced it most recently, so later execute calls
// can reuse a running shell and still observe its output.

type procEvent struct {
	pid string
	out term.Output
}

type process struct {
	pid  string
	term *term.Terminal

	// events carries reader output; the router forwards each entry to the
	// current sink execution. The channel is closed by the reader wrapper
	// when the terminal reaches EOF or errors.
	events chan term.Output
	sink   atomic.Pointer[Execution]

	mu               sync.Mutex
	runningCommandID *string
	doneLoggingIn    bool
	stopMark         string // empty means no stop mark installed
	dead             bool
}

// newProcess spawns the shell, starts its reader and router, and returns
// the handle. No sink is bound yet: the caller binds the initial execution
// after this returns, and the router drops events that arrive before that.
func newProcess(pid, shell string, bufDepth int, wg *sync.WaitGroup) (*process, error) {
	t, err := term.Start(shell)
	if err != nil {
		return nil, err
	}

	p := &process{
		pid:    pid,
		term:   t,
		events: make(chan term.Output, bufDepth),
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(p.events)
		term.NewReader(t, p.events).Run()
	}()
	go func() {
		defer wg.Done()
		p.route()
	}()

	return p, nil
}

// route forwards reader events to the process's current sink execution.
// It exits when the reader closes the events channel.
func (p *process) route() {
	for o := range p.events {
		e := p.sink.Load()
		if e == nil {
			continue
		}
		e.deliver(procEvent{pid: p.pid, out: o})
	}
	logrus.WithField("pid", p.pid).Debug("process reader drained")
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
}

// bind retargets the process's event stream at e.
func (p *process) bind(e *Execution) {
	p.sink.Store(e)
}

// noteDone records a prompt return: the login handshake is complete and no
// command is in the foreground anymore.
func (p *process) noteDone() {
	p.mu.Lock()
	p.doneLoggingIn = true
	p.runningCommandID = nil
	p.mu.Unlock()
}

func (p *process) setRunningCommand(id *string) {
	p.mu.Lock()
	p.runningCommandID = id
	p.mu.Unlock()
}

func (p *process) setStopMark(mark string) {
	p.mu.Lock()
	p.stopMark = mark
	p.mu.Unlock()
}

// isDead reports whether the reader has drained: the shell is gone and the
// handle only serves state queries.
func (p *process) isDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

func (p *process) currentStopMark() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopMark
}

func (p *process) state() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessState{
		PID:              p.pid,
		RunningCommandID: p.runningCommandID,
		IsDoneLoggingIn:  p.doneLoggingIn,
	}
}
