// Package action implements the execution engine: it owns every shell
// process the server has spawned, runs one aggregator per execute call, and
// pushes the resulting ExecutionResponses to a single observer.
package action

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termherd/internal/term"
)

// ErrNotFound is returned when a mutation references an unknown execution.
var ErrNotFound = errors.New("execution not found")

// ErrShuttingDown is returned by Execute after Shutdown has begun.
var ErrShuttingDown = errors.New("service is shutting down")

const (
	// DefaultPollInterval bounds a poll cycle when the request does not set
	// one.
	DefaultPollInterval = 2 * time.Second

	// defaultBufferDepth is the reader → aggregator channel capacity. When
	// it fills, the reader blocks and the kernel PTY buffer takes over.
	defaultBufferDepth = 256
)

// Config carries the knobs the service needs; zero values pick defaults.
type Config struct {
	Shell        string        // shell binary, default /bin/bash
	PollInterval time.Duration // default window length
	BufferDepth  int           // reader → aggregator channel capacity
}

// Service dispatches execute requests, owns executions and their processes,
// and notifies the observer of every emitted response.
type Service struct {
	shell        string
	pollInterval time.Duration
	bufferDepth  int

	obsMu    sync.RWMutex
	observer Observer

	mu         sync.Mutex
	closed     bool
	executions map[string]*Execution
	procs      map[string]*process

	wg sync.WaitGroup
}

// NewService builds an idle service. Install an observer before the first
// Execute or early responses are dropped.
func NewService(cfg Config) *Service {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BufferDepth <= 0 {
		cfg.BufferDepth = defaultBufferDepth
	}
	return &Service{
		shell:        cfg.Shell,
		pollInterval: cfg.PollInterval,
		bufferDepth:  cfg.BufferDepth,
		executions:   make(map[string]*Execution),
		procs:        make(map[string]*process),
	}
}

// SetObserver installs the single sink for emitted responses, replacing any
// previous one.
func (s *Service) SetObserver(o Observer) {
	s.obsMu.Lock()
	s.observer = o
	s.obsMu.Unlock()
}

func (s *Service) emit(resp Response) {
	s.obsMu.RLock()
	o := s.observer
	s.obsMu.RUnlock()
	if o != nil {
		o.ReceiveExecutionResponse(resp)
	}
}

// Execute creates an execution for req, spawns the requested new processes,
// applies the per-pid actions, and starts the aggregator. Spawn failures are
// acknowledged inside the first response rather than failing the call.
func (s *Service) Execute(req Request) (ExecutionReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ExecutionReference{}, ErrShuttingDown
	}

	interval := s.pollInterval
	if req.PollInterval != nil && *req.PollInterval > 0 {
		interval = time.Duration(*req.PollInterval * float64(time.Second))
	}

	e := newExecution(uuid.NewString(), req.LoopbackPayload, interval, s.bufferDepth)

	for _, np := range req.NewProcesses {
		ack := ResponseNewProcess{PID: np.PID}
		existing := s.procs[np.PID]
		switch {
		case np.PID == "":
			ack.Error = "missing pid"
		case existing != nil && !existing.isDead():
			ack.Error = fmt.Sprintf("pid %q already exists", np.PID)
		default:
			// A dead pid may be respawned; its old terminal is already
			// closed or closing.
			if existing != nil {
				existing.term.Close()
			}
			p, err := newProcess(np.PID, s.shell, s.bufferDepth, &s.wg)
			if err != nil {
				logrus.WithError(err).WithField("pid", np.PID).Error("shell spawn failed")
				ack.Error = err.Error()
			} else {
				p.bind(e)
				e.procs[np.PID] = p
				s.procs[np.PID] = p
			}
		}
		e.newAcks = append(e.newAcks, ack)
	}

	for pid, act := range req.Processes {
		p := s.procs[pid]
		if p == nil {
			// Surface the miss in this execution's first cycle instead of
			// failing the whole request.
			go e.deliver(procEvent{pid: pid, out: term.Output{Err: fmt.Errorf("unknown pid %q", pid)}})
			continue
		}
		p.bind(e)
		e.procs[pid] = p
		if p.isDead() {
			go e.deliver(procEvent{pid: pid, out: term.Output{Err: fmt.Errorf("process %q is closed", pid)}})
			continue
		}
		s.applyActions(e, p, act)
	}

	s.executions[e.id] = e

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		e.run(s.emit)
	}()

	logrus.WithFields(logrus.Fields{
		"execution": e.id,
		"processes": len(e.procs),
	}).Info("execution started")

	return ExecutionReference{ExecutionID: e.id}, nil
}

// applyActions performs one pid's action block. Failures become events in
// the execution's stream so they arrive as per-pid errors, never panics.
func (s *Service) applyActions(e *Execution, p *process, act RequestProcess) {
	if act.StopMark != nil {
		p.setStopMark(*act.StopMark)
	}
	if act.CommandID != nil {
		p.setRunningCommand(act.CommandID)
	}
	if act.InputText != nil {
		if err := p.term.SendText(*act.InputText); err != nil {
			go e.deliver(procEvent{pid: p.pid, out: term.Output{Err: err}})
		}
	}
	if len(act.InputBytes) > 0 {
		if err := p.term.SendBytes(act.InputBytes); err != nil {
			go e.deliver(procEvent{pid: p.pid, out: term.Output{Err: err}})
		}
	}
	if act.Signal != nil {
		sig, err := term.SignalByName(*act.Signal)
		if err == nil {
			err = p.term.SendSignal(sig)
		}
		if err != nil {
			go e.deliver(procEvent{pid: p.pid, out: term.Output{Err: err}})
		}
	}
}

// GetExecutionState returns a point-in-time snapshot of every process the
// listed executions reference, deduplicated and ordered by pid. Unknown
// execution ids are skipped: this is a read, not a mutation.
func (s *Service) GetExecutionState(executionIDs []string) []ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]ProcessState)
	for _, id := range executionIDs {
		e := s.executions[id]
		if e == nil {
			continue
		}
		for pid, p := range e.procs {
			if _, ok := seen[pid]; !ok {
				seen[pid] = p.state()
			}
		}
	}

	out := make([]ProcessState, 0, len(seen))
	for _, st := range seen {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// SetPollInterval retargets future poll cycles of the referenced execution.
// The in-flight cycle is not shortened.
func (s *Service) SetPollInterval(ref ExecutionReference, seconds float64) error {
	s.mu.Lock()
	e := s.executions[ref.ExecutionID]
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, ref.ExecutionID)
	}
	if seconds <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	e.setPollInterval(time.Duration(seconds * float64(time.Second)))
	return nil
}

// Shutdown terminates every execution, closes every terminal, and waits for
// readers, routers, and aggregators to drain. Safe to call twice.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	executions := s.executions
	procs := s.procs
	s.executions = make(map[string]*Execution)
	s.procs = make(map[string]*process)
	s.mu.Unlock()

	for _, e := range executions {
		e.terminate()
	}
	// Closing terminals wakes blocked readers with EOF so their goroutines
	// exit.
	for _, p := range procs {
		p.term.Close()
	}

	s.wg.Wait()
	logrus.Info("action service stopped")
}
