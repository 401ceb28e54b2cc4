package action

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ianremillard/termherd/internal/term"
)

// execution.go – per-execution aggregation: collect reader events for the
// execution's processes into poll-interval windows and emit one
// ExecutionResponse per window.
//
// Window rules
// ────────────
//   - A window lasts at most the current poll interval.
//   - It closes early when every process of the execution reported is_done
//     (all shells back at prompt), or when an installed stop mark is first
//     seen in the sanitized output of some pid.
//   - Exactly one window is ever being assembled per execution: the whole
//     cycle runs on the execution's single aggregator goroutine.

// Execution represents one call to Execute and its ongoing responses.
type Execution struct {
	id       string
	loopback *string

	pollNanos atomic.Int64

	events chan procEvent
	stop   chan struct{}
	once   sync.Once

	// procs is fixed at creation time: the union of newly spawned processes
	// and existing processes the request referenced.
	procs   map[string]*process
	newAcks []ResponseNewProcess
}

func newExecution(id string, loopback *string, pollInterval time.Duration, bufDepth int) *Execution {
	e := &Execution{
		id:       id,
		loopback: loopback,
		events:   make(chan procEvent, bufDepth),
		stop:     make(chan struct{}),
		procs:    make(map[string]*process),
	}
	e.pollNanos.Store(int64(pollInterval))
	return e
}

// deliver hands a reader event to the aggregator. It blocks when the buffer
// is full (upstream backpressure) but never outlives termination.
func (e *Execution) deliver(ev procEvent) {
	select {
	case e.events <- ev:
	case <-e.stop:
	}
}

// setPollInterval retargets future poll cycles. The in-flight cycle keeps
// the interval it started with.
func (e *Execution) setPollInterval(d time.Duration) {
	e.pollNanos.Store(int64(d))
}

func (e *Execution) pollInterval() time.Duration {
	return time.Duration(e.pollNanos.Load())
}

// terminate stops the aggregator after its current cycle. Idempotent.
func (e *Execution) terminate() {
	e.once.Do(func() { close(e.stop) })
}

// run is the aggregator loop. It emits one Response per window until
// terminated. The first response carries the spawn acknowledgements.
func (e *Execution) run(emit func(Response)) {
	first := true
	for {
		resp, ok := e.pollCycle()
		if !ok {
			return
		}
		if first {
			resp.NewProcesses = e.newAcks
			first = false
		}
		emit(resp)
	}
}

// pendingUpdate accumulates one pid's events within the current window.
type pendingUpdate struct {
	raw           []byte
	isDone        bool
	stopMarkFound bool
	err           string
}

// pollCycle assembles one window. ok is false when the execution was
// terminated and no response should be emitted.
func (e *Execution) pollCycle() (Response, bool) {
	window := time.NewTimer(e.pollInterval())
	defer window.Stop()

	pending := make(map[string]*pendingUpdate)

collect:
	for {
		select {
		case <-e.stop:
			return Response{}, false
		case ev := <-e.events:
			if e.accumulate(pending, ev) {
				break collect
			}
		case <-window.C:
			break collect
		}
	}

	return e.buildResponse(pending), true
}

// accumulate folds one event into the window state and reports whether the
// window should close early.
func (e *Execution) accumulate(pending map[string]*pendingUpdate, ev procEvent) bool {
	pd := pending[ev.pid]
	if pd == nil {
		pd = &pendingUpdate{}
		pending[ev.pid] = pd
	}

	if ev.out.Err != nil {
		pd.err = ev.out.Err.Error()
	}
	if len(ev.out.Data) > 0 {
		pd.raw = append(pd.raw, ev.out.Data...)
	}
	if ev.out.IsDone {
		pd.isDone = true
		if p := e.procs[ev.pid]; p != nil {
			p.noteDone()
		}
	}

	// Stop-mark matching happens on the sanitized form of everything the
	// window has accumulated for the pid so far.
	if p := e.procs[ev.pid]; p != nil && len(pd.raw) > 0 {
		if mark := p.currentStopMark(); mark != "" && !pd.stopMarkFound {
			if bytes.Contains(term.Sanitize(pd.raw), []byte(mark)) {
				pd.stopMarkFound = true
				return true
			}
		}
	}

	return e.allDone(pending)
}

// allDone reports whether every process of the execution reached is_done
// within this window.
func (e *Execution) allDone(pending map[string]*pendingUpdate) bool {
	if len(e.procs) == 0 {
		return false
	}
	for pid := range e.procs {
		pd := pending[pid]
		if pd == nil || !pd.isDone {
			return false
		}
	}
	return true
}

// buildResponse turns the window state into the wire value. Output for a
// pid with a stop mark installed is the sanitized transform; otherwise it
// is raw except for the ctrl-C echo fix.
func (e *Execution) buildResponse(pending map[string]*pendingUpdate) Response {
	now := time.Now()
	procs := make(map[string]ResponseProcess, len(pending))

	for pid, pd := range pending {
		rp := ResponseProcess{
			IsDone:        pd.isDone,
			StopMarkFound: pd.stopMarkFound,
			Error:         pd.err,
		}
		p := e.procs[pid]
		if p != nil {
			if p.currentStopMark() != "" {
				rp.Output = term.Sanitize(pd.raw)
			} else if len(pd.raw) > 0 {
				last := time.Time{}
				if p.term != nil {
					last = p.term.LastCtrlC()
				}
				rp.Output = term.FixCtrlCEcho(pd.raw, last, now)
			}
			st := p.state()
			rp.IsDoneLoggingIn = st.IsDoneLoggingIn
			rp.RunningCommandID = st.RunningCommandID
		} else if len(pd.raw) > 0 {
			rp.Output = pd.raw
		}
		procs[pid] = rp
	}

	return Response{
		ExecutionID:     e.id,
		LoopbackPayload: e.loopback,
		Processes:       procs,
	}
}
