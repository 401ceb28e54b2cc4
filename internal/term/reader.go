package term

// reader.go – the one-goroutine-per-Terminal pump that turns blocking PTY
// reads into a typed event stream.

// Reader drains a Terminal in a loop and pushes every Output into out.
//
// The channel send is deliberately blocking: if the consumer falls behind,
// the reader stalls and the kernel PTY buffer provides further upstream
// backpressure. On a read error the reader emits exactly one event with Err
// set and exits; on EOF it emits the final empty event and exits.
type Reader struct {
	term *Terminal
	out  chan<- Output
}

// NewReader wires a Terminal to an output channel. Call Run on its own
// goroutine to start pumping.
func NewReader(t *Terminal, out chan<- Output) *Reader {
	return &Reader{term: t, out: out}
}

// Run blocks until the Terminal reaches EOF or errors. It never parses
// output beyond the sentinel; stop-mark matching is the aggregator's job.
func (r *Reader) Run() {
	for {
		o := r.term.ReadBlocking()
		r.out <- o
		if o.Err != nil {
			return
		}
		if o.Data != nil && len(o.Data) == 0 {
			return
		}
	}
}
