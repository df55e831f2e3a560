package transfer

import "time"

// Event is the single tagged form of the four Delegate callbacks. Exactly
// one of the payload fields is set, matching Type.
type Event struct {
	Type     EventType
	Progress *Progress
	Err      error
	Data     []byte
}

// EventType defines the set of events a Manager may emit.
type EventType string

const (
	EventProgress  EventType = "Progress"
	EventFailed    EventType = "Failed"
	EventCancelled EventType = "Cancelled"
	EventComplete  EventType = "Complete"
)

// Terminal reports whether the event ends a transfer.
func (t EventType) Terminal() bool {
	return t == EventFailed || t == EventCancelled || t == EventComplete
}

// Progress carries the bytes received so far.
type Progress struct {
	Completed int64
	Total     int64
	At        time.Time
}

// Reporter publishes transfer events.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// ChanReporter writes events to a channel.
type ChanReporter struct {
	ch chan<- Event
}

func NewChanReporter(ch chan<- Event) *ChanReporter { return &ChanReporter{ch: ch} }

func (r *ChanReporter) Report(e Event) {
	if r == nil {
		return
	}
	r.ch <- e
}

// DelegateFor turns the four Delegate callbacks into Events on rep.
func DelegateFor(rep Reporter) Delegate {
	return reportingDelegate{rep: rep}
}

type reportingDelegate struct {
	rep Reporter
}

func (d reportingDelegate) OnProgress(current, total int64, at time.Time) {
	d.rep.Report(Event{Type: EventProgress, Progress: &Progress{Completed: current, Total: total, At: at}})
}

func (d reportingDelegate) OnFailed(err error) {
	d.rep.Report(Event{Type: EventFailed, Err: err})
}

func (d reportingDelegate) OnCanceled() {
	d.rep.Report(Event{Type: EventCancelled})
}

func (d reportingDelegate) OnCompleted(data []byte) {
	d.rep.Report(Event{Type: EventComplete, Data: data})
}
