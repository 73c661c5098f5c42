package workerdev

import "sync"

// BuildEventKind identifies what a watch source observed.
type BuildEventKind int

const (
	// BuildSucceeded carries a freshly built bundle (ID not yet assigned).
	BuildSucceeded BuildEventKind = iota
	// BuildFailed carries a RebuildError.
	BuildFailed
	// EntryChanged is a pass-through change of the entry file.
	EntryChanged
	// CustomBuildFinished reports one run of the custom build command.
	CustomBuildFinished
)

func (k BuildEventKind) String() string {
	switch k {
	case BuildSucceeded:
		return "build-succeeded"
	case BuildFailed:
		return "build-failed"
	case EntryChanged:
		return "entry-changed"
	case CustomBuildFinished:
		return "custom-build-finished"
	}
	return "unknown"
}

// BuildEvent is published by the watch sources into the session queue.
type BuildEvent struct {
	Kind   BuildEventKind
	Bundle Bundle
	Err    error
	Path   string
}

// eventQueue is the single-consumer queue both watch sources publish into.
// Publishing after close is dropped instead of blocking.
type eventQueue struct {
	ch        chan BuildEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newEventQueue(size int) *eventQueue {
	return &eventQueue{
		ch:   make(chan BuildEvent, size),
		done: make(chan struct{}),
	}
}

func (q *eventQueue) publish(ev BuildEvent) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.ch <- ev:
		return true
	case <-q.done:
		return false
	}
}

func (q *eventQueue) events() <-chan BuildEvent { return q.ch }

func (q *eventQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
}
