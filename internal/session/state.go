package session

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLobby
	StateTransitioning
	StateConnecting
	StateRunning
	StateExiting
)

// stateStrings maps State values to their lowercase JSON string representation.
var stateStrings = map[State]string{
	StateIdle:          "idle",
	StateLobby:         "lobby",
	StateTransitioning: "transitioning",
	StateConnecting:    "connecting",
	StateRunning:       "running",
	StateExiting:       "exiting",
}

// String returns the string representation of State.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "idle"
}

// MarshalJSON serializes State as a JSON string (e.g. "lobby").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event is a notification for the UI, drained with Machine.PollEvent.
type Event int

const (
	EventNone Event = iota
	EventSynchronizing
	EventConnected
	EventDisconnected
)

var eventStrings = map[Event]string{
	EventNone:          "none",
	EventSynchronizing: "synchronizing",
	EventConnected:     "connected",
	EventDisconnected:  "disconnected",
}

// String returns the string representation of Event.
func (e Event) String() string {
	if str, ok := eventStrings[e]; ok {
		return str
	}
	return "none"
}

// MarshalJSON serializes Event as a JSON string.
func (e Event) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.String() + `"`), nil
}

// maxQueuedEvents bounds the event queue; the oldest event is dropped when full.
const maxQueuedEvents = 64

// eventQueue is a single-consumer FIFO.
type eventQueue struct {
	items []Event
}

func (q *eventQueue) push(e Event) {
	if len(q.items) >= maxQueuedEvents {
		q.items = q.items[1:]
	}
	q.items = append(q.items, e)
}

func (q *eventQueue) pop() Event {
	if len(q.items) == 0 {
		return EventNone
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e
}

// Path is the discovery route a session was established through.
type Path int

const (
	PathNone Path = iota
	PathLAN
	PathInternet
)

var pathStrings = map[Path]string{
	PathNone:     "none",
	PathLAN:      "lan",
	PathInternet: "internet",
}

// String returns the string representation of Path.
func (p Path) String() string {
	if str, ok := pathStrings[p]; ok {
		return str
	}
	return "none"
}

// MarshalJSON serializes Path as a JSON string.
func (p Path) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}
