package session

// State is the exchange state of a Manager. Only one exchange per Manager can
// be outside Idle at a time.
type State int

const (
	Idle State = iota
	AwaitingResponse
	Streaming
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingResponse:
		return "awaiting_response"
	case Streaming:
		return "streaming"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventFragment
	EventCompleted
	EventRateLimited
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventFragment:
		return "fragment"
	case EventCompleted:
		return "completed"
	case EventRateLimited:
		return "rate_limited"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is what a presentation layer renders. Text holds the whole response
// accumulated so far, not the latest fragment.
type Event struct {
	Kind           EventKind
	ConversationID string
	State          State
	Text           string
	// Partial is set on EventFailed when streamed text was kept.
	Partial bool
	Err     error
}

// Listener receives events on the goroutine running the exchange, in order,
// never while the Manager's lock is held.
type Listener func(Event)
