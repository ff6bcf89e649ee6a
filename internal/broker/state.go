package broker

import "fmt"

// State is the lifecycle state of a Connection.
type State int

const (
	Disconnected State = iota
	Connecting
	ChannelOpening
	Subscribing
	Consuming
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case ChannelOpening:
		return "channel_opening"
	case Subscribing:
		return "subscribing"
	case Consuming:
		return "consuming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type event int

const (
	evDial event = iota
	evConnected
	evChannelReady
	evSubscribed
	evFailure
	evCloseRequested
	evClosed
)

func (e event) String() string {
	switch e {
	case evDial:
		return "dial"
	case evConnected:
		return "connected"
	case evChannelReady:
		return "channel_ready"
	case evSubscribed:
		return "subscribed"
	case evFailure:
		return "failure"
	case evCloseRequested:
		return "close_requested"
	case evClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// nextState returns the state reached from s on ev. Any pair not in the
// transition table is an error and s must be kept.
func nextState(s State, ev event) (State, error) {
	switch ev {
	case evDial:
		if s == Disconnected {
			return Connecting, nil
		}
	case evConnected:
		if s == Connecting {
			return ChannelOpening, nil
		}
	case evChannelReady:
		if s == ChannelOpening {
			return Subscribing, nil
		}
	case evSubscribed:
		if s == Subscribing {
			return Consuming, nil
		}
	case evFailure:
		switch s {
		case Connecting, ChannelOpening, Subscribing, Consuming:
			return Disconnected, nil
		case Closing:
			return Closed, nil
		}
	case evCloseRequested:
		if s != Closing && s != Closed {
			return Closing, nil
		}
	case evClosed:
		if s == Closing {
			return Closed, nil
		}
	}
	return s, fmt.Errorf("invalid transition %s on %s", s, ev)
}
