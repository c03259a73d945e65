package chartsync

import "time"

// LiveState is the live channel connection state.
type LiveState string

const (
	LiveDisconnected           LiveState = "disconnected"
	LiveConnecting             LiveState = "connecting"
	LiveConnected              LiveState = "connected"
	LivePermanentlyUnavailable LiveState = "permanently-unavailable"
)

type fsmEvent int

const (
	evConnect fsmEvent = iota
	evOpen
	evFail
	evCleanClose
	evAbnormalClose
	evRetry
	evDisconnect
)

func (e fsmEvent) String() string {
	switch e {
	case evConnect:
		return "connect"
	case evOpen:
		return "open"
	case evFail:
		return "fail"
	case evCleanClose:
		return "clean-close"
	case evAbnormalClose:
		return "abnormal-close"
	case evRetry:
		return "retry"
	case evDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// fsmAction tells the channel what side effect a transition requires.
type fsmAction struct {
	dial           bool
	scheduleRetry  bool
	retryDelay     time.Duration
	startHeartbeat bool
}

// channelFSM holds the live channel state machine. It performs no I/O; the
// channel feeds it socket lifecycle events and executes the returned action.
type channelFSM struct {
	state        LiveState
	attempts     int
	maxAttempts  int
	baseDelay    time.Duration
	connected    bool // opened at least once since the last explicit connect
	retryPending bool
}

func newChannelFSM(maxAttempts int, baseDelay time.Duration) channelFSM {
	return channelFSM{
		state:       LiveDisconnected,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

func (f *channelFSM) apply(ev fsmEvent) fsmAction {
	switch ev {
	case evConnect:
		if f.state == LiveConnecting || f.state == LiveConnected {
			return fsmAction{}
		}
		f.state = LiveConnecting
		f.attempts = 0
		f.connected = false
		f.retryPending = false
		return fsmAction{dial: true}

	case evOpen:
		if f.state != LiveConnecting {
			return fsmAction{}
		}
		f.state = LiveConnected
		f.attempts = 0
		f.connected = true
		f.retryPending = false
		return fsmAction{startHeartbeat: true}

	case evFail:
		if f.state != LiveConnecting {
			return fsmAction{}
		}
		// A failed first attempt means the server does not offer the channel.
		if !f.connected {
			f.state = LivePermanentlyUnavailable
			f.retryPending = false
			return fsmAction{}
		}
		return f.backoff(LiveConnecting)

	case evCleanClose:
		if f.state != LiveConnected {
			return fsmAction{}
		}
		return f.backoff(LiveDisconnected)

	case evAbnormalClose:
		if f.state != LiveConnected {
			return fsmAction{}
		}
		return f.backoff(LiveConnecting)

	case evRetry:
		if !f.retryPending {
			return fsmAction{}
		}
		f.retryPending = false
		f.state = LiveConnecting
		return fsmAction{dial: true}

	case evDisconnect:
		f.retryPending = false
		f.attempts = 0
		if f.state != LivePermanentlyUnavailable {
			f.state = LiveDisconnected
		}
		return fsmAction{}
	}
	return fsmAction{}
}

// backoff consumes one retry from the budget. The delay grows linearly with
// the attempt count; an exhausted budget is terminal.
func (f *channelFSM) backoff(next LiveState) fsmAction {
	f.attempts++
	if f.attempts > f.maxAttempts {
		f.state = LivePermanentlyUnavailable
		f.retryPending = false
		return fsmAction{}
	}
	f.state = next
	f.retryPending = true
	return fsmAction{scheduleRetry: true, retryDelay: time.Duration(f.attempts) * f.baseDelay}
}
