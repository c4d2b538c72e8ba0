package session

type State string

const (
	StateCreated       State = "CREATED"
	StateInitializing  State = "INITIALIZING"
	StatePairing       State = "PAIRING"
	StateAuthenticated State = "AUTHENTICATED"
	StateLoading       State = "LOADING"
	StateReady         State = "READY"
	StateDisconnected  State = "DISCONNECTED"
	StateAuthFailed    State = "AUTH_FAILED"
	StateTimedOut      State = "TIMED_OUT"
	StateDestroyed     State = "DESTROYED"
)

func (s State) Terminal() bool {
	switch s {
	case StateDisconnected, StateAuthFailed, StateTimedOut, StateDestroyed:
		return true
	}
	return false
}

// preReady covers the states guarded by the readiness watchdog.
func (s State) preReady() bool {
	switch s {
	case StateInitializing, StatePairing, StateAuthenticated, StateLoading:
		return true
	}
	return false
}

type triggerKind int

const (
	trigInitialize triggerKind = iota
	trigPairingCode
	trigAuthenticated
	trigLoading
	trigReady
	trigAuthFailed
	trigDisconnected
	trigWatchdog
	trigTeardown
	trigInitFailed
	trigShutdown
)

func (k triggerKind) String() string {
	switch k {
	case trigInitialize:
		return "initialize"
	case trigPairingCode:
		return "pairing-code"
	case trigAuthenticated:
		return "authenticated"
	case trigLoading:
		return "loading"
	case trigReady:
		return "ready"
	case trigAuthFailed:
		return "auth-failed"
	case trigDisconnected:
		return "disconnected"
	case trigWatchdog:
		return "watchdog"
	case trigTeardown:
		return "teardown"
	case trigInitFailed:
		return "initialize-failed"
	case trigShutdown:
		return "shutdown"
	}
	return "unknown"
}

// next is the transition table. ok is false when the trigger is not accepted in from.
func next(from State, k triggerKind) (State, bool) {
	if from.Terminal() {
		return from, false
	}
	switch k {
	case trigInitialize:
		if from == StateCreated {
			return StateInitializing, true
		}
	case trigPairingCode:
		if from == StateInitializing || from == StatePairing {
			return StatePairing, true
		}
	case trigAuthenticated:
		if from == StateInitializing || from == StatePairing {
			return StateAuthenticated, true
		}
	case trigLoading:
		if from == StateAuthenticated || from == StateLoading {
			return StateLoading, true
		}
	case trigReady:
		if from == StateAuthenticated || from == StateLoading {
			return StateReady, true
		}
	case trigAuthFailed:
		return StateAuthFailed, true
	case trigDisconnected:
		return StateDisconnected, true
	case trigWatchdog:
		if from.preReady() {
			return StateTimedOut, true
		}
	case trigTeardown:
		if from == StateReady {
			return StateDestroyed, true
		}
	case trigInitFailed, trigShutdown:
		return StateDestroyed, true
	}
	return from, false
}
