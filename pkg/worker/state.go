package worker

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an event is not valid in the current phase.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Phase is a lifecycle phase of one worker version.
type Phase int

const (
	Parsed Phase = iota
	Installing
	Waiting
	Activating
	Active
	Redundant
)

func (p Phase) String() string {
	switch p {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Status is the full lifecycle state: the phase plus whether skip-waiting has
// been requested.
type Status struct {
	Phase       Phase
	SkipWaiting bool
}

// Event drives a lifecycle transition.
type Event int

const (
	EventInstall Event = iota + 1
	EventResume
	EventInstalled
	EventInstallFailed
	EventSkipWaiting
	EventActivated
	EventFetch
	EventSync
	EventRetire
)

func (e Event) String() string {
	switch e {
	case EventInstall:
		return "install"
	case EventResume:
		return "resume"
	case EventInstalled:
		return "installed"
	case EventInstallFailed:
		return "install-failed"
	case EventSkipWaiting:
		return "skip-waiting"
	case EventActivated:
		return "activated"
	case EventFetch:
		return "fetch"
	case EventSync:
		return "sync"
	case EventRetire:
		return "retire"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Effect is a side effect the manager performs after a transition.
type Effect int

const (
	EffectOpenCache Effect = iota + 1
	EffectPrecache
	EffectPrefetchOptional
	EffectSkipWaiting
	EffectPruneGenerations
	EffectClaimClients
	EffectFinishActivation
	EffectRoute
	EffectPassthrough
	EffectRefreshMetadata
)

func (e Effect) String() string {
	switch e {
	case EffectOpenCache:
		return "open-cache"
	case EffectPrecache:
		return "precache"
	case EffectPrefetchOptional:
		return "prefetch-optional"
	case EffectSkipWaiting:
		return "skip-waiting"
	case EffectPruneGenerations:
		return "prune-generations"
	case EffectClaimClients:
		return "claim-clients"
	case EffectFinishActivation:
		return "finish-activation"
	case EffectRoute:
		return "route"
	case EffectPassthrough:
		return "passthrough"
	case EffectRefreshMetadata:
		return "refresh-metadata"
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

var activationEffects = []Effect{EffectPruneGenerations, EffectClaimClients, EffectFinishActivation}

// Machine is the lifecycle transition function. It holds no state; the only
// input besides (Status, Event) is whether install asks to skip waiting.
type Machine struct {
	SkipWaitingOnInstall bool
}

// Transition returns the next status and the effects to perform.
func (m Machine) Transition(s Status, e Event) (Status, []Effect, error) {
	switch e {
	case EventInstall:
		if s.Phase != Parsed {
			break
		}
		effects := []Effect{EffectOpenCache, EffectPrecache, EffectPrefetchOptional}
		if m.SkipWaitingOnInstall {
			effects = append(effects, EffectSkipWaiting)
		}
		return Status{Phase: Installing, SkipWaiting: s.SkipWaiting}, effects, nil

	case EventResume:
		if s.Phase != Parsed {
			break
		}
		return Status{Phase: Active}, []Effect{EffectOpenCache, EffectClaimClients}, nil

	case EventInstalled:
		if s.Phase != Installing {
			break
		}
		if s.SkipWaiting {
			return Status{Phase: Activating, SkipWaiting: true}, activationEffects, nil
		}
		return Status{Phase: Waiting}, nil, nil

	case EventInstallFailed:
		if s.Phase != Installing {
			break
		}
		return Status{Phase: Redundant}, nil, nil

	case EventSkipWaiting:
		switch s.Phase {
		case Parsed, Installing:
			return Status{Phase: s.Phase, SkipWaiting: true}, nil, nil
		case Waiting:
			return Status{Phase: Activating, SkipWaiting: true}, activationEffects, nil
		default:
			return s, nil, nil
		}

	case EventActivated:
		if s.Phase != Activating {
			break
		}
		return Status{Phase: Active, SkipWaiting: s.SkipWaiting}, nil, nil

	case EventFetch:
		if s.Phase == Active {
			return s, []Effect{EffectRoute}, nil
		}
		return s, []Effect{EffectPassthrough}, nil

	case EventSync:
		if s.Phase == Active {
			return s, []Effect{EffectRefreshMetadata}, nil
		}
		return s, nil, nil

	case EventRetire:
		return Status{Phase: Redundant}, nil, nil
	}
	return s, nil, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, e, s.Phase)
}
