package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	auto := Machine{SkipWaitingOnInstall: true}
	manual := Machine{}

	tests := []struct {
		name    string
		machine Machine
		from    Status
		event   Event
		to      Status
		effects []Effect
	}{
		{
			name: "install with skip waiting", machine: auto,
			from: Status{Phase: Parsed}, event: EventInstall,
			to:      Status{Phase: Installing},
			effects: []Effect{EffectOpenCache, EffectPrecache, EffectPrefetchOptional, EffectSkipWaiting},
		},
		{
			name: "install without skip waiting", machine: manual,
			from: Status{Phase: Parsed}, event: EventInstall,
			to:      Status{Phase: Installing},
			effects: []Effect{EffectOpenCache, EffectPrecache, EffectPrefetchOptional},
		},
		{
			name: "resume", machine: manual,
			from: Status{Phase: Parsed}, event: EventResume,
			to: Status{Phase: Active}, effects: []Effect{EffectOpenCache, EffectClaimClients},
		},
		{
			name: "skip waiting during install sets flag", machine: auto,
			from: Status{Phase: Installing}, event: EventSkipWaiting,
			to: Status{Phase: Installing, SkipWaiting: true},
		},
		{
			name: "installed with flag activates", machine: auto,
			from: Status{Phase: Installing, SkipWaiting: true}, event: EventInstalled,
			to:      Status{Phase: Activating, SkipWaiting: true},
			effects: []Effect{EffectPruneGenerations, EffectClaimClients, EffectFinishActivation},
		},
		{
			name: "installed without flag waits", machine: manual,
			from: Status{Phase: Installing}, event: EventInstalled,
			to: Status{Phase: Waiting},
		},
		{
			name: "install failed", machine: manual,
			from: Status{Phase: Installing}, event: EventInstallFailed,
			to: Status{Phase: Redundant},
		},
		{
			name: "skip waiting while waiting", machine: manual,
			from: Status{Phase: Waiting}, event: EventSkipWaiting,
			to:      Status{Phase: Activating, SkipWaiting: true},
			effects: []Effect{EffectPruneGenerations, EffectClaimClients, EffectFinishActivation},
		},
		{
			name: "skip waiting while active is a no-op", machine: manual,
			from: Status{Phase: Active}, event: EventSkipWaiting,
			to: Status{Phase: Active},
		},
		{
			name: "activated", machine: manual,
			from: Status{Phase: Activating, SkipWaiting: true}, event: EventActivated,
			to: Status{Phase: Active, SkipWaiting: true},
		},
		{
			name: "fetch while active routes", machine: manual,
			from: Status{Phase: Active}, event: EventFetch,
			to: Status{Phase: Active}, effects: []Effect{EffectRoute},
		},
		{
			name: "fetch while waiting passes through", machine: manual,
			from: Status{Phase: Waiting}, event: EventFetch,
			to: Status{Phase: Waiting}, effects: []Effect{EffectPassthrough},
		},
		{
			name: "sync while active refreshes", machine: manual,
			from: Status{Phase: Active}, event: EventSync,
			to: Status{Phase: Active}, effects: []Effect{EffectRefreshMetadata},
		},
		{
			name: "sync while redundant is ignored", machine: manual,
			from: Status{Phase: Redundant}, event: EventSync,
			to: Status{Phase: Redundant},
		},
		{
			name: "retire", machine: manual,
			from: Status{Phase: Active}, event: EventRetire,
			to: Status{Phase: Redundant},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to, effects, err := tt.machine.Transition(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.effects, effects)
		})
	}
}

func TestTransitionInvalid(t *testing.T) {
	m := Machine{}
	tests := []struct {
		from  Phase
		event Event
	}{
		{Active, EventInstall},
		{Waiting, EventResume},
		{Parsed, EventInstalled},
		{Active, EventInstallFailed},
		{Waiting, EventActivated},
	}
	for _, tt := range tests {
		t.Run(tt.event.String()+"/"+tt.from.String(), func(t *testing.T) {
			from := Status{Phase: tt.from}
			to, effects, err := m.Transition(from, tt.event)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, from, to)
			assert.Nil(t, effects)
		})
	}
}
