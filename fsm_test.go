package serviceworker

import (
	"context"
	"errors"
	"testing"

	"github.com/cryguy/serviceworker/internal/core"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from  core.InstallState
		event string
		want  core.InstallState
		err   bool
	}{
		{core.StateInstalling, eventInstalled, core.StateInstalled, false},
		{core.StateInstalling, eventInstallFailed, core.StateRedundant, false},
		{core.StateInstalled, eventActivate, core.StateActivating, false},
		{core.StateActivating, eventActivated, core.StateActivated, false},
		{core.StateActivating, eventActivateFailed, core.StateRedundant, false},
		{core.StateInstalled, eventSupersede, core.StateRedundant, false},
		{core.StateActivated, eventSupersede, core.StateRedundant, false},
		{core.StateActivating, eventUnregister, core.StateRedundant, false},

		{core.StateInstalling, eventActivate, core.StateInstalling, true},
		{core.StateInstalled, eventActivated, core.StateInstalled, true},
		{core.StateActivated, eventInstalled, core.StateActivated, true},
		{core.StateActivating, eventSupersede, core.StateActivating, true},
		{core.StateRedundant, eventUnregister, core.StateRedundant, true},
		{core.StateRedundant, eventActivate, core.StateRedundant, true},
	}
	for _, tt := range tests {
		got, err := transition(context.Background(), tt.from, tt.event)
		if tt.err {
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s --%s--> err = %v, want ErrInvalidTransition", tt.from, tt.event, err)
			}
		} else if err != nil {
			t.Errorf("%s --%s--> unexpected error %v", tt.from, tt.event, err)
		}
		if got != tt.want {
			t.Errorf("%s --%s--> %s, want %s", tt.from, tt.event, got, tt.want)
		}
	}
}
