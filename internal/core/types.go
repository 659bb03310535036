package core

import "fmt"

// InstallState is the persisted lifecycle state of a worker record.
// The integer values are stored in the workers table and must not change.
type InstallState int

const (
	StateInstalling InstallState = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

var installStateNames = [...]string{"installing", "installed", "activating", "activated", "redundant"}

func (s InstallState) String() string {
	if s < 0 || int(s) >= len(installStateNames) {
		return fmt.Sprintf("InstallState(%d)", int(s))
	}
	return installStateNames[s]
}

// Valid reports whether s is one of the defined states.
func (s InstallState) Valid() bool {
	return s >= StateInstalling && s <= StateRedundant
}

// ParseInstallState maps a state name back to its value.
func ParseInstallState(name string) (InstallState, error) {
	for i, n := range installStateNames {
		if n == name {
			return InstallState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown install state %q", name)
}

// Slot returns the registration slot a worker in state s occupies.
func (s InstallState) Slot() Slot {
	switch s {
	case StateInstalling:
		return SlotInstalling
	case StateInstalled:
		return SlotWaiting
	case StateActivating, StateActivated:
		return SlotActive
	default:
		return SlotRedundant
	}
}

// Slot is one of the four worker positions within a registration.
type Slot int

const (
	SlotInstalling Slot = iota
	SlotWaiting
	SlotActive
	SlotRedundant
)

// Slots lists every slot in notification order.
var Slots = []Slot{SlotInstalling, SlotWaiting, SlotActive, SlotRedundant}

var slotNames = [...]string{"installing", "waiting", "active", "redundant"}

func (s Slot) String() string {
	if s < 0 || int(s) >= len(slotNames) {
		return fmt.Sprintf("Slot(%d)", int(s))
	}
	return slotNames[s]
}
