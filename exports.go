package serviceworker

import "github.com/cryguy/serviceworker/internal/core"

// Re-exports so callers do not import internal packages.

type Config = core.Config
type FetchConfig = core.FetchConfig
type JSHostConfig = core.JSHostConfig
type LogConfig = core.LogConfig
type InstallState = core.InstallState
type Slot = core.Slot
type EventType = core.EventType
type ExtendableEvent = core.ExtendableEvent
type EventDispatcher = core.EventDispatcher
type WorkerScript = core.WorkerScript

const (
	StateInstalling = core.StateInstalling
	StateInstalled  = core.StateInstalled
	StateActivating = core.StateActivating
	StateActivated  = core.StateActivated
	StateRedundant  = core.StateRedundant

	SlotInstalling = core.SlotInstalling
	SlotWaiting    = core.SlotWaiting
	SlotActive     = core.SlotActive
	SlotRedundant  = core.SlotRedundant

	EventInstall  = core.EventInstall
	EventActivate = core.EventActivate
)

var (
	DefaultConfig      = core.DefaultConfig
	LoadConfig         = core.LoadConfig
	ParseConfig        = core.ParseConfig
	NewExtendableEvent = core.NewExtendableEvent
)
