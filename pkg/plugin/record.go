package plugin

import (
	"time"

	"github.com/osakka/toolserver/internal/capability"
)

// State is a node in the plugin state machine: UNLOADED -> LOADING ->
// LOADED -> ACTIVE, with ERROR and DISABLED as side states (spec.md §3).
type State string

const (
	StateUnloaded State = "UNLOADED"
	StateLoading  State = "LOADING"
	StateLoaded   State = "LOADED"
	StateActive   State = "ACTIVE"
	StateError    State = "ERROR"
	StateDisabled State = "DISABLED"
)

// InstallOrigin records how a plugin entered the install directory, for
// operational auditing (SPEC_FULL.md §3 expansion; distinct from the lock
// file, which is drift-diagnostic only).
type InstallOrigin struct {
	Kind   string // "url", "file", or "zip"
	Source string
}

// LockMeta mirrors the install.lock.json shape (spec.md §3), kept in memory
// alongside the record; a later load carries InstalledAt over from it.
type LockMeta struct {
	Name                   string    `json:"name"`
	Version                string    `json:"version"`
	DistHash               string    `json:"distHash"`
	FileCountDeclared      int       `json:"fileCountDeclared"`
	TotalBytesDeclared     int64     `json:"totalBytesDeclared"`
	FileCountActual        int       `json:"fileCountActual"`
	TotalBytesActual       int64     `json:"totalBytesActual"`
	Coverage               string    `json:"coverage"`
	InstalledAt            time.Time `json:"installedAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
	SignatureVerified      bool      `json:"signatureVerified"`
	SignerKeyID            string    `json:"signerKeyId,omitempty"`
	DependenciesPolicy     string    `json:"dependenciesPolicy"`
	ExternalDependencies   int       `json:"externalDependenciesCount"`
	SchemaPathOverride     string    `json:"schemaPathOverride,omitempty"`
	StrictCapabilities     bool      `json:"strictCapabilities"`
	RequireSignature       bool      `json:"requireSignature"`
}

// Record is the runtime plugin record, mutated only by the Plugin Manager.
type Record struct {
	ID                   string
	Manifest             Manifest
	Path                 string
	State                State
	Dependencies         []string
	CapabilitiesCaptured *capability.Snapshot
	SignatureVerified    bool
	SignerKeyID          string
	Err                  error
	LockMeta             *LockMeta

	// SourcePath/SourceRoot record where discovery found the manifest
	// (SPEC_FULL.md §3 expansion).
	SourcePath string
	SourceRoot string
	Origin     InstallOrigin
}

// CanTransitionTo reports whether the state machine allows the named
// transition. Any state may move to ERROR; ERROR is terminal until an
// explicit reload or remove re-enters UNLOADED.
func (r *Record) CanTransitionTo(next State) bool {
	switch r.State {
	case StateUnloaded:
		return next == StateLoading || next == StateError
	case StateLoading:
		return next == StateLoaded || next == StateError
	case StateLoaded:
		return next == StateActive || next == StateUnloaded || next == StateError
	case StateActive:
		return next == StateUnloaded || next == StateError
	case StateError:
		return next == StateUnloaded
	case StateDisabled:
		return next == StateLoading || next == StateError
	default:
		return false
	}
}

// Transition moves the record to next, returning false (without mutating
// state) if the transition is not allowed by the state machine.
func (r *Record) Transition(next State) bool {
	if !r.CanTransitionTo(next) {
		return false
	}
	r.State = next
	if next != StateError {
		r.Err = nil
	}
	return true
}
