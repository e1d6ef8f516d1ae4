package installer

import (
	"errors"
	"fmt"
	"time"

	"github.com/APTlantis/Epic-Installer/internal/differ"
	"github.com/APTlantis/Epic-Installer/internal/manifest"
	"github.com/APTlantis/Epic-Installer/internal/progress"
)

// State is the phase a session is in.
type State int

const (
	StateOptions State = iota
	StateInitializing
	StateInstalling
	StatePaused
	StateFinishing
	StateFinished
	StateCancelling
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateOptions:      "options",
	StateInitializing: "initializing",
	StateInstalling:   "installing",
	StatePaused:       "paused",
	StateFinishing:    "finishing",
	StateFinished:     "finished",
	StateCancelling:   "cancelling",
	StateCancelled:    "cancelled",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether a session in s has stopped for good.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCancelled || s == StateFailed
}

// ChunkPhase is where one chunk is in the install pipeline. It exists for
// visualization only.
type ChunkPhase int

const (
	PhaseScheduled ChunkPhase = iota
	PhaseInitializing
	PhaseDownloading
	PhaseWriting
	PhaseCompleted
	PhaseFailed
)

func (p ChunkPhase) String() string {
	switch p {
	case PhaseScheduled:
		return "scheduled"
	case PhaseInitializing:
		return "initializing"
	case PhaseDownloading:
		return "downloading"
	case PhaseWriting:
		return "writing"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Stats is a progress sample tagged with the session state.
type Stats struct {
	State State
	progress.Snapshot
}

// Listener receives session notifications. Calls come from session
// goroutines and must not block for long.
type Listener interface {
	OnStateUpdate(State)
	OnStatsUpdate(Stats)
	OnChunkUpdate(manifest.Guid, ChunkPhase)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	State func(State)
	Stats func(Stats)
	Chunk func(manifest.Guid, ChunkPhase)
}

func (l ListenerFuncs) OnStateUpdate(s State) {
	if l.State != nil {
		l.State(s)
	}
}

func (l ListenerFuncs) OnStatsUpdate(s Stats) {
	if l.Stats != nil {
		l.Stats(s)
	}
}

func (l ListenerFuncs) OnChunkUpdate(g manifest.Guid, p ChunkPhase) {
	if l.Chunk != nil {
		l.Chunk(g, p)
	}
}

// Options are the user's choices for an install.
type Options struct {
	ArchivePath     string
	AutoUpdate      bool
	SelectedContent []string
}

// SessionData is the state-specific payload of a session. Exactly one
// variant is live at a time.
type SessionData interface {
	sessionData()
}

// OptionsData is live in StateOptions.
type OptionsData struct {
	Options Options
}

// InitializingData is live in StateInitializing.
type InitializingData struct {
	Options Options
}

// InstallingData is live from StateInstalling through StateFinished. The
// manifest fields stay nil until the manifest has been fetched.
type InstallingData struct {
	Options     Options
	Manifest    *manifest.Manifest
	CloudDir    string
	Diff        differ.Result
	PiecesTotal uint64
	BytesTotal  uint64
	Resumed     bool
}

// CancelledData is live in StateCancelling, StateCancelled and StateFailed.
type CancelledData struct {
	PiecesComplete uint64
	Elapsed        time.Duration
	Err            error
}

func (OptionsData) sessionData()      {}
func (InitializingData) sessionData() {}
func (InstallingData) sessionData()   {}
func (CancelledData) sessionData()    {}

var (
	// ErrWrongState is matched by every *StateError.
	ErrWrongState = errors.New("installer: operation not valid in current state")
	// ErrCorrupt marks archive contents that contradict the manifest.
	ErrCorrupt = errors.New("installer: archive inconsistent with manifest")
)

// StateError reports an operation attempted in a state that does not allow
// it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("installer: %s not valid in state %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrWrongState }

// IncompleteError ends a session in which some chunks could not be fetched.
// Everything else was written and a later session only fetches the rest.
type IncompleteError struct {
	Failed int
	Total  int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("installer: %d of %d chunks could not be installed", e.Failed, e.Total)
}
