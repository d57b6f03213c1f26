package provisioner

import "sync"

// Status values used across BootstrapResult and PhaseResult.
const (
	StatusOK         = "ok"
	StatusWarning    = "warning"
	StatusError      = "error"
	StatusInProgress = "in-progress"
	StatusSkipped    = "skipped"
)

// Phase names, in execution order.
const (
	PhasePrincipal = "principal"
	PhaseSchema    = "schema"
	PhaseLogin     = "login"
)

// Step kinds recorded in PhaseResult.Steps.
const (
	KindPrincipal  = "principal"
	KindGrants     = "grants"
	KindSecret     = "secret"
	KindCollection = "collection"
	KindIndex      = "index"
	KindLogin      = "login"
	KindSession    = "session"
)

// Outcome classifies a single provisioning call.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already-exists"
	OutcomeUpdated       Outcome = "updated"
	OutcomeVerified      Outcome = "verified"
	OutcomeFailed        Outcome = "failed"
)

// Result is what a Session returns for a create call. Err is set only when
// Outcome is OutcomeFailed.
type Result struct {
	Outcome Outcome
	Err     error
}

// Created is a successful creation result.
func Created() Result { return Result{Outcome: OutcomeCreated} }

// AlreadyExists is the benign duplicate result.
func AlreadyExists() Result { return Result{Outcome: OutcomeAlreadyExists} }

// Failed wraps an unexpected error.
func Failed(err error) Result { return Result{Outcome: OutcomeFailed, Err: err} }

// BootstrapResult is the aggregate result of a full bootstrap run.
// The embedded mutex guards Phases and Status while a run is writing them.
type BootstrapResult struct {
	sync.Mutex
	Status   string                 `json:"status"` // "ok", "warning", "error", "in-progress"
	TargetDB string                 `json:"targetDb"`
	Phases   map[string]PhaseResult `json:"phases"`
}

// PhaseResult represents the outcome of a single bootstrap phase.
type PhaseResult struct {
	Name   string       `json:"name"`
	Status string       `json:"status"` // "ok", "error", "skipped"
	Steps  []StepResult `json:"steps,omitempty"`
}

// StepResult records one create/verify call inside a phase.
type StepResult struct {
	Kind    string  `json:"kind"`
	Target  string  `json:"target"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Failed reports whether any step in the phase failed.
func (p PhaseResult) Failed() bool {
	for _, s := range p.Steps {
		if s.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// ProbeResult is returned by RunDeepHealth for each dependency.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}
