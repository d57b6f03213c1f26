// Package provisioner ensures the crawler's MongoDB principal, collections and
// indexes exist. Runs are idempotent: existing objects are reported as
// already-exists and are never altered beyond an optional secret refresh.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "crawler-provisioner"

var (
	// ErrBootstrapInProgress is returned when RunBootstrap is called while a
	// bootstrap is already running in this process.
	ErrBootstrapInProgress = errors.New("bootstrap already in progress")

	// ErrLockHeld is returned by a Locker when another process holds the run
	// lock for the same target database.
	ErrLockHeld = errors.New("bootstrap lock held by another process")

	// ErrPrincipalNotFound is returned by Session.PrincipalGrants when the
	// user does not exist.
	ErrPrincipalNotFound = errors.New("principal not found")
)

// Session is one administrative connection, used serially for a whole run
// and closed when the run ends.
type Session interface {
	CreatePrincipal(ctx context.Context, p Principal) Result
	PrincipalGrants(ctx context.Context, name, authDB string) ([]RoleGrant, error)
	UpdatePrincipalSecret(ctx context.Context, name, authDB, secret string) error
	CreateCollection(ctx context.Context, db, name string) Result
	CreateIndex(ctx context.Context, db string, idx IndexDecl) Result
	CollectionNames(ctx context.Context, db string) ([]string, error)
	Indexes(ctx context.Context, db, collection string) ([]IndexInfo, error)
	Close(ctx context.Context) error
}

// Connector opens sessions against the administrative endpoint. It is
// satisfied by *clients.MongoConnector.
type Connector interface {
	Open(ctx context.Context) (Session, error)
	Authenticate(ctx context.Context, p Principal, db string) error
	Probe(ctx context.Context) ProbeResult
}

// Locker serialises runs across processes. It is satisfied by
// *clients.RedisLocker.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
	Probe(ctx context.Context) ProbeResult
}

// Notifier announces finished runs. It is satisfied by *clients.NATSNotifier.
type Notifier interface {
	Announce(ctx context.Context, result *BootstrapResult) error
	Probe(ctx context.Context) ProbeResult
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithStrict makes a failed phase skip the phases after it and turns the
// overall status into StatusError.
func WithStrict(strict bool) Option { return func(p *Provisioner) { p.strict = strict } }

// WithSecretUpdate refreshes the secret of an already existing principal.
func WithSecretUpdate(on bool) Option { return func(p *Provisioner) { p.updateSecret = on } }

// WithLoginCheck adds a final phase that authenticates as the principal.
func WithLoginCheck(on bool) Option { return func(p *Provisioner) { p.verifyLogin = on } }

// WithLocker sets the cross-process run lock.
func WithLocker(l Locker) Option { return func(p *Provisioner) { p.locker = l } }

// WithNotifier sets the completion notifier.
func WithNotifier(n Notifier) Option { return func(p *Provisioner) { p.notifier = n } }

// Provisioner runs bootstrap phases, inspections and health probes.
type Provisioner struct {
	conn     Connector
	plan     Plan
	locker   Locker
	notifier Notifier

	strict       bool
	updateSecret bool
	verifyLogin  bool

	steps metric.Int64Counter

	bootstrapInProgress atomic.Bool
	lastResult          *BootstrapResult
	resultMu            sync.RWMutex
}

// New constructs a Provisioner for plan. Without options the run is
// permissive: every failure is logged and recorded, none is fatal.
func New(conn Connector, plan Plan, opts ...Option) *Provisioner {
	p := &Provisioner{conn: conn, plan: plan}
	for _, opt := range opts {
		opt(p)
	}

	steps, err := otel.Meter(instrumentationName).Int64Counter("provisioner.steps",
		metric.WithDescription("Provisioning steps by kind and outcome"),
	)
	if err != nil {
		slog.Warn("creating step counter failed", "err", err)
		steps = noop.Int64Counter{}
	}
	p.steps = steps

	return p
}

// Plan returns the plan this provisioner applies.
func (p *Provisioner) Plan() Plan { return p.plan }

// RunBootstrap runs the principal and schema phases, and the login phase when
// enabled, strictly in that order on a single session. Phase failures are
// recorded in the result, not returned; the returned error is reserved for
// runs that could not start (in progress here, locked elsewhere, or, in
// strict mode only, a lock store that cannot be reached).
func (p *Provisioner) RunBootstrap(ctx context.Context) (*BootstrapResult, error) {
	if !p.bootstrapInProgress.CompareAndSwap(false, true) {
		return nil, ErrBootstrapInProgress
	}
	defer p.bootstrapInProgress.Store(false)

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "provisioner.bootstrap")
	defer span.End()
	span.SetAttributes(attribute.String("db.name", p.plan.TargetDB))

	if p.locker != nil {
		release, err := p.locker.Acquire(ctx, p.plan.TargetDB)
		switch {
		case err == nil:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					slog.WarnContext(ctx, "releasing run lock failed", "err", err)
				}
			}()
		case errors.Is(err, ErrLockHeld) || p.strict:
			span.SetStatus(codes.Error, "run lock not acquired")
			return nil, fmt.Errorf("acquiring run lock: %w", err)
		default:
			// An unreachable lock store only loses cross-process exclusion.
			slog.WarnContext(ctx, "run lock unavailable, continuing unlocked", "err", err)
		}
	}

	result := &BootstrapResult{
		Status:   StatusInProgress,
		TargetDB: p.plan.TargetDB,
		Phases:   make(map[string]PhaseResult),
	}

	slog.InfoContext(ctx, "bootstrap started",
		"target_db", p.plan.TargetDB, "principal", p.plan.Principal.Name, "strict", p.strict)

	sess, err := p.conn.Open(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "opening admin session failed", "err", err)
		p.recordUnreachable(ctx, result, err)
	} else {
		defer func() {
			if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
				slog.WarnContext(ctx, "closing admin session failed", "err", err)
			}
		}()
		p.runPhases(ctx, sess, result)
	}

	result.Status = p.overallStatus(result)

	span.SetAttributes(attribute.String("bootstrap.status", result.Status))
	switch result.Status {
	case StatusOK:
		span.SetStatus(codes.Ok, "")
		slog.InfoContext(ctx, "bootstrap completed", "status", result.Status)
	default:
		span.SetStatus(codes.Error, "one or more bootstrap phases failed")
		slog.WarnContext(ctx, "bootstrap completed with errors", "status", result.Status)
	}

	p.resultMu.Lock()
	p.lastResult = result
	p.resultMu.Unlock()

	if p.notifier != nil {
		if err := p.notifier.Announce(ctx, result); err != nil {
			slog.WarnContext(ctx, "announcing bootstrap result failed", "err", err)
		}
	}

	return result, nil
}

type phaseRunner struct {
	name string
	run  func(context.Context, Session) PhaseResult
}

func (p *Provisioner) runPhases(ctx context.Context, sess Session, result *BootstrapResult) {
	phases := []phaseRunner{
		{PhasePrincipal, p.runPrincipalPhase},
		{PhaseSchema, p.runSchemaPhase},
	}
	if p.verifyLogin {
		phases = append(phases, phaseRunner{PhaseLogin, p.runLoginPhase})
	}

	failed := false
	for _, ph := range phases {
		var phase PhaseResult
		if p.strict && failed {
			phase = PhaseResult{Name: ph.name, Status: StatusSkipped}
			slog.WarnContext(ctx, "bootstrap phase skipped", "phase", ph.name)
		} else {
			phase = p.tracePhase(ctx, ph.name, sess, ph.run)
			failed = failed || phase.Failed()
		}
		result.Lock()
		result.Phases[ph.name] = phase
		result.Unlock()
	}
}

func (p *Provisioner) tracePhase(ctx context.Context, name string, sess Session, run func(context.Context, Session) PhaseResult) PhaseResult {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "provisioner.phase."+name)
	defer span.End()

	phase := run(ctx, sess)
	phase.Name = name
	phase.Status = StatusOK
	if phase.Failed() {
		phase.Status = StatusError
		span.SetStatus(codes.Error, "phase failed")
	}
	logPhase(ctx, phase)
	return phase
}

// runPrincipalPhase creates the application user. An existing user is
// checked against the declared grants but never re-granted.
func (p *Provisioner) runPrincipalPhase(ctx context.Context, sess Session) PhaseResult {
	var phase PhaseResult
	pr := p.plan.Principal

	res := sess.CreatePrincipal(ctx, pr)
	p.record(ctx, &phase, KindPrincipal, pr.Name, res)
	if res.Outcome != OutcomeAlreadyExists {
		return phase
	}

	have, err := sess.PrincipalGrants(ctx, pr.Name, pr.AuthDB)
	switch {
	case err != nil:
		p.record(ctx, &phase, KindGrants, pr.Name, Failed(fmt.Errorf("reading grants: %w", err)))
	case !SameGrants(have, pr.Grants):
		p.record(ctx, &phase, KindGrants, pr.Name, Failed(fmt.Errorf(
			"grants differ: have %s, want %s", formatGrants(have), formatGrants(pr.Grants))))
	default:
		p.record(ctx, &phase, KindGrants, pr.Name, Result{Outcome: OutcomeVerified})
	}

	if p.updateSecret {
		if err := sess.UpdatePrincipalSecret(ctx, pr.Name, pr.AuthDB, pr.Secret); err != nil {
			p.record(ctx, &phase, KindSecret, pr.Name, Failed(err))
		} else {
			p.record(ctx, &phase, KindSecret, pr.Name, Result{Outcome: OutcomeUpdated})
		}
	}
	return phase
}

// runSchemaPhase creates every collection and then every index. Each step is
// attempted regardless of earlier failures.
func (p *Provisioner) runSchemaPhase(ctx context.Context, sess Session) PhaseResult {
	var phase PhaseResult
	for _, name := range p.plan.Collections {
		p.record(ctx, &phase, KindCollection, name, sess.CreateCollection(ctx, p.plan.TargetDB, name))
	}
	for _, idx := range p.plan.Indexes {
		p.record(ctx, &phase, KindIndex, idx.String(), sess.CreateIndex(ctx, p.plan.TargetDB, idx))
	}
	return phase
}

func (p *Provisioner) runLoginPhase(ctx context.Context, _ Session) PhaseResult {
	var phase PhaseResult
	res := Result{Outcome: OutcomeVerified}
	if err := p.conn.Authenticate(ctx, p.plan.Principal, p.plan.TargetDB); err != nil {
		res = Failed(err)
	}
	p.record(ctx, &phase, KindLogin, p.plan.Principal.Name, res)
	return phase
}

// recordUnreachable fills every phase with the connection error so the
// result still names each phase.
func (p *Provisioner) recordUnreachable(ctx context.Context, result *BootstrapResult, err error) {
	names := []string{PhasePrincipal, PhaseSchema}
	if p.verifyLogin {
		names = append(names, PhaseLogin)
	}
	for i, name := range names {
		phase := PhaseResult{Name: name, Status: StatusError}
		if p.strict && i > 0 {
			phase.Status = StatusSkipped
		} else {
			p.record(ctx, &phase, KindSession, p.plan.TargetDB, Failed(err))
		}
		result.Lock()
		result.Phases[name] = phase
		result.Unlock()
	}
}

func (p *Provisioner) overallStatus(result *BootstrapResult) string {
	result.Lock()
	defer result.Unlock()
	for _, phase := range result.Phases {
		if phase.Status == StatusError {
			if p.strict {
				return StatusError
			}
			return StatusWarning
		}
	}
	return StatusOK
}

// record appends a step to phase, logs it and counts it.
func (p *Provisioner) record(ctx context.Context, phase *PhaseResult, kind, target string, res Result) {
	step := StepResult{Kind: kind, Target: target, Outcome: res.Outcome}
	if res.Err != nil {
		step.Error = res.Err.Error()
	}
	phase.Steps = append(phase.Steps, step)

	p.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", string(res.Outcome)),
	))

	switch {
	case res.Outcome != OutcomeFailed:
		slog.InfoContext(ctx, kind+" "+string(res.Outcome), "target", target)
	case kind == KindPrincipal:
		slog.ErrorContext(ctx, "creating principal failed", "target", target, "error", step.Error)
	default:
		slog.WarnContext(ctx, kind+" step failed", "target", target, "error", step.Error)
	}
}

// RunDeepHealth probes Mongo and, when configured, the lock store and the
// notifier concurrently.
func (p *Provisioner) RunDeepHealth(ctx context.Context) map[string]ProbeResult {
	results := make(map[string]ProbeResult, 3)
	var mu sync.Mutex
	var g errgroup.Group

	probe := func(name string, fn func(context.Context) ProbeResult) {
		g.Go(func() error {
			r := fn(ctx)
			mu.Lock()
			results[name] = r
			mu.Unlock()
			return nil
		})
	}

	probe("mongo", p.conn.Probe)
	if p.locker != nil {
		probe("redis", p.locker.Probe)
	}
	if p.notifier != nil {
		probe("nats", p.notifier.Probe)
	}

	_ = g.Wait()
	return results
}

// IsBootstrapInProgress returns true while a bootstrap run is active.
func (p *Provisioner) IsBootstrapInProgress() bool {
	return p.bootstrapInProgress.Load()
}

// IsReady returns true if the last bootstrap completed with StatusOK.
func (p *Provisioner) IsReady() bool {
	p.resultMu.RLock()
	defer p.resultMu.RUnlock()
	return p.lastResult != nil && p.lastResult.Status == StatusOK
}

// LastResult returns the result of the most recent run, or nil.
func (p *Provisioner) LastResult() *BootstrapResult {
	p.resultMu.RLock()
	defer p.resultMu.RUnlock()
	return p.lastResult
}

// logPhase emits a trace-correlated summary line for a phase.
func logPhase(ctx context.Context, ph PhaseResult) {
	if ph.Status == StatusOK {
		slog.InfoContext(ctx, "bootstrap phase ok", "phase", ph.Name, "steps", len(ph.Steps))
		return
	}
	slog.WarnContext(ctx, "bootstrap phase failed", "phase", ph.Name)
}
