package provisioner

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// --- in-memory server ---

type fakeUser struct {
	secret string
	authDB string
	grants []RoleGrant
}

// fakeServer keeps users, collections and indexes across sessions so that
// repeated runs observe the state left by earlier ones.
type fakeServer struct {
	mu      sync.Mutex
	users   map[string]fakeUser
	colls   map[string][]string
	indexes map[string][]IndexInfo // keyed by "db.collection"

	principalErr  error
	grantsErr     error
	secretErr     error
	collectionErr map[string]error
	indexErr      map[string]error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		users:         map[string]fakeUser{},
		colls:         map[string][]string{},
		indexes:       map[string][]IndexInfo{},
		collectionErr: map[string]error{},
		indexErr:      map[string]error{},
	}
}

func (s *fakeServer) ensureCollection(db, name string) bool {
	if slices.Contains(s.colls[db], name) {
		return false
	}
	s.colls[db] = append(s.colls[db], name)
	s.indexes[db+"."+name] = []IndexInfo{{Name: "_id_", Keys: []IndexKey{{Field: "_id", Value: Ascending}}}}
	return true
}

type fakeSession struct {
	srv    *fakeServer
	closed bool
}

func (f *fakeSession) CreatePrincipal(_ context.Context, p Principal) Result {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	if f.srv.principalErr != nil {
		return Failed(f.srv.principalErr)
	}
	if _, ok := f.srv.users[p.Name]; ok {
		return AlreadyExists()
	}
	f.srv.users[p.Name] = fakeUser{secret: p.Secret, authDB: p.AuthDB, grants: slices.Clone(p.Grants)}
	return Created()
}

func (f *fakeSession) PrincipalGrants(_ context.Context, name, _ string) ([]RoleGrant, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	if f.srv.grantsErr != nil {
		return nil, f.srv.grantsErr
	}
	u, ok := f.srv.users[name]
	if !ok {
		return nil, ErrPrincipalNotFound
	}
	return slices.Clone(u.grants), nil
}

func (f *fakeSession) UpdatePrincipalSecret(_ context.Context, name, _, secret string) error {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	if f.srv.secretErr != nil {
		return f.srv.secretErr
	}
	u, ok := f.srv.users[name]
	if !ok {
		return ErrPrincipalNotFound
	}
	u.secret = secret
	f.srv.users[name] = u
	return nil
}

func (f *fakeSession) CreateCollection(_ context.Context, db, name string) Result {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	if err := f.srv.collectionErr[name]; err != nil {
		return Failed(err)
	}
	if !f.srv.ensureCollection(db, name) {
		return AlreadyExists()
	}
	return Created()
}

func (f *fakeSession) CreateIndex(_ context.Context, db string, idx IndexDecl) Result {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	if err := f.srv.indexErr[idx.String()]; err != nil {
		return Failed(err)
	}
	f.srv.ensureCollection(db, idx.Collection)
	key := db + "." + idx.Collection
	for _, have := range f.srv.indexes[key] {
		if have.Name == idx.Name() {
			return AlreadyExists()
		}
	}
	f.srv.indexes[key] = append(f.srv.indexes[key], IndexInfo{
		Name:   idx.Name(),
		Keys:   slices.Clone(idx.Keys),
		Unique: idx.Unique,
	})
	return Created()
}

func (f *fakeSession) CollectionNames(_ context.Context, db string) ([]string, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return slices.Clone(f.srv.colls[db]), nil
}

func (f *fakeSession) Indexes(_ context.Context, db, collection string) ([]IndexInfo, error) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return slices.Clone(f.srv.indexes[db+"."+collection]), nil
}

func (f *fakeSession) Close(_ context.Context) error {
	f.closed = true
	return nil
}

// --- connector ---

type fakeConnector struct {
	srv      *fakeServer
	openErr  error
	loginErr error
	probe    ProbeResult

	mu       sync.Mutex
	sessions []*fakeSession
	logins   []string

	// block, when set, is waited on inside Open; entered is closed first.
	entered chan struct{}
	block   chan struct{}
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{srv: newFakeServer(), probe: ProbeResult{Name: "mongo", OK: true}}
}

func (c *fakeConnector) Open(_ context.Context) (Session, error) {
	if c.block != nil {
		close(c.entered)
		<-c.block
	}
	if c.openErr != nil {
		return nil, c.openErr
	}
	s := &fakeSession{srv: c.srv}
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnector) Authenticate(_ context.Context, p Principal, db string) error {
	c.mu.Lock()
	c.logins = append(c.logins, p.Name+"@"+db)
	c.mu.Unlock()
	if c.loginErr != nil {
		return c.loginErr
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	u, ok := c.srv.users[p.Name]
	if !ok || u.secret != p.Secret {
		return errors.New("authentication failed")
	}
	return nil
}

func (c *fakeConnector) Probe(_ context.Context) ProbeResult { return c.probe }

// --- locker and notifier ---

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	acquired []string
	released []string
	probe    ProbeResult
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}, probe: ProbeResult{Name: "redis", OK: true}}
}

func (l *fakeLocker) Acquire(_ context.Context, key string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held[key] {
		return nil, ErrLockHeld
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released = append(l.released, key)
		return nil
	}, nil
}

func (l *fakeLocker) Probe(_ context.Context) ProbeResult { return l.probe }

type fakeNotifier struct {
	mu        sync.Mutex
	announced []string
	err       error
	probe     ProbeResult
}

func (n *fakeNotifier) Announce(_ context.Context, r *BootstrapResult) error {
	r.Lock()
	status := r.Status
	r.Unlock()
	n.mu.Lock()
	n.announced = append(n.announced, status)
	n.mu.Unlock()
	return n.err
}

func (n *fakeNotifier) Probe(_ context.Context) ProbeResult { return n.probe }

// --- helpers ---

func testPlan() Plan {
	return DefaultPlan("web_crawler", "crawler_admin", "s3cret", "admin")
}

func stepsOf(r *BootstrapResult, phase, kind string) []StepResult {
	var out []StepResult
	for _, s := range r.Phases[phase].Steps {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func outcomes(steps []StepResult) []Outcome {
	out := make([]Outcome, len(steps))
	for i, s := range steps {
		out[i] = s.Outcome
	}
	return out
}
