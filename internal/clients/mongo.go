package clients

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"webcrawler/provisioner/internal/config"
	"webcrawler/provisioner/internal/provisioner"
)

const mongoProbeName = "mongo"

// Server error codes the provisioner recognises.
const (
	codeNamespaceNotFound  = 26
	codeNamespaceExists    = 48
	codeIndexAlreadyExists = 68
	codeDuplicateKey       = 11000
	codeUserAlreadyExists  = 51003
)

// rawIndex is one document of a listIndexes cursor.
type rawIndex struct {
	Name    string `bson:"name"`
	Key     bson.D `bson:"key"`
	Unique  bool   `bson:"unique,omitempty"`
	Weights bson.D `bson:"weights,omitempty"`
}

// mongoBackend is the subset of driver calls the session needs. Tests inject
// a fake instead of a live mongod.
type mongoBackend interface {
	RunCommand(ctx context.Context, db string, cmd bson.D) (bson.Raw, error)
	CreateCollection(ctx context.Context, db, name string) error
	ListCollectionNames(ctx context.Context, db string) ([]string, error)
	CreateIndex(ctx context.Context, db, coll string, model mongo.IndexModel) error
	ListIndexes(ctx context.Context, db, coll string) ([]rawIndex, error)
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// MongoConnector opens administrative sessions against MongoDB. Opening and
// probing go through a circuit breaker.
type MongoConnector struct {
	cfg     config.MongoConfig
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, cred *options.Credential) (mongoBackend, error)
}

// NewMongoConnector creates a MongoConnector. No connection is made at
// construction time.
func NewMongoConnector(cfg config.MongoConfig, cb *gobreaker.CircuitBreaker) *MongoConnector {
	c := &MongoConnector{cfg: cfg, cb: cb}
	c.connect = c.dial
	return c
}

// Open connects with the admin credentials and pings the server. The caller
// owns the returned session and must Close it.
func (c *MongoConnector) Open(ctx context.Context) (provisioner.Session, error) {
	b, err := c.cb.Execute(func() (any, error) {
		b, err := c.connect(ctx, c.adminCredential())
		if err != nil {
			return nil, err
		}
		if err := b.Ping(ctx); err != nil {
			b.Disconnect(ctx) //nolint:errcheck
			return nil, fmt.Errorf("ping: %w", err)
		}
		return b, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("circuit open: %w", err)
		}
		return nil, err
	}
	return &mongoSession{b: b.(mongoBackend)}, nil
}

// Authenticate logs in as p on its auth database and pings db, proving the
// new credentials work.
func (c *MongoConnector) Authenticate(ctx context.Context, p provisioner.Principal, db string) error {
	b, err := c.connect(ctx, &options.Credential{
		Username:   p.Name,
		Password:   p.Secret,
		AuthSource: p.AuthDB,
	})
	if err != nil {
		return fmt.Errorf("connecting as %s: %w", p.Name, err)
	}
	defer b.Disconnect(context.WithoutCancel(ctx)) //nolint:errcheck

	if _, err := b.RunCommand(ctx, db, bson.D{{Key: "ping", Value: 1}}); err != nil {
		return fmt.Errorf("ping %s as %s: %w", db, p.Name, err)
	}
	return nil
}

// Probe connects, pings and disconnects.
func (c *MongoConnector) Probe(ctx context.Context) provisioner.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		b, err := c.connect(ctx, c.adminCredential())
		if err != nil {
			return nil, err
		}
		defer b.Disconnect(ctx) //nolint:errcheck

		if err := b.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return provisioner.ProbeResult{
			Name:      mongoProbeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return provisioner.ProbeResult{
		Name:      mongoProbeName,
		OK:        true,
		LatencyMs: latency,
	}
}

// adminCredential returns nil when no admin user is configured, which relies
// on the localhost exception of a fresh mongod.
func (c *MongoConnector) adminCredential() *options.Credential {
	if c.cfg.Username == "" {
		return nil
	}
	return &options.Credential{
		Username:   c.cfg.Username,
		Password:   c.cfg.Password,
		AuthSource: c.cfg.AuthSource,
	}
}

// dial opens a real driver client. mongo.Connect does not perform I/O; the
// first round trip happens on Ping.
func (c *MongoConnector) dial(_ context.Context, cred *options.Credential) (mongoBackend, error) {
	opts := options.Client().ApplyURI(c.cfg.URI)
	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}
	if c.cfg.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(c.cfg.ServerSelectionTimeout)
	}
	if cred != nil {
		opts.SetAuth(*cred)
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return &driverBackend{client: client}, nil
}

// mongoSession implements provisioner.Session on one backend connection.
type mongoSession struct {
	b mongoBackend
}

func (s *mongoSession) CreatePrincipal(ctx context.Context, p provisioner.Principal) provisioner.Result {
	roles := make(bson.A, 0, len(p.Grants))
	for _, g := range p.Grants {
		roles = append(roles, bson.D{{Key: "role", Value: g.Role}, {Key: "db", Value: g.DB}})
	}
	cmd := bson.D{
		{Key: "createUser", Value: p.Name},
		{Key: "pwd", Value: p.Secret},
		{Key: "roles", Value: roles},
	}

	_, err := s.b.RunCommand(ctx, p.AuthDB, cmd)
	switch {
	case err == nil:
		return provisioner.Created()
	case hasCode(err, codeDuplicateKey, codeUserAlreadyExists):
		return provisioner.AlreadyExists()
	default:
		return provisioner.Failed(fmt.Errorf("createUser %s: %w", p.Name, err))
	}
}

func (s *mongoSession) PrincipalGrants(ctx context.Context, name, authDB string) ([]provisioner.RoleGrant, error) {
	cmd := bson.D{{Key: "usersInfo", Value: bson.D{
		{Key: "user", Value: name},
		{Key: "db", Value: authDB},
	}}}
	raw, err := s.b.RunCommand(ctx, authDB, cmd)
	if err != nil {
		return nil, fmt.Errorf("usersInfo %s: %w", name, err)
	}

	var reply struct {
		Users []struct {
			User  string                  `bson:"user"`
			Roles []provisioner.RoleGrant `bson:"roles"`
		} `bson:"users"`
	}
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decoding usersInfo reply: %w", err)
	}
	if len(reply.Users) == 0 {
		return nil, fmt.Errorf("%s: %w", name, provisioner.ErrPrincipalNotFound)
	}
	return reply.Users[0].Roles, nil
}

// UpdatePrincipalSecret changes only the password; roles are left untouched.
func (s *mongoSession) UpdatePrincipalSecret(ctx context.Context, name, authDB, secret string) error {
	cmd := bson.D{
		{Key: "updateUser", Value: name},
		{Key: "pwd", Value: secret},
	}
	if _, err := s.b.RunCommand(ctx, authDB, cmd); err != nil {
		return fmt.Errorf("updateUser %s: %w", name, err)
	}
	return nil
}

func (s *mongoSession) CreateCollection(ctx context.Context, db, name string) provisioner.Result {
	err := s.b.CreateCollection(ctx, db, name)
	switch {
	case err == nil:
		return provisioner.Created()
	case hasCode(err, codeNamespaceExists):
		return provisioner.AlreadyExists()
	default:
		return provisioner.Failed(fmt.Errorf("create collection %s.%s: %w", db, name, err))
	}
}

// CreateIndex looks the index up by name first, because createIndexes
// succeeds silently for an identical existing index.
func (s *mongoSession) CreateIndex(ctx context.Context, db string, idx provisioner.IndexDecl) provisioner.Result {
	existing, err := s.b.ListIndexes(ctx, db, idx.Collection)
	if err != nil && !hasCode(err, codeNamespaceNotFound) {
		return provisioner.Failed(fmt.Errorf("list indexes of %s.%s: %w", db, idx.Collection, err))
	}
	for _, raw := range existing {
		if raw.Name != idx.Name() {
			continue
		}
		if raw.Unique != idx.Unique {
			return provisioner.Failed(fmt.Errorf("index %s exists with unique=%t", idx, raw.Unique))
		}
		return provisioner.AlreadyExists()
	}

	keys := make(bson.D, 0, len(idx.Keys))
	for _, k := range idx.Keys {
		keys = append(keys, bson.E{Key: k.Field, Value: k.Value})
	}
	opts := options.Index().SetName(idx.Name())
	if idx.Unique {
		opts.SetUnique(true)
	}

	err = s.b.CreateIndex(ctx, db, idx.Collection, mongo.IndexModel{Keys: keys, Options: opts})
	switch {
	case err == nil:
		return provisioner.Created()
	case hasCode(err, codeIndexAlreadyExists):
		return provisioner.AlreadyExists()
	default:
		return provisioner.Failed(fmt.Errorf("create index %s: %w", idx, err))
	}
}

func (s *mongoSession) CollectionNames(ctx context.Context, db string) ([]string, error) {
	return s.b.ListCollectionNames(ctx, db)
}

func (s *mongoSession) Indexes(ctx context.Context, db, coll string) ([]provisioner.IndexInfo, error) {
	raws, err := s.b.ListIndexes(ctx, db, coll)
	if err != nil {
		return nil, err
	}
	out := make([]provisioner.IndexInfo, 0, len(raws))
	for _, r := range raws {
		out = append(out, toIndexInfo(r))
	}
	return out, nil
}

func (s *mongoSession) Close(ctx context.Context) error {
	return s.b.Disconnect(ctx)
}

// toIndexInfo rewrites the server's internal text key (_fts/_ftsx) back into
// the declared field list, taken from the index weights.
func toIndexInfo(r rawIndex) provisioner.IndexInfo {
	info := provisioner.IndexInfo{Name: r.Name, Unique: r.Unique}
	for _, e := range r.Key {
		switch e.Key {
		case "_fts":
			fields := make([]string, 0, len(r.Weights))
			for _, w := range r.Weights {
				fields = append(fields, w.Key)
			}
			slices.Sort(fields)
			for _, f := range fields {
				info.Keys = append(info.Keys, provisioner.IndexKey{Field: f, Value: provisioner.TextKey})
			}
		case "_ftsx":
		default:
			info.Keys = append(info.Keys, provisioner.IndexKey{Field: e.Key, Value: direction(e.Value)})
		}
	}
	return info
}

func direction(v any) any {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return v
	}
}

// hasCode reports whether err is a server error carrying one of codes.
func hasCode(err error, codes ...int) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.HasErrorCode(c) {
			return true
		}
	}
	return false
}

// driverBackend adapts *mongo.Client to mongoBackend.
type driverBackend struct {
	client *mongo.Client
}

func (d *driverBackend) RunCommand(ctx context.Context, db string, cmd bson.D) (bson.Raw, error) {
	return d.client.Database(db).RunCommand(ctx, cmd).Raw()
}

func (d *driverBackend) CreateCollection(ctx context.Context, db, name string) error {
	return d.client.Database(db).CreateCollection(ctx, name)
}

func (d *driverBackend) ListCollectionNames(ctx context.Context, db string) ([]string, error) {
	return d.client.Database(db).ListCollectionNames(ctx, bson.D{})
}

func (d *driverBackend) CreateIndex(ctx context.Context, db, coll string, model mongo.IndexModel) error {
	_, err := d.client.Database(db).Collection(coll).Indexes().CreateOne(ctx, model)
	return err
}

func (d *driverBackend) ListIndexes(ctx context.Context, db, coll string) ([]rawIndex, error) {
	cur, err := d.client.Database(db).Collection(coll).Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	var out []rawIndex
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *driverBackend) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, nil)
}

func (d *driverBackend) Disconnect(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}
