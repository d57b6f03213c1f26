package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webcrawler/provisioner/internal/provisioner"
)

// memConnector is a minimal in-memory Mongo stand-in: every object is
// created once and reported as existing afterwards.
type memConnector struct {
	mu      sync.Mutex
	objects map[string]bool
	grants  []provisioner.RoleGrant
	indexes map[string][]provisioner.IndexInfo
}

func newMemConnector() *memConnector {
	return &memConnector{objects: map[string]bool{}, indexes: map[string][]provisioner.IndexInfo{}}
}

func (m *memConnector) Open(_ context.Context) (provisioner.Session, error) { return m, nil }

func (m *memConnector) Authenticate(_ context.Context, _ provisioner.Principal, _ string) error {
	return nil
}

func (m *memConnector) Probe(_ context.Context) provisioner.ProbeResult {
	return provisioner.ProbeResult{Name: "mongo", OK: true, LatencyMs: 1}
}

func (m *memConnector) create(key string) provisioner.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects[key] {
		return provisioner.AlreadyExists()
	}
	m.objects[key] = true
	return provisioner.Created()
}

func (m *memConnector) CreatePrincipal(_ context.Context, p provisioner.Principal) provisioner.Result {
	res := m.create("user:" + p.Name)
	if res.Outcome == provisioner.OutcomeCreated {
		m.mu.Lock()
		m.grants = p.Grants
		m.mu.Unlock()
	}
	return res
}

func (m *memConnector) PrincipalGrants(_ context.Context, name, _ string) ([]provisioner.RoleGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.objects["user:"+name] {
		return nil, provisioner.ErrPrincipalNotFound
	}
	return m.grants, nil
}

func (m *memConnector) UpdatePrincipalSecret(_ context.Context, _, _, _ string) error { return nil }

func (m *memConnector) CreateCollection(_ context.Context, _, name string) provisioner.Result {
	return m.create("coll:" + name)
}

func (m *memConnector) CreateIndex(_ context.Context, _ string, idx provisioner.IndexDecl) provisioner.Result {
	res := m.create("index:" + idx.String())
	if res.Outcome == provisioner.OutcomeCreated {
		m.mu.Lock()
		m.indexes[idx.Collection] = append(m.indexes[idx.Collection],
			provisioner.IndexInfo{Name: idx.Name(), Keys: idx.Keys, Unique: idx.Unique})
		m.mu.Unlock()
	}
	return res
}

func (m *memConnector) CollectionNames(_ context.Context, _ string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		if name, ok := strings.CutPrefix(k, "coll:"); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (m *memConnector) Indexes(_ context.Context, _, coll string) ([]provisioner.IndexInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexes[coll], nil
}

func (m *memConnector) Close(_ context.Context) error { return nil }

// TestBootstrapFlow_202ThenReady drives a real Provisioner through the API:
// POST starts a run, /ready turns 200, the last result and the inventory
// both reflect the provisioned database.
func TestBootstrapFlow_202ThenReady(t *testing.T) {
	t.Parallel()

	plan := provisioner.DefaultPlan("web_crawler", "crawler_admin", "s3cret", "admin")
	p := provisioner.New(newMemConnector(), plan)

	srv := httptest.NewServer(NewRouter(p, "crawler-provisioner-test", time.Minute).Handler())
	defer srv.Close()
	client := srv.Client()

	resp, err := client.Post(srv.URL+"/api/v1/bootstrap", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		r, err := client.Get(srv.URL + "/ready")
		if err != nil {
			return false
		}
		r.Body.Close()
		return r.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "GET /ready should return 200 after bootstrap completes")

	last, err := client.Get(srv.URL + "/api/v1/bootstrap")
	require.NoError(t, err)
	defer last.Body.Close()
	require.Equal(t, http.StatusOK, last.StatusCode)

	var result struct {
		Status string                             `json:"status"`
		Phases map[string]provisioner.PhaseResult `json:"phases"`
	}
	require.NoError(t, json.NewDecoder(last.Body).Decode(&result))
	assert.Equal(t, provisioner.StatusOK, result.Status)
	assert.Len(t, result.Phases[provisioner.PhaseSchema].Steps, 6)

	inv, err := client.Get(srv.URL + "/api/v1/inventory")
	require.NoError(t, err)
	defer inv.Body.Close()
	require.Equal(t, http.StatusOK, inv.StatusCode)

	var inventory provisioner.Inventory
	require.NoError(t, json.NewDecoder(inv.Body).Decode(&inventory))
	assert.Empty(t, inventory.Drift)
	assert.Len(t, inventory.Collections, 3)
}
