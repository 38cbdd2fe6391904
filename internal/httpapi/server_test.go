package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackpilot/internal/api"
	"stackpilot/internal/catalog"
	"stackpilot/internal/cluster"
	"stackpilot/internal/config"
	"stackpilot/internal/stack"
)

type fakeDeployer struct {
	deployErr error
	removed   []string
}

func (f *fakeDeployer) DeployStack(ctx context.Context, rctx api.RequestContext, recipeID string, cfg map[string]string) (stack.Stack, error) {
	if f.deployErr != nil {
		return stack.Stack{}, f.deployErr
	}
	return stack.Stack{ID: "stk-new", TenantID: rctx.TenantID, RecipeID: recipeID}, nil
}

func (f *fakeDeployer) RemoveStack(ctx context.Context, rctx api.RequestContext, stackID string) error {
	if stackID == "ghost" {
		return api.NewNotFoundError("stack", stackID)
	}
	f.removed = append(f.removed, stackID)
	return nil
}

type storeStatus struct {
	store *stack.Store
}

func (s storeStatus) Reconcile(ctx context.Context, stackID string) ([]stack.ServiceNode, error) {
	return s.store.Nodes(stackID)
}

type fakeStats struct {
	stats cluster.Stats
	err   error
}

func (f fakeStats) Collect(ctx context.Context) (cluster.Stats, error) {
	return f.stats, f.err
}

type fakeCatalog struct {
	recipes map[string]catalog.Recipe
}

func (f fakeCatalog) Resolve(id string) (catalog.Recipe, error) {
	r, ok := f.recipes[id]
	if !ok {
		return catalog.Recipe{}, api.NewNotFoundError("recipe", id)
	}
	return r, nil
}

func (f fakeCatalog) Search(query, category string) ([]catalog.Recipe, error) {
	var out []catalog.Recipe
	for _, r := range f.recipes {
		if query == "" || strings.Contains(r.ID, query) {
			out = append(out, r)
		}
	}
	return out, nil
}

type serverFixture struct {
	server   *Server
	store    *stack.Store
	deployer *fakeDeployer
	stats    *fakeStats
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	store := stack.NewStore()
	store.CreateStack(
		stack.Stack{ID: "stk-1", TenantID: "acme", RecipeID: "n8n", CreatedAt: time.Now()},
		[]stack.ServiceNode{
			{ID: "node-pg", StackID: "stk-1", RecipeID: "postgres"},
			{ID: "node-n8n", StackID: "stk-1", RecipeID: "n8n"},
		},
		[]stack.Edge{{From: "node-n8n", To: "node-pg"}},
	)

	deployer := &fakeDeployer{}
	stats := &fakeStats{stats: cluster.Stats{NodeCount: 3, Capacity: cluster.ResourceAmount{CPUMillis: 12000}}}
	sessions := NewStaticSessions([]config.Session{
		{Token: "tok-operator", UserID: "u-1", TenantID: "acme", Role: "operator"},
		{Token: "tok-viewer", UserID: "u-2", TenantID: "acme", Role: "viewer"},
	})

	server := NewServer(Config{
		Addr:     ":0",
		Sessions: sessions,
		Deployer: deployer,
		Status:   storeStatus{store},
		Stats:    stats,
		Catalog: fakeCatalog{recipes: map[string]catalog.Recipe{
			"n8n": {ID: "n8n", Workload: catalog.Workload{Image: "n8nio/n8n"}},
		}},
		Store:       store,
		PollSeconds: 5,
	})
	return &serverFixture{server: server, store: store, deployer: deployer, stats: stats}
}

func (f *serverFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestMissingTokenRejected(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/stack", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownTokenRejected(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/stack", "tok-bogus", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthzIsPublic(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClusterStats(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/cluster/stats", "tok-viewer", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats cluster.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.NodeCount)
	assert.Equal(t, int64(12000), stats.Capacity.CPUMillis)
}

func TestClusterStatsFailure(t *testing.T) {
	f := newServerFixture(t)
	f.stats.err = api.NewClusterUnavailable(errors.New("apiserver unreachable"))

	rec := f.do(t, http.MethodGet, "/cluster/stats", "tok-viewer", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "apiserver", "raw cluster errors must not leak")
}

func TestListStacksPollHint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/stack", "tok-viewer", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Stacks []struct {
			Transitional bool `json:"transitional"`
			PollSeconds  int  `json:"pollSeconds"`
			Nodes        []stack.ServiceNode
			Edges        []stack.Edge
		} `json:"stacks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Stacks, 1)
	assert.True(t, resp.Stacks[0].Transitional, "pending nodes make the stack transitional")
	assert.Equal(t, 5, resp.Stacks[0].PollSeconds)
	assert.Len(t, resp.Stacks[0].Nodes, 2)
	assert.Len(t, resp.Stacks[0].Edges, 1)

	// Settle every node; the poll hint drops to zero.
	gen, _ := f.store.Generation("stk-1")
	for _, id := range []string{"node-pg", "node-n8n"} {
		_, err := f.store.Transition(id, stack.StatusDeploying, "", "", gen)
		require.NoError(t, err)
		_, err = f.store.Transition(id, stack.StatusRunning, "ready", "", gen)
		require.NoError(t, err)
	}

	rec = f.do(t, http.MethodGet, "/stack", "tok-viewer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Stacks[0].Transitional)
	assert.Zero(t, resp.Stacks[0].PollSeconds)
}

func TestDeployStackAccepted(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/stack", "tok-operator", `{"recipeId":"n8n"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var stk stack.Stack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stk))
	assert.Equal(t, "stk-new", stk.ID)
}

func TestDeployStackMissingBody(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/stack", "tok-operator", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", api.NewNotFoundError("recipe", "ghost"), http.StatusNotFound},
		{"conflict", &api.ConflictError{StackID: "stk-1"}, http.StatusConflict},
		{"cycle", &api.CycleError{Chain: []string{"a", "b", "a"}}, http.StatusUnprocessableEntity},
		{"unauthorized role", api.ErrUnauthorized, http.StatusForbidden},
		{"catalog down", api.NewCatalogUnavailable(errors.New("io error")), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t)
			f.deployer.deployErr = tt.err
			rec := f.do(t, http.MethodPost, "/stack", "tok-operator", `{"recipeId":"n8n"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRemoveStackAccepted(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodDelete, "/stack/stk-1", "tok-operator", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"stk-1"}, f.deployer.removed)
}

func TestRemoveUnknownStack(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodDelete, "/stack/ghost", "tok-operator", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCatalogEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/catalog?search=n8n", "tok-viewer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Recipes []catalog.Recipe `json:"recipes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Recipes, 1)
	assert.Equal(t, "n8n", resp.Recipes[0].ID)

	rec = f.do(t, http.MethodGet, "/catalog/n8n", "tok-viewer", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/catalog/ghost", "tok-viewer", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
