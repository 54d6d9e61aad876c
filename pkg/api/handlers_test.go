package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ttheew/symphony/pkg/capacity"
	"github.com/ttheew/symphony/pkg/events"
	"github.com/ttheew/symphony/pkg/registry"
	"github.com/ttheew/symphony/pkg/storage"
	"github.com/ttheew/symphony/pkg/types"
	"github.com/ttheew/symphony/pkg/wire"
)

type nopSender struct{}

func (nopSender) Send(*wire.Frame) error { return nil }
func (nopSender) Close(string)           {}

type testServer struct {
	*Server
	store    storage.Store
	registry *registry.Registry
	ledger   *capacity.Ledger
	enqueued []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts := &testServer{
		store:    st,
		registry: registry.NewRegistry(),
		ledger:   capacity.NewLedger(),
	}
	ts.Server = NewServer(Options{
		Addr:     "127.0.0.1:0",
		Store:    st,
		Registry: ts.registry,
		Ledger:   ts.ledger,
		Broker:   events.NewBroker(),
		Enqueue:  func(id string) { ts.enqueued = append(ts.enqueued, id) },
		SubscribeLogs: func(string, int) (LogStream, error) {
			return nil, assert.AnError
		},
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func validCreate(name string) CreateDeploymentRequest {
	return CreateDeploymentRequest{
		Name:             name,
		NodeGroup:        "cpu",
		CapacityRequests: types.CapacityVector{"A": 3},
		Specification:    types.Specification{Command: []string{"/bin/sleep", "600"}},
	}
}

func TestCreateDeployment(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/deployments", validCreate("web"))
	require.Equal(t, http.StatusCreated, w.Code)

	var d types.Deployment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, types.KindExec, d.Kind)
	assert.Equal(t, types.DesiredRunning, d.DesiredState)
	assert.Equal(t, uint64(1), d.SpecRevision)
	assert.Equal(t, []string{d.ID}, ts.enqueued)
}

func TestCreateDeploymentValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name   string
		mutate func(*CreateDeploymentRequest)
	}{
		{"missing name", func(r *CreateDeploymentRequest) { r.Name = "" }},
		{"missing group", func(r *CreateDeploymentRequest) { r.NodeGroup = "" }},
		{"missing command", func(r *CreateDeploymentRequest) { r.Specification.Command = nil }},
		{"bad kind", func(r *CreateDeploymentRequest) { r.Kind = "VM" }},
		{"negative capacity", func(r *CreateDeploymentRequest) { r.CapacityRequests = types.CapacityVector{"A": -1} }},
		{"zero capacity", func(r *CreateDeploymentRequest) { r.CapacityRequests = types.CapacityVector{"A": 0} }},
		{"bad restart policy", func(r *CreateDeploymentRequest) {
			r.Specification.RestartPolicy = &types.RestartPolicy{Type: "always"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreate("web")
			tc.mutate(&req)
			w := ts.do(t, http.MethodPost, "/v1/deployments", req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	// No mutation happened.
	assert.Empty(t, ts.enqueued)
}

func TestCreateDuplicateNameConflicts(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/deployments", validCreate("web")).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/v1/deployments", validCreate("web")).Code)
}

func TestGetDeploymentNotFound(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/deployments/nope", nil).Code)
}

func TestPatchDeployment(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/deployments", validCreate("web"))
	require.Equal(t, http.StatusCreated, w.Code)
	var d types.Deployment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))

	w = ts.do(t, http.MethodPatch, "/v1/deployments/"+d.ID, jsonBody{"desired_state": "STOPPED"})
	require.Equal(t, http.StatusOK, w.Code)

	var patched types.Deployment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &patched))
	assert.Equal(t, types.DesiredStopped, patched.DesiredState)
	assert.Equal(t, uint64(2), patched.SpecRevision)

	w = ts.do(t, http.MethodPatch, "/v1/deployments/"+d.ID, jsonBody{"desired_state": "PAUSED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type jsonBody = map[string]any

func TestDeleteThenGetGone(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/v1/deployments", validCreate("web"))
	require.Equal(t, http.StatusCreated, w.Code)
	var d types.Deployment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))

	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodDelete, "/v1/deployments/"+d.ID, nil).Code)
	assert.Equal(t, http.StatusGone, ts.do(t, http.MethodGet, "/v1/deployments/"+d.ID, nil).Code)

	// Patching a tombstone is rejected.
	w = ts.do(t, http.MethodPatch, "/v1/deployments/"+d.ID, jsonBody{"desired_state": "STOPPED"})
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestListNodesIncludesCapacity(t *testing.T) {
	ts := newTestServer(t)

	total := types.CapacityVector{"A": 10}
	require.NoError(t, ts.registry.Register(types.NodeInfo{
		NodeID:          "n1",
		Groups:          []string{"cpu"},
		CapacitiesTotal: total,
	}, nopSender{}))
	ts.ledger.AddNode("n1", total)
	require.NoError(t, ts.ledger.TryReserve("n1", types.CapacityVector{"A": 4}))

	w := ts.do(t, http.MethodGet, "/v1/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Nodes []NodeView `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "n1", resp.Nodes[0].NodeID)
	assert.Equal(t, int64(4), resp.Nodes[0].CapacityReserved["A"])
	assert.Equal(t, int64(6), resp.Nodes[0].CapacityAvailable["A"])
}
