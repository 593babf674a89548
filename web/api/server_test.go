package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/entitystore"
	"github.com/hochfrequenz/batch-orchestrator/internal/jobs"
	"github.com/hochfrequenz/batch-orchestrator/internal/provider"
)

func newTestServer(t *testing.T, seed ...*domain.Entity) (*Server, *jobs.Orchestrator) {
	t.Helper()
	store := entitystore.New(entitystore.NewMemoryBackend(seed...), nil)
	require.NoError(t, store.Load(context.Background()))

	orch := jobs.New(jobs.Options{
		Store:       store,
		Provisioner: provider.NewSeededSimulated(1, 0),
		Joiner: provider.JoinerFunc(func(_ context.Context, _ domain.Entity, target string) bool {
			return target != "closed"
		}),
	})
	s := NewServer(context.Background(), orch, Options{
		Provision: domain.ProvisionConfig{
			Channel:     "tempmail",
			RegisterURL: "https://example.test/register",
			Credential:  "pw",
		},
		ProvisionCount: 2,
	})
	return s, orch
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func waitIdle(t *testing.T, orch *jobs.Orchestrator) {
	t.Helper()
	h := orch.Current()
	require.NotNil(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Wait(ctx)
	require.NoError(t, err)
}

func TestStatusHandler(t *testing.T) {
	banned := domain.NewEntity("b@x", "pw", "tempmail", time.Now())
	banned.Status = domain.StatusBanned
	s, _ := newTestServer(t, domain.NewEntity("a@x", "pw", "tempmail", time.Now()), banned)

	w := do(t, s, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, 2, status.Accounts.Total)
	assert.Equal(t, 1, status.Accounts.Banned)
	assert.False(t, status.Busy)
	assert.Nil(t, status.Job)
}

func TestListAccountsHandler(t *testing.T) {
	banned := domain.NewEntity("b@x", "secret", "tempmail", time.Now())
	banned.Status = domain.StatusBanned
	s, _ := newTestServer(t, domain.NewEntity("a@x", "secret", "tempmail", time.Now()), banned)

	w := do(t, s, "GET", "/api/accounts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")

	var accounts []AccountResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&accounts))
	assert.Len(t, accounts, 2)

	w = do(t, s, "GET", "/api/accounts?status=banned", "")
	require.NoError(t, json.NewDecoder(w.Body).Decode(&accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "b@x", accounts[0].Identifier)

	w = do(t, s, "GET", "/api/accounts?status=vanished", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportHandler(t *testing.T) {
	s, _ := newTestServer(t, domain.NewEntity("a@x", "secret", "tempmail", time.Now()))

	w := do(t, s, "GET", "/api/accounts/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "a@x | secret | active | "))
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

func TestProvisionFlow(t *testing.T) {
	s, orch := newTestServer(t)

	w := do(t, s, "GET", "/api/jobs/current", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, "POST", "/api/jobs/provision", `{"count": 3, "delay_seconds": 0}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	waitIdle(t, orch)

	w = do(t, s, "GET", "/api/jobs/current", "")
	require.Equal(t, http.StatusOK, w.Code)
	var job JobResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&job))
	assert.Equal(t, domain.JobProvision, job.Kind)
	assert.Equal(t, domain.PhaseCompleted, job.Phase)
	assert.Equal(t, 3, job.Completed)
	assert.True(t, job.Done)
	assert.Len(t, job.Log, 3)
	assert.Equal(t, 3, orch.Store().Len())
}

func TestProvisionDefaultsCount(t *testing.T) {
	s, orch := newTestServer(t)

	w := do(t, s, "POST", "/api/jobs/provision", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	waitIdle(t, orch)
	assert.Equal(t, 2, orch.Store().Len())
}

func TestJobErrorsMapToStatus(t *testing.T) {
	s, orch := newTestServer(t)

	w := do(t, s, "POST", "/api/jobs/join", `{"targets": ["g1"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "no entities is a caller error")

	w = do(t, s, "POST", "/api/jobs/join", `{"targets": []}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, "POST", "/api/jobs/provision", `{"count": -1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, "POST", "/api/jobs/provision", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, "POST", "/api/jobs/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, "POST", "/api/jobs/provision", `{"count": 5, "delay_seconds": 3600}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(t, s, "POST", "/api/jobs/provision", `{"count": 1}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, "POST", "/api/jobs/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	waitIdle(t, orch)
	assert.Equal(t, domain.PhaseStopped, orch.Current().CurrentState().Phase)
}

func TestJoinFlow(t *testing.T) {
	s, orch := newTestServer(t, domain.NewEntity("a@x", "pw", "tempmail", time.Now()))

	w := do(t, s, "POST", "/api/jobs/join", `{"targets": ["open", "closed"], "delay_seconds": 0}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	waitIdle(t, orch)

	st := orch.Current().CurrentState()
	assert.Equal(t, 1, st.SucceededCount)
	assert.Equal(t, 1, st.FailedCount)

	var resp JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Allocation, 1)
	assert.Equal(t, "a@x", resp.Allocation[0].Identifier)
	assert.Equal(t, 2, resp.Allocation[0].Targets)
}

func TestEventsStream(t *testing.T) {
	s, orch := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, 2*time.Second, time.Millisecond)
	_, err = orch.StartProvisioning(context.Background(), 2, s.opts.Provision, 0)
	require.NoError(t, err)

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
		if len(types) == 3 {
			break
		}
	}
	assert.Equal(t, []string{EventProgress, EventProgress, EventFinished}, types)
}

func TestWebSocketStream(t *testing.T) {
	s, orch := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, 2*time.Second, time.Millisecond)
	_, err = orch.StartProvisioning(context.Background(), 1, s.opts.Provision, 0)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first struct {
		Type string        `json:"type"`
		Data ProgressEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventProgress, first.Type)
	assert.Equal(t, 1, first.Data.Completed)
	assert.Equal(t, 100, first.Data.SuccessRate)

	var second Event
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, EventFinished, second.Type)
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := NewHub()
	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	for i := 0; i < clientBuffer+1; i++ {
		h.Broadcast(Event{Type: EventProgress})
	}
	assert.Zero(t, h.Clients())

	n := 0
	for range events {
		n++
	}
	assert.Equal(t, clientBuffer, n)
}
