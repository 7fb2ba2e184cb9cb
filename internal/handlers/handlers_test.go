package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"instadeploy/internal/auth"
	"instadeploy/internal/core"
	"instadeploy/internal/db"
	"instadeploy/internal/metrics"
	"instadeploy/internal/models"
	"instadeploy/internal/protocol"
)

const (
	testToken  = "agent-secret"
	composeB64 = "Y29tcG9zZQ=="
)

type testServer struct {
	t     *testing.T
	core  *core.Core
	store *db.Store
	ts    *httptest.Server
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), zap.NewNop())
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)
	verifier, err := auth.NewVerifier("", string(hash))
	require.NoError(t, err)

	var m *metrics.Metrics
	if opts.Gatherer != nil {
		m = metrics.MustNewMetrics(opts.Gatherer.(prometheus.Registerer))
	}
	c := core.New(store, core.Options{Logger: zap.NewNop(), Metrics: m})
	srv := NewServer(c, verifier, opts)

	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, c.Stop(ctx))
		ts.Close()
		store.Close()
	})
	return &testServer{t: t, core: c, store: store, ts: ts}
}

func (s *testServer) dial(hostname, token, agentVersion string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if hostname != "" {
		header.Set(HeaderHostname, hostname)
	}
	if agentVersion != "" {
		header.Set(HeaderVersion, agentVersion)
	}
	header.Set(HeaderArchitecture, "arm64")
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.ts.URL, "http")+"/ws", header)
	if conn != nil {
		s.t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

// connect opens an authenticated agent connection and waits for it to be
// registered.
func (s *testServer) connect(hostname string) *websocket.Conn {
	s.t.Helper()
	conn, _, err := s.dial(hostname, testToken, "1.0.0")
	require.NoError(s.t, err)
	require.Eventually(s.t, func() bool { return s.core.IsConnected(hostname) },
		5*time.Second, 5*time.Millisecond)
	return conn
}

func (s *testServer) do(method, path, body string) (int, map[string]any) {
	s.t.Helper()
	req, err := http.NewRequest(method, s.ts.URL+path, bytes.NewBufferString(body))
	require.NoError(s.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(s.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func readCommand(t *testing.T, conn *websocket.Conn) protocol.Command {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	cmd, err := protocol.DecodeCommand(data)
	require.NoError(t, err)
	return cmd
}

func sendReply(t *testing.T, conn *websocket.Conn, r protocol.Reply) {
	t.Helper()
	data, err := protocol.EncodeReply(r)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func deployBody(agent string) string {
	return `{"project_name":"x","compose_file_base64":"` + composeB64 + `","agent_id":"` + agent + `"}`
}

func TestRootAndHealth(t *testing.T) {
	s := newTestServer(t, Options{})

	code, body := s.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, ServiceName, body["service"])
	assert.Equal(t, "running", body["status"])

	s.connect("web-1")
	code, body = s.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["connected_agents"])
	assert.EqualValues(t, 0, body["pending_jobs"])
}

func TestHandshakeRejections(t *testing.T) {
	s := newTestServer(t, Options{MinAgentVersion: "1.2.0"})

	tests := []struct {
		name     string
		hostname string
		token    string
		version  string
		want     int
	}{
		{"missing token", "web-1", "", "1.2.0", http.StatusUnauthorized},
		{"wrong token", "web-1", "nope", "1.2.0", http.StatusUnauthorized},
		{"missing hostname", "", testToken, "1.2.0", http.StatusBadRequest},
		{"old agent", "web-1", testToken, "1.1.9", http.StatusUpgradeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := s.dial(tt.hostname, tt.token, tt.version)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
	assert.False(t, s.core.IsConnected("web-1"))

	conn, _, err := s.dial("web-1", testToken, "1.2.0")
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool { return s.core.IsConnected("web-1") }, 5*time.Second, 5*time.Millisecond)
}

func TestHandshakeRateLimit(t *testing.T) {
	s := newTestServer(t, Options{HandshakeLimit: 1})

	s.connect("web-1")
	_, resp, err := s.dial("web-2", testToken, "1.0.0")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestHandshakeRecordsMetadata(t *testing.T) {
	s := newTestServer(t, Options{})
	s.connect("web-1")

	agent, err := s.store.GetAgentByHostname(context.Background(), "web-1")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "1.0.0", agent.Version)
	assert.Equal(t, "arm64", agent.Architecture)
	assert.Equal(t, "127.0.0.1", agent.IPAddress)
	assert.Equal(t, models.AgentOnline, agent.Status)
}

func TestDeployThenStatus(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := s.connect("web-1")

	code, body := s.do(http.MethodPost, "/deploy", deployBody("web-1"))
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "web-1", body["hostname"])
	assert.Equal(t, "Deployment queued on agent web-1", body["message"])
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	cmd := readCommand(t, conn)
	assert.Equal(t, jobID, cmd.ID)
	assert.Equal(t, protocol.CommandDeploy, cmd.Type)
	sendReply(t, conn, protocol.Reply{JobID: cmd.ID, Status: protocol.StatusCompleted, Logs: "up"})

	require.Eventually(t, func() bool {
		j, err := s.store.GetJob(context.Background(), jobID)
		return err == nil && j != nil && j.Status == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
	code, job := s.do(http.MethodGet, "/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "up", job["logs"])
	assert.Equal(t, "DEPLOY_COMPOSE", job["command_type"])

	code, body = s.do(http.MethodGet, "/projects/x/status", "")
	require.Equal(t, http.StatusOK, code)
	dep := body["deployment"].(map[string]any)
	assert.Equal(t, "running", dep["status"])
	assert.Equal(t, "web-1", dep["hostname"])
	assert.Equal(t, true, body["agent_connected"])
	assert.Len(t, body["jobs"], 1)
}

func TestDeployWaitReturnsOutcome(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := s.connect("web-1")

	type result struct {
		code int
		body map[string]any
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(s.ts.URL+"/deploy?wait=5s", "application/json", strings.NewReader(deployBody("web-1")))
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		done <- result{resp.StatusCode, body}
	}()

	cmd := readCommand(t, conn)
	sendReply(t, conn, protocol.Reply{JobID: cmd.ID, Status: protocol.StatusInProgress, Logs: "pulling"})
	sendReply(t, conn, protocol.Reply{JobID: cmd.ID, Status: protocol.StatusFailed, Logs: "pulling", Error: "exit 1"})

	select {
	case r := <-done:
		require.Equal(t, http.StatusOK, r.code)
		assert.Equal(t, cmd.ID, r.body["job_id"])
		assert.Equal(t, "failed", r.body["status"])
		assert.Equal(t, "exit 1", r.body["error"])
		assert.Equal(t, "pulling", r.body["logs"])
	case <-time.After(5 * time.Second):
		t.Fatal("deploy with wait never returned")
	}
}

func TestDeployWaitTimesOut(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := s.connect("web-1")

	code, body := s.do(http.MethodPost, "/deploy?wait=50ms", deployBody("web-1"))
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "Timed out waiting for agent web-1", body["error"])

	// The command stays pending and still resolves from a late reply.
	cmd := readCommand(t, conn)
	assert.Equal(t, body["job_id"], cmd.ID)
	assert.Equal(t, 1, s.core.PendingJobs())
	sendReply(t, conn, protocol.Reply{JobID: cmd.ID, Status: protocol.StatusCompleted})
	require.Eventually(t, func() bool { return s.core.PendingJobs() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestDeployErrors(t *testing.T) {
	s := newTestServer(t, Options{})
	_, err := s.store.UpsertAgent(context.Background(), models.AgentMetadata{Hostname: "gone"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		body    string
		want    int
		message string
	}{
		{"malformed body", "/deploy", `{"project_name":`, http.StatusBadRequest, "invalid request body"},
		{"missing project", "/deploy", `{"compose_file_base64":"` + composeB64 + `"}`, http.StatusBadRequest, ""},
		{"bad compose", "/deploy", `{"project_name":"x","compose_file_base64":"%%%"}`, http.StatusBadRequest, ""},
		{"bad wait", "/deploy?wait=soon", deployBody("gone"), http.StatusBadRequest, `invalid wait "soon"`},
		{"no agents", "/deploy", deployBody(""), http.StatusServiceUnavailable, "No agents available"},
		{"unknown agent", "/deploy", deployBody("ghost"), http.StatusNotFound, "Agent not found"},
		{"offline agent", "/deploy", deployBody("gone"), http.StatusServiceUnavailable, "Agent gone is not connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, code)
			if tt.message != "" {
				assert.Equal(t, tt.message, body["error"])
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}

	d, err := s.store.LatestDeployment(context.Background(), "x")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, models.DeploymentFailed, d.Status)
	assert.Equal(t, "Agent gone is not connected", d.LastError)
}

func TestUnknownProject(t *testing.T) {
	s := newTestServer(t, Options{})

	for _, tt := range []struct{ method, path string }{
		{http.MethodPost, "/projects/nope/stop"},
		{http.MethodGet, "/projects/nope/status"},
		{http.MethodGet, "/projects/nope/status?refresh=true"},
	} {
		code, body := s.do(tt.method, tt.path, "")
		assert.Equal(t, http.StatusNotFound, code, tt.path)
		assert.Equal(t, "Project not found", body["error"], tt.path)
	}
}

func TestStopAndRefreshProject(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := s.connect("web-1")

	code, _ := s.do(http.MethodPost, "/deploy", deployBody("web-1"))
	require.Equal(t, http.StatusOK, code)
	cmd := readCommand(t, conn)
	sendReply(t, conn, protocol.Reply{JobID: cmd.ID, Status: protocol.StatusCompleted})

	code, body := s.do(http.MethodPost, "/projects/x/stop", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Stop command queued for project x", body["message"])
	cmd = readCommand(t, conn)
	assert.Equal(t, protocol.CommandStop, cmd.Type)
	assert.Equal(t, body["job_id"], cmd.ID)
	assert.JSONEq(t, `{"project_name":"x"}`, string(cmd.Payload))
	sendReply(t, conn, protocol.Reply{JobID: cmd.ID, Status: protocol.StatusCompleted})

	code, body = s.do(http.MethodGet, "/projects/x/status?refresh=true", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "Status check queued for project x", body["message"])
	cmd = readCommand(t, conn)
	assert.Equal(t, protocol.CommandStatus, cmd.Type)
}

func TestAgentHealthWithData(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := s.connect("web-1")

	done := make(chan map[string]any, 1)
	go func() {
		resp, err := http.Post(s.ts.URL+"/agents/web-1/health?wait=5", "application/json", nil)
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		done <- body
	}()

	cmd := readCommand(t, conn)
	assert.Equal(t, protocol.CommandHealthCheck, cmd.Type)
	sendReply(t, conn, protocol.Reply{JobID: cmd.ID, Status: protocol.StatusCompleted, Data: json.RawMessage(`{"containers":3}`)})

	select {
	case body := <-done:
		require.NotNil(t, body)
		assert.Equal(t, "completed", body["status"])
		assert.Equal(t, map[string]any{"containers": float64(3)}, body["data"])
	case <-time.After(5 * time.Second):
		t.Fatal("health check never returned")
	}

	code, body := s.do(http.MethodPost, "/agents/ghost/health", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Agent not found", body["error"])
}

func TestListAgentsAndDisconnect(t *testing.T) {
	s := newTestServer(t, Options{})
	conn := s.connect("web-1")

	code, body := s.do(http.MethodGet, "/agents", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
	agents := body["agents"].([]any)
	first := agents[0].(map[string]any)
	assert.Equal(t, "web-1", first["hostname"])
	assert.Equal(t, true, first["connected"])
	assert.NotEmpty(t, first["session_id"])

	code, _ = s.do(http.MethodPost, "/agents/web-1/disconnect", "")
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
			break
		}
	}

	code, body = s.do(http.MethodGet, "/agents", "")
	require.Equal(t, http.StatusOK, code)
	first = body["agents"].([]any)[0].(map[string]any)
	assert.Equal(t, false, first["connected"])
	assert.Equal(t, "offline", first["status"])

	code, body = s.do(http.MethodPost, "/agents/ghost/disconnect", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Agent not found", body["error"])
}

func TestUnknownJob(t *testing.T) {
	s := newTestServer(t, Options{})
	code, body := s.do(http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Job not found", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestServer(t, Options{MetricsPath: "/metrics", Gatherer: reg})
	s.connect("web-1")

	scrape := func() string {
		resp, err := http.Get(s.ts.URL + "/metrics")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return string(raw)
	}
	// The gauge moves once the session starts running, just after it is
	// registered.
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(), "instadeploy_sessions_active 1")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMetricsDisabled(t *testing.T) {
	s := newTestServer(t, Options{})
	code, _ := s.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWaitParam(t *testing.T) {
	s := &Server{opts: Options{MaxWait: time.Minute}}
	e := echo.New()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"2s", 2 * time.Second, false},
		{"3", 3 * time.Second, false},
		{"10m", time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/deploy?wait="+tt.raw, nil)
			c := e.NewContext(req, httptest.NewRecorder())
			got, err := s.waitParam(c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
