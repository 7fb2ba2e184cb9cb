package main

import (
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
	"go.uber.org/zap"

	"instadeploy/internal/protocol"
)

func testAgent(url string) *agent {
	return newAgent(agentConfig{
		URL:      url,
		Token:    "secret",
		Hostname: "sim-1",
		Version:  "1.0.0",
	}, zap.NewNop())
}

func mustCommand(t *testing.T, typ protocol.CommandType, payload any) protocol.Command {
	t.Helper()
	cmd, err := protocol.NewCommand("job-"+string(typ), typ, payload)
	require.NoError(t, err)
	return cmd
}

func TestCompleteTracksProjects(t *testing.T) {
	a := testAgent("")

	r := a.complete(mustCommand(t, protocol.CommandDeploy, protocol.DeployPayload{ProjectName: "web", ComposeFileBase64: "eA=="}))
	assert.Equal(t, protocol.StatusCompleted, r.Status)

	r = a.complete(mustCommand(t, protocol.CommandStatus, protocol.ProjectPayload{ProjectName: "web"}))
	assert.Equal(t, protocol.StatusCompleted, r.Status)
	assert.JSONEq(t, `{"project_name":"web","state":"running"}`, string(r.Data))

	r = a.complete(mustCommand(t, protocol.CommandStop, protocol.ProjectPayload{ProjectName: "web"}))
	assert.Equal(t, protocol.StatusCompleted, r.Status)
	assert.Equal(t, "stopped", a.project("web"))
	assert.Equal(t, "unknown", a.project("other"))
}

func TestCompleteRejectsBadPayloads(t *testing.T) {
	a := testAgent("")

	r := a.complete(mustCommand(t, protocol.CommandDeploy, protocol.DeployPayload{ProjectName: "web"}))
	assert.Equal(t, protocol.StatusFailed, r.Status)
	assert.NotEmpty(t, r.Error)

	r = a.complete(mustCommand(t, protocol.CommandStop, nil))
	assert.Equal(t, protocol.StatusFailed, r.Status)
	assert.Contains(t, r.Error, "project_name is required")

	r = a.complete(protocol.Command{ID: "j", Type: protocol.CommandType("REBOOT")})
	assert.Equal(t, protocol.StatusFailed, r.Status)
	assert.Equal(t, "Unknown command type: REBOOT", r.Error)
}

func TestHealthCheckReportsIdentity(t *testing.T) {
	a := testAgent("")
	r := a.complete(mustCommand(t, protocol.CommandHealthCheck, nil))
	require.Equal(t, protocol.StatusCompleted, r.Status)

	var data map[string]any
	require.NoError(t, json.Unmarshal(r.Data, &data))
	assert.Equal(t, "sim-1", data["hostname"])
	assert.Equal(t, "1.0.0", data["version"])
}

func TestRunRepliesOverWebSocket(t *testing.T) {
	headers := make(chan http.Header, 1)
	replies := make(chan protocol.Reply, 4)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		headers <- r.Header.Clone()

		cmd, _ := protocol.NewCommand("job-1", protocol.CommandDeploy,
			protocol.DeployPayload{ProjectName: "web", ComposeFileBase64: "eA=="})
		frame, _ := protocol.EncodeCommand(cmd)
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if reply, err := protocol.DecodeReply(data); err == nil {
				replies <- reply
			}
		}
	}))
	defer srv.Close()

	a := testAgent("ws" + strings.TrimPrefix(srv.URL, "http"))
	a.cfg.WorkDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case h := <-headers:
		assert.Equal(t, "Bearer secret", h.Get("Authorization"))
		assert.Equal(t, "sim-1", h.Get("X-Agent-Hostname"))
		assert.Equal(t, "1.0.0", h.Get("X-Agent-Version"))
		assert.NotEmpty(t, h.Get("X-Agent-Architecture"))
	case <-time.After(5 * time.Second):
		t.Fatal("agent never connected")
	}

	for _, want := range []protocol.ReplyStatus{protocol.StatusInProgress, protocol.StatusCompleted} {
		select {
		case r := <-replies:
			assert.Equal(t, "job-1", r.JobID)
			assert.Equal(t, want, r.Status)
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s reply", want)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunStopsOnRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := testAgent("ws" + strings.TrimPrefix(srv.URL, "http"))
	err := a.Run(context.Background())

	var he *handshakeError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.status)
	assert.True(t, he.permanent())
}
