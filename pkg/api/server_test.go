package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clusterd/pkg/cluster"
	"clusterd/pkg/gossip"
	"clusterd/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubJournal struct {
	records []models.TaskRecord
	err     error
	limit   int
}

func (j *stubJournal) Append(context.Context, ...*models.TaskRecord) error { return nil }
func (j *stubJournal) Close() error                                        { return nil }

func (j *stubJournal) ListRecent(_ context.Context, limit int) ([]models.TaskRecord, error) {
	j.limit = limit
	if j.err != nil {
		return nil, j.err
	}
	return j.records, nil
}

func newTestService(t *testing.T) *cluster.Service {
	t.Helper()
	local := cluster.DiscoveryNode{ID: "node-1", Name: "node-1", Address: "10.0.0.1:9300"}
	svc := cluster.NewService("diag", local, cluster.WithLogger(zap.NewNop()))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func apply(t *testing.T, svc *cluster.Service, fn func(*cluster.ClusterState) (*cluster.ClusterState, error)) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, svc.SubmitStateUpdateTask("test", &cluster.FuncTask{
		Run:       fn,
		Processed: func(string, *cluster.ClusterState, *cluster.ClusterState) { close(done) },
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task")
	}
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &body)
	}
	return w, body
}

func TestHealth(t *testing.T) {
	svc := newTestService(t)
	s := NewServer(Config{Service: svc, Logger: zap.NewNop()})

	w, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	require.NoError(t, svc.Close())
	w, body = get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "shutdown", body["processor"])
}

func TestClusterState(t *testing.T) {
	svc := newTestService(t)
	apply(t, svc, func(cur *cluster.ClusterState) (*cluster.ClusterState, error) {
		return cur.ToBuilder().
			MasterNodeID("node-1").
			PutShard(cluster.ShardRouting{Index: "logs", ShardID: 0, NodeID: "node-1", Primary: true, State: cluster.ShardStarted}).
			Build(), nil
	})
	s := NewServer(Config{Service: svc, Logger: zap.NewNop()})

	w, body := get(t, s, "/api/v1/cluster/state")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "diag", body["cluster_name"])
	assert.Equal(t, "node-1", body["master_node_id"])
	assert.EqualValues(t, svc.State().Version(), body["version"])
	routing := body["routing"].([]any)
	require.Len(t, routing, 1)
	assert.Equal(t, "STARTED", routing[0].(map[string]any)["state"])

	w, body = get(t, s, "/api/v1/cluster/master")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["local_master"])

	w, body = get(t, s, "/api/v1/cluster/nodes")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestMaster_NoneElected(t *testing.T) {
	s := NewServer(Config{Service: newTestService(t), Logger: zap.NewNop()})
	w, _ := get(t, s, "/api/v1/cluster/master")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPendingTasks(t *testing.T) {
	svc := newTestService(t)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, svc.Submit("gate", cluster.PriorityUrgent, cluster.TaskFunc(func(cur *cluster.ClusterState) (*cluster.ClusterState, error) {
		close(started)
		<-release
		return cur, nil
	})))
	t.Cleanup(func() { close(release) })
	<-started
	require.NoError(t, svc.Submit("queued", cluster.PriorityLow, cluster.TaskFunc(func(cur *cluster.ClusterState) (*cluster.ClusterState, error) {
		return cur, nil
	})))

	s := NewServer(Config{Service: svc, Logger: zap.NewNop()})
	w, body := get(t, s, "/api/v1/cluster/pending_tasks")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])
	tasks := body["tasks"].([]any)
	assert.Equal(t, "gate", tasks[0].(map[string]any)["source"])
	assert.Equal(t, true, tasks[0].(map[string]any)["executing"])
	assert.Equal(t, "LOW", tasks[1].(map[string]any)["priority"])
}

func TestTaskHistory(t *testing.T) {
	svc := newTestService(t)

	s := NewServer(Config{Service: svc, Logger: zap.NewNop()})
	w, _ := get(t, s, "/api/v1/cluster/task_history")
	assert.Equal(t, http.StatusNotFound, w.Code)

	journal := &stubJournal{records: []models.TaskRecord{{Source: "a", Outcome: models.TaskOutcomeApplied}}}
	s = NewServer(Config{Service: svc, Journal: journal, Logger: zap.NewNop()})

	w, body := get(t, s, "/api/v1/cluster/task_history")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, defaultHistoryLimit, journal.limit)

	_, _ = get(t, s, "/api/v1/cluster/task_history?limit=5000")
	assert.Equal(t, maxHistoryLimit, journal.limit)

	w, _ = get(t, s, "/api/v1/cluster/task_history?limit=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	journal.err = errors.New("db down")
	w, _ = get(t, s, "/api/v1/cluster/task_history")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestShardState(t *testing.T) {
	svc := newTestService(t)
	exchange := gossip.NewExchange("10.0.0.1:9300", gossip.NewMemoryStore(), gossip.WithLogger(zap.NewNop()))
	require.NoError(t, exchange.WriteIndexShardState(context.Background(), "logs", cluster.ShardStarted))
	s := NewServer(Config{Service: svc, Exchange: exchange, Logger: zap.NewNop()})

	w, body := get(t, s, "/api/v1/gossip/shard_state/10.0.0.1:9300/logs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "STARTED", body["state"])

	w, body = get(t, s, "/api/v1/gossip/shard_state/10.0.0.2:9300/logs?default=RELOCATING")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RELOCATING", body["state"])

	w, _ = get(t, s, "/api/v1/gossip/shard_state/10.0.0.2:9300/logs?default=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = get(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "gossip_store")
}
