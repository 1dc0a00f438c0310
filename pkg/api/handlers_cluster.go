package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"clusterd/pkg/cluster"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type stateView struct {
	ClusterName string                  `json:"cluster_name"`
	Version     int64                   `json:"version"`
	StateUUID   string                  `json:"state_uuid"`
	LocalNodeID string                  `json:"local_node_id"`
	MasterID    string                  `json:"master_node_id,omitempty"`
	Nodes       []cluster.DiscoveryNode `json:"nodes"`
	Blocks      []cluster.ClusterBlock  `json:"blocks"`
	Routing     []cluster.ShardRouting  `json:"routing"`
}

func newStateView(s *cluster.ClusterState) stateView {
	nodes := s.Nodes()
	return stateView{
		ClusterName: s.ClusterName(),
		Version:     s.Version(),
		StateUUID:   s.StateUUID(),
		LocalNodeID: nodes.LocalNodeID(),
		MasterID:    nodes.MasterNodeID(),
		Nodes:       nodes.All(),
		Blocks:      s.Blocks().All(),
		Routing:     s.RoutingTable().AllShards(),
	}
}

// getState handles GET /api/v1/cluster/state
func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, newStateView(s.service.State()))
}

// listPendingTasks handles GET /api/v1/cluster/pending_tasks
func (s *Server) listPendingTasks(c *gin.Context) {
	tasks := s.service.PendingTasks()
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// listNodes handles GET /api/v1/cluster/nodes
func (s *Server) listNodes(c *gin.Context) {
	nodes := s.service.State().Nodes().All()
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// getMaster handles GET /api/v1/cluster/master
func (s *Server) getMaster(c *gin.Context) {
	nodes := s.service.State().Nodes()
	master, ok := nodes.MasterNode()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no master elected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"master":       master,
		"local_master": nodes.IsLocalNodeMaster(),
	})
}

// listTaskHistory handles GET /api/v1/cluster/task_history?limit=N
func (s *Server) listTaskHistory(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task journal not configured"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.journal.ListRecent(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read task journal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks": records,
		"count": len(records),
	})
}
