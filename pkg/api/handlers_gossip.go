package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"clusterd/pkg/cluster"
)

// getShardState handles GET /api/v1/gossip/shard_state/:address/:index?default=STATE
func (s *Server) getShardState(c *gin.Context) {
	if s.exchange == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "shard state exchange not configured"})
		return
	}

	def := cluster.ShardUnassigned
	if raw := c.Query("default"); raw != "" {
		parsed, err := cluster.ParseShardRoutingState(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		def = parsed
	}

	address, index := c.Param("address"), c.Param("index")
	state := s.exchange.ReadIndexShardState(c.Request.Context(), address, index, def)
	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"index":   index,
		"state":   state,
	})
}
