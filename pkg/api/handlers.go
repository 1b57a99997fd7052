package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/entitysync/pkg/session"
	"github.com/ZentaChain/entitysync/pkg/storage"
)

const maxDesyncLimit = 500

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Role   string `json:"role,omitempty"`
	Name   string `json:"name,omitempty"`
	Uptime string `json:"uptime"`
}

// DesyncResponse is returned by GET /api/v1/desync
type DesyncResponse struct {
	Success bool                    `json:"success"`
	Reports []*storage.DesyncRecord `json:"reports"`
	Stats   *storage.DesyncStats    `json:"stats"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Role:   s.config.Role,
		Name:   s.config.Name,
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	peers := []session.PeerInfo{}
	if s.src.Peers != nil {
		peers = s.src.Peers.Peers()
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: peers})
}

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: s.src.Queue.QueueStats()})
}

// handleDesync handles GET /api/v1/desync?limit=
func (s *Server) handleDesync(c *gin.Context) {
	if s.src.Desyncs == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "Desync log disabled",
			Message: "This node was started without a desync database",
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid limit",
				Message: "limit must be a positive number",
			})
			return
		}
		limit = min(n, maxDesyncLimit)
	}

	reports, err := s.src.Desyncs.Recent(limit)
	if err != nil {
		s.logger.Error("failed to read desync log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read desync log"})
		return
	}
	stats, err := s.src.Desyncs.Stats()
	if err != nil {
		s.logger.Error("failed to read desync stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read desync log"})
		return
	}

	c.JSON(http.StatusOK, DesyncResponse{Success: true, Reports: reports, Stats: stats})
}
