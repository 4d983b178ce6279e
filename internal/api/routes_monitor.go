package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/volley-project/volley/internal/db"
	"github.com/volley-project/volley/internal/network"
	"github.com/volley-project/volley/internal/util"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// handleGetInfo returns host and process information.
func (s *Server) handleGetInfo(c *gin.Context) {
	resp := gin.H{
		"version": s.version,
		"system":  util.GetSystemInfo(),
	}

	if usage, err := util.GetProcessUsage(); err == nil {
		resp["process"] = usage
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetStatus returns the latest simulation status.
func (s *Server) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.game.Status())
}

// handleGetConnections returns the per-peer connection stats, ordered by
// peer address.
func (s *Server) handleGetConnections(c *gin.Context) {
	stats := s.board.Snapshot()
	sort.Slice(stats, func(i, j int) bool { return stats[i].Peer < stats[j].Peer })
	if stats == nil {
		stats = []network.Stats{}
	}

	c.JSON(http.StatusOK, gin.H{
		"connections": stats,
		"total":       len(stats),
	})
}

// handleGetSessions returns the newest journaled sessions.
func (s *Server) handleGetSessions(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session journal disabled"})
		return
	}
	limit, ok := historyLimit(c)
	if !ok {
		return
	}

	sessions, err := s.sessions.RecentSessions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleGetLevelLoads returns the newest level loads.
func (s *Server) handleGetLevelLoads(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session journal disabled"})
		return
	}
	limit, ok := historyLimit(c)
	if !ok {
		return
	}

	loads, err := s.sessions.RecentLevels(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if loads == nil {
		loads = []db.LevelLoad{}
	}
	c.JSON(http.StatusOK, gin.H{
		"level_loads": loads,
		"current":     s.game.Status().Level,
		"total":       len(loads),
	})
}

// historyLimit parses ?limit=, writing a 400 when it is malformed.
func historyLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, true
}
