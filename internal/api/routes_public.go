package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/volley-project/volley/internal/level"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "volley",
		"version": s.version,
	})
}

// handleListLevels returns the names of the levels this server can load.
func (s *Server) handleListLevels(c *gin.Context) {
	names, err := s.levels.Names()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"levels": names,
		"total":  len(names),
	})
}

// handleGetLevel serves the raw level file. Clients download levels named
// in INIT_LEVEL from here.
func (s *Server) handleGetLevel(c *gin.Context) {
	data, err := s.levels.Raw(c.Param("name"))
	switch {
	case errors.Is(err, level.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid level name"})
		return
	case errors.Is(err, level.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "level not found"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/x-yaml", data)
}
