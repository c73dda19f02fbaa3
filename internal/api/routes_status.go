package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/netplay/internal/util"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "netplay",
		"version": util.Version,
	})
}

// handleStatus returns the whole session snapshot.
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Snapshot())
}

// handlePeers returns the discovered LAN peers.
func (s *Server) handlePeers(c *gin.Context) {
	snap := s.status.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"instance_id":      snap.InstanceID,
		"challenge_target": snap.Challenge,
		"peers":            snap.Peers,
		"total":            len(snap.Peers),
	})
}

// handleCandidates returns the internet lobby view.
func (s *Server) handleCandidates(c *gin.Context) {
	snap := s.status.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"room_code":  snap.RoomCode,
		"searching":  snap.Searching,
		"candidates": snap.Candidates,
		"invites":    snap.Invites,
		"total":      len(snap.Candidates),
	})
}

// handleHistory returns recent sessions, newest first.
func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session history is disabled"})
		return
	}

	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.Recent(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read session history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": entries,
		"total":    len(entries),
	})
}
