package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-relay/pkg/network"
)

// StatusResponse summarizes the running relay
type StatusResponse struct {
	Version       string     `json:"version"`
	StartedAt     time.Time  `json:"started_at"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Peers         int        `json:"peers"`
	Channels      int        `json:"channels"`
	Pending       int        `json:"pending"`
	Limits        LimitsInfo `json:"limits"`
}

// LimitsInfo reports the configured capacity of the relay
type LimitsInfo struct {
	Peers        int `json:"peers"`
	Channels     int `json:"channels"`
	Pending      int `json:"pending"`
	PeerChannels int `json:"peer_channels"`
	ChannelPeers int `json:"channel_peers"` // 0 = unlimited
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	var resp StatusResponse
	ok := s.query(c, func(e *network.Engine) {
		opts := e.Options()
		resp = StatusResponse{
			Version:   network.Version(),
			StartedAt: e.StartedAt(),
			Peers:     e.PeerCount(),
			Channels:  e.ChannelCount(),
			Pending:   e.PendingCount(),
			Limits: LimitsInfo{
				Peers:        opts.PeersLimit,
				Channels:     opts.ChannelsLimit,
				Pending:      opts.PendingLimit,
				PeerChannels: opts.PeerChannelsLimit,
				ChannelPeers: opts.ChannelPeersLimit,
			},
		}
	})
	if !ok {
		return
	}

	resp.UptimeSeconds = int64(time.Since(resp.StartedAt).Seconds())
	c.JSON(http.StatusOK, resp)
}
