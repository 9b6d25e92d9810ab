package api

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-relay/pkg/network"
)

// MessageRequest is the body of POST /api/v1/peers/:id/message
type MessageRequest struct {
	Subchannel uint8  `json:"subchannel"`
	Data       string `json:"data"`
	Encoding   string `json:"encoding"` // "text" (default) or "base64"
}

// parseID reads a 16-bit ID path parameter
func parseID(c *gin.Context) (uint16, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid ID",
			Message: "ID must be a number between 0 and 65535",
		})
		return 0, false
	}
	return uint16(id), true
}

func peerNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, ErrorResponse{Error: "Peer not found"})
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	var peers []network.PeerInfo
	if !s.query(c, func(e *network.Engine) { peers = e.Peers() }) {
		return
	}
	if peers == nil {
		peers = []network.PeerInfo{}
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: peers})
}

// handlePeer handles GET /api/v1/peers/:id
func (s *Server) handlePeer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var (
		info  network.PeerInfo
		found bool
	)
	ok = s.query(c, func(e *network.Engine) {
		var p *network.Peer
		if p, found = e.Peer(network.PeerID(id)); found {
			info = p.Info()
		}
	})
	if !ok {
		return
	}
	if !found {
		peerNotFound(c)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: info})
}

// handleDropPeer handles DELETE /api/v1/peers/:id
func (s *Server) handleDropPeer(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var dropped bool
	if !s.query(c, func(e *network.Engine) { dropped = e.DropPeer(network.PeerID(id), "admin") }) {
		return
	}
	if !dropped {
		peerNotFound(c)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Peer disconnected"})
}

// handlePeerMessage handles POST /api/v1/peers/:id/message
func (s *Server) handlePeerMessage(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	data := []byte(req.Data)
	switch req.Encoding {
	case "", "text":
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid data", Message: "Data must be valid base64"})
			return
		}
		data = decoded
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid encoding", Message: "Encoding must be text or base64"})
		return
	}

	var sent bool
	if !s.query(c, func(e *network.Engine) { sent = e.SendServerMessage(network.PeerID(id), req.Subchannel, data) }) {
		return
	}
	if !sent {
		peerNotFound(c)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Message queued"})
}
