package api

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-relay/pkg/network"
	"github.com/ZentaChain/zentalk-relay/pkg/storage"
)

// BanRequest is the body of POST /api/v1/bans
type BanRequest struct {
	Address string `json:"address" binding:"required"`
	Reason  string `json:"reason"`
	TTL     string `json:"ttl"`  // Go duration, empty = permanent
	Drop    bool   `json:"drop"` // Disconnect peers already connected from the address
}

// BanResponse reports a stored ban
type BanResponse struct {
	Ban     storage.Ban      `json:"ban"`
	Dropped []network.PeerID `json:"dropped"`
}

func (s *Server) requireBans(c *gin.Context) bool {
	if s.bans == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Ban list disabled"})
		return false
	}
	return true
}

// handleBans handles GET /api/v1/bans
func (s *Server) handleBans(c *gin.Context) {
	if !s.requireBans(c) {
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: s.bans.List()})
}

// handleBan handles POST /api/v1/bans
func (s *Server) handleBan(c *gin.Context) {
	if !s.requireBans(c) {
		return
	}

	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	addr, err := netip.ParseAddr(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid address", Message: err.Error()})
		return
	}
	addr = addr.Unmap()

	var ttl time.Duration
	if req.TTL != "" {
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid ttl", Message: "TTL must be a positive duration such as 30m"})
			return
		}
	}

	ban, err := s.bans.Ban(addr, req.Reason, ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to store ban", Message: err.Error()})
		return
	}

	resp := BanResponse{Ban: ban, Dropped: []network.PeerID{}}
	if req.Drop {
		ok := s.query(c, func(e *network.Engine) {
			for _, info := range e.Peers() {
				p, found := e.Peer(info.ID)
				if found && p.RemoteAddr().Unmap() == addr {
					e.DropPeer(info.ID, "banned")
					resp.Dropped = append(resp.Dropped, info.ID)
				}
			}
		})
		if !ok {
			return
		}
	}
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: resp})
}

// handleUnban handles DELETE /api/v1/bans/:addr. The parameter is either an
// IP address or a stored address hash.
func (s *Server) handleUnban(c *gin.Context) {
	if !s.requireBans(c) {
		return
	}

	param := c.Param("addr")
	var (
		removed bool
		err     error
	)
	if addr, perr := netip.ParseAddr(param); perr == nil {
		removed, err = s.bans.Unban(addr)
	} else {
		removed, err = s.bans.UnbanHash(param)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to remove ban", Message: err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Ban not found"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Ban removed"})
}
