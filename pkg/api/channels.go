package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-relay/pkg/network"
)

// handleChannels handles GET /api/v1/channels. Hidden channels are included
// and flagged; ?hidden=false leaves them out.
func (s *Server) handleChannels(c *gin.Context) {
	withHidden := c.DefaultQuery("hidden", "true") != "false"

	var channels []network.ChannelInfo
	if !s.query(c, func(e *network.Engine) { channels = e.Channels() }) {
		return
	}

	out := make([]network.ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		if ch.Hidden && !withHidden {
			continue
		}
		out = append(out, ch)
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: out})
}

// handleChannel handles GET /api/v1/channels/:id
func (s *Server) handleChannel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var (
		info  network.ChannelInfo
		found bool
	)
	ok = s.query(c, func(e *network.Engine) {
		var ch *network.Channel
		if ch, found = e.Channel(network.ChannelID(id)); found {
			info = ch.Info()
		}
	})
	if !ok {
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Channel not found"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: info})
}
