package relayserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/domain"
)

// ClientTokenMiddleware assigns each browser/client a stable token via
// the ct cookie, used to correlate the HTTP calls with the websocket.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type joinRequest struct {
	Channel domain.ChannelID `json:"channel"`
	Camera  bool             `json:"camera"`
}

type joinReply struct {
	SessionID  domain.SessionID     `json:"session_id"`
	ICEServers []iceServer          `json:"ice_servers"`
	Sessions   []domain.SessionInfo `json:"sessions"`
}

// iceServer mirrors the webrtc.ICEServer JSON shape without pulling the
// pion dependency into the server binary.
type iceServer struct {
	URLs []string `json:"urls"`
}

type pingRequest struct {
	Channel   domain.ChannelID   `json:"channel"`
	SessionID domain.SessionID   `json:"session_id"`
	Known     []domain.SessionID `json:"known_sessions"`
}

type pingReply struct {
	Active   []domain.SessionInfo `json:"active"`
	Outdated []domain.SessionID   `json:"outdated"`
}

// NotifyEntry is one relayed signaling notification. The payload stays
// opaque to the relay.
type NotifyEntry struct {
	ID      string             `json:"id"`
	Targets []domain.SessionID `json:"targets"`
	Kind    string             `json:"event"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

type notifyRequest struct {
	Channel       domain.ChannelID `json:"channel"`
	Sender        domain.SessionID `json:"sender"`
	Notifications []NotifyEntry    `json:"notifications"`
}

// SetupRouter builds the /rtc API: call membership over HTTP, the event
// stream over a websocket.
func SetupRouter(ctx context.Context, cfg *config.Config, hub *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware())

	api := r.Group("/rtc")

	api.POST("/join_call", func(c *gin.Context) {
		var req joinRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Channel == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		sid, others := hub.Join(c.GetString("client_token"), req.Channel, req.Camera)
		c.JSON(http.StatusOK, joinReply{
			SessionID:  sid,
			ICEServers: []iceServer{{URLs: hub.ice}},
			Sessions:   others,
		})
	})

	api.POST("/leave_call", func(c *gin.Context) {
		hub.Leave(c.GetString("client_token"))
		c.JSON(http.StatusOK, gin.H{})
	})

	api.POST("/ping", func(c *gin.Context) {
		var req pingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		active, outdated := hub.Reconcile(req.Channel, req.SessionID, req.Known)
		c.JSON(http.StatusOK, pingReply{Active: active, Outdated: outdated})
	})

	api.POST("/update_session", func(c *gin.Context) {
		var info domain.SessionInfo
		if err := c.ShouldBindJSON(&info); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		hub.Update(c.GetString("client_token"), info)
		c.JSON(http.StatusOK, gin.H{})
	})

	api.POST("/notify_call_members", func(c *gin.Context) {
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		hub.Notify(req.Channel, req.Sender, req.Notifications)
		c.JSON(http.StatusOK, gin.H{})
	})

	api.GET("/ws", func(c *gin.Context) {
		hub.handleWS(ctx, c)
	})

	log.Info().Str("module", "relayserver").Msg("router setup")
	return r
}
