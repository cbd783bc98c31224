package call

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"

	"voicebridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The provider's media gateway sets no browser Origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// inboundFrame is the provider's JSON control envelope. Field shapes cover
// both providers; unknown fields are ignored.
type inboundFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Start     *struct {
		StreamSID string `json:"streamSid"`
	} `json:"start"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media"`
}

// HandleMediaSocket upgrades GET /media-stream and pumps inbound caller
// audio into the call's STT session. The token query parameter pairs the
// socket with its call; mismatches are rejected before the upgrade.
func (co *Core) HandleMediaSocket(c *gin.Context) {
	log := logger.FromGin(c)

	token := c.Query("token")
	target, ok := co.registry.GetByToken(token)
	if !ok {
		target, ok = co.tokenlessFallback()
		if !ok {
			log.Warn("media socket rejected: unknown token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown stream token"})
			return
		}
		log.Warn("media socket paired without token", "call_id", target.ID)
	}

	conn, err := mediaUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("media socket upgrade failed", "err", err)
		return
	}

	target.attachSocket(conn)
	co.registry.InvalidateToken(target.ID)
	log.Info("media socket connected", "call_id", target.ID)

	defer func() {
		target.detachSocket(conn)
		_ = conn.Close()
		// Losing the socket ends the call's audio path for good; the
		// provider never re-dials an existing stream.
		co.MarkHangup(target.ProviderCallID())
		if target.ProviderCallID() == "" {
			target.markHungUp()
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("media socket closed", "call_id", target.ID, "err", err)
			return
		}
		// Providers send JSON text frames; some gateways also emit raw
		// binary keepalives which carry nothing useful.
		if msgType != websocket.TextMessage || len(data) == 0 || data[0] != '{' {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Event {
		case "start":
			sid := frame.StreamSID
			if sid == "" && frame.Start != nil {
				sid = frame.Start.StreamSID
			}
			if sid != "" {
				target.setStreamSID(sid)
			}
		case "media":
			if frame.Media == nil {
				continue
			}
			if track := frame.Media.Track; track != "" && track != "inbound" && track != "inbound_track" {
				continue
			}
			muLaw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil || len(muLaw) == 0 {
				continue
			}
			if t := target.transcriber(); t != nil {
				t.SendAudio(muLaw)
			}
		case "stop":
			target.markHungUp()
			return
		}
	}
}

// tokenlessFallback pairs an unidentified socket with the most recent active
// call. Only allowed when explicitly enabled and the public host is an
// ephemeral tunnel domain that mangles query strings on redirects.
func (co *Core) tokenlessFallback() (*Call, bool) {
	if !co.cfg.AllowTokenlessAttach {
		return nil, false
	}
	if co.cfg.IsEphemeralHost == nil || co.cfg.PublicURL == nil {
		return nil, false
	}
	if !co.cfg.IsEphemeralHost(hostOf(co.cfg.PublicURL())) {
		return nil, false
	}
	return co.registry.MostRecent()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
