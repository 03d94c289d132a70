package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/domain"
	"github.com/civicgov/civicguard/internal/metrics"
	redisstore "github.com/civicgov/civicguard/internal/store/redis"
)

// Subscriber is the pub/sub side the hub reads from. *redisstore.PubSub
// satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Hub streams recorded threats to WebSocket clients.
type Hub struct {
	pubsub Subscriber
	// OriginPatterns are passed to websocket.Accept. Empty means same-origin only.
	OriginPatterns []string
}

func NewHub(pubsub Subscriber, originPatterns []string) *Hub {
	return &Hub{pubsub: pubsub, OriginPatterns: originPatterns}
}

// ServeThreats relays the threats channel to the client. The optional
// min_level query parameter drops threats below that level.
func (h *Hub) ServeThreats(w http.ResponseWriter, r *http.Request) {
	minLevel := domain.ThreatLevelInfo
	if v := r.URL.Query().Get("min_level"); v != "" {
		minLevel = domain.ThreatLevel(v)
		if minLevel.Rank() < 0 {
			http.Error(w, "unknown min_level", http.StatusBadRequest)
			return
		}
	}

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// The client never sends data; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.pubsub.Subscribe(ctx, redisstore.ThreatsChannel)
	if err != nil {
		log.Error().Err(err).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, msgOK := <-messages:
			if !msgOK {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if !passes(msg, minLevel) {
				continue
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}

func passes(msg []byte, minLevel domain.ThreatLevel) bool {
	if minLevel == domain.ThreatLevelInfo {
		return true
	}
	var t struct {
		Level domain.ThreatLevel `json:"level"`
	}
	if err := json.Unmarshal(msg, &t); err != nil {
		log.Debug().Err(err).Msg("websocket: undecodable threat payload")
		return false
	}
	return t.Level.AtLeast(minLevel)
}
