package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-pipeline/internal/domain"
)

// Message types of the live feed protocol.
const (
	TypeSubscribe  = "subscribe"
	TypeSubscribed = "subscribed"
	TypePrice      = "price"
	TypeHeartbeat  = "heartbeat"
	TypeError      = "error"
)

// Inbound is a client request.
type Inbound struct {
	Type      string   `json:"type"`
	Zones     []string `json:"zones"`
	PriceType string   `json:"price_type,omitempty"`
}

// Outbound is a server message.
type Outbound struct {
	Type      string              `json:"type"`
	Record    *domain.PriceRecord `json:"record,omitempty"`
	Time      *time.Time          `json:"time,omitempty"`
	Dropped   *int64              `json:"dropped,omitempty"`
	Zones     []string            `json:"zones,omitempty"`
	PriceType string              `json:"price_type,omitempty"`
	Message   string              `json:"message,omitempty"`
}

const maxInboundBytes = 4096

// Handler returns the WebSocket endpoint serving the live feed.
func (h *Hub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		h.serve(conn)
	})
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.opts.AllowedOrigins, origin)
}

type session struct {
	hub     *Hub
	conn    *websocket.Conn
	client  *Client
	control chan Outbound
	done    chan struct{}
	logger  zerolog.Logger
}

// serve runs one reader and one writer goroutine for conn. The subscription
// lives exactly as long as the connection.
func (h *Hub) serve(conn *websocket.Conn) {
	c := h.Register()
	s := &session{
		hub:     h,
		conn:    conn,
		client:  c,
		control: make(chan Outbound, 8),
		done:    make(chan struct{}),
		logger:  h.logger.With().Str("client", c.ID).Logger(),
	}
	go s.writeLoop()
	s.readLoop()
}

func (s *session) readLoop() {
	defer func() {
		s.hub.Unregister(s.client.ID)
		close(s.done)
	}()

	liveness := s.hub.opts.LivenessTimeout
	s.conn.SetReadLimit(maxInboundBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(liveness))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(liveness))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(liveness))

		reply := s.handle(payload)
		select {
		case s.control <- reply:
		default:
			s.logger.Warn().Msg("control queue full, closing connection")
			return
		}
	}
}

func (s *session) handle(payload []byte) Outbound {
	var in Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return Outbound{Type: TypeError, Message: "invalid json"}
	}
	if in.Type != TypeSubscribe {
		return Outbound{Type: TypeError, Message: "unsupported message type " + in.Type}
	}
	f, err := parseFilter(in)
	if err != nil {
		return Outbound{Type: TypeError, Message: err.Error()}
	}
	if err := s.hub.Subscribe(s.client.ID, f); err != nil {
		return Outbound{Type: TypeError, Message: err.Error()}
	}
	return Outbound{Type: TypeSubscribed, Zones: f.Zones, PriceType: string(f.PriceType)}
}

func parseFilter(in Inbound) (Filter, error) {
	var f Filter
	for _, z := range in.Zones {
		if z = strings.TrimSpace(z); z != "" && !slices.Contains(f.Zones, z) {
			f.Zones = append(f.Zones, z)
		}
	}
	if len(f.Zones) == 0 {
		return Filter{}, errors.New("subscribe requires at least one zone")
	}
	if in.PriceType != "" {
		pt, err := domain.ParsePriceType(in.PriceType)
		if err != nil {
			return Filter{}, err
		}
		f.PriceType = pt
	}
	return f, nil
}

func (s *session) writeLoop() {
	heartbeat := time.NewTicker(s.hub.opts.HeartbeatInterval)
	defer func() {
		heartbeat.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.hub.shutdown:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-s.control:
			if !s.write(msg) {
				return
			}
		case <-s.client.Ready():
			for _, rec := range s.client.Drain() {
				if !s.write(Outbound{Type: TypePrice, Record: &rec}) {
					return
				}
			}
		case <-heartbeat.C:
			now := time.Now().UTC()
			dropped := s.client.Dropped()
			if !s.write(Outbound{Type: TypeHeartbeat, Time: &now, Dropped: &dropped}) {
				return
			}
			deadline := time.Now().Add(s.hub.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *session) write(msg Outbound) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", msg.Type).Msg("write failed")
		return false
	}
	return true
}
