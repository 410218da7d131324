package realtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smukkama/aqi-server/internal/logging"
	"github.com/smukkama/aqi-server/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
	// Sessions carry no credentials, so any origin may connect
	CheckOrigin: func(*http.Request) bool { return true },
}

// client binds a session to its websocket connection
type client struct {
	hub     *Hub
	session *Session
	conn    *websocket.Conn
}

// ServeWS upgrades the request and runs the session until the peer goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	session, err := h.Connect()
	if err != nil {
		var sessErr *SessionError
		if errors.As(err, &sessErr) {
			http.Error(w, "too many live sessions", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		_ = h.Unregister(session.ID())
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{hub: h, session: session, conn: conn}
	h.Send(session, protocol.MsgTypeWelcome, protocol.WelcomeData{
		SessionID:  session.ID(),
		ServerTime: h.clock.Now().UTC(),
	})

	logging.Debug().Str("session_id", session.ID()).Str("remote_addr", r.RemoteAddr).Msg("live session connected")

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		_ = c.hub.Unregister(c.session.ID())
		_ = c.conn.Close()
		logging.Debug().
			Str("session_id", c.session.ID()).
			Dur("connected_for", c.hub.clock.Since(c.session.ConnectedAt())).
			Msg("live session disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Str("session_id", c.session.ID()).Msg("unexpected websocket close")
			}
			return
		}
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.reply(protocol.NewErrorMessage(err.Error()))
		return
	}

	switch m := msg.(type) {
	case *protocol.SubscribeLocationMessage:
		c.session.SubscribeLocation(*m.Lat, *m.Lon)
		c.reply(protocol.NewAckMessage(m.Type))
	case *protocol.SubscribeStationMessage:
		c.session.SubscribeStation(m.StationID)
		c.reply(protocol.NewAckMessage(m.Type))
	case *protocol.UnsubscribeAllMessage:
		c.session.UnsubscribeAll()
		c.reply(protocol.NewAckMessage(m.Type))
	}
}

func (c *client) reply(env protocol.Envelope) {
	c.hub.Send(c.session, env.Type, env.Data)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	send := c.session.Messages()
	for {
		select {
		case message, ok := <-send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// The hub closed the session
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
