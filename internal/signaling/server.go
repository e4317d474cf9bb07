package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pranitnpatil/webx/internal/protocol"
)

// ServerConfig carries the websocket transport limits.
type ServerConfig struct {
	// ReadLimitBytes caps one inbound frame; SDP offers fit comfortably.
	ReadLimitBytes int64
	// PongTimeout is how long a connection may go without answering a ping.
	PongTimeout time.Duration
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration
}

// sendBufferSize is the per-connection outbound queue. A client that cannot
// drain this many messages is considered dead.
const sendBufferSize = 64

// Server upgrades browser connections and pumps messages between the
// websocket and the Coordinator. Each connection gets one reader (this
// handler's goroutine) and one writer goroutine; the reader dispatches
// serially, which is what gives the coordinator its per-participant
// ordering.
type Server struct {
	cfg      ServerConfig
	coord    *Coordinator
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig, coord *Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		coord: coord,
		log:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := newWSClient(conn, s.cfg.WriteTimeout, s.cfg.PongTimeout)
	defer client.close()

	cn := s.coord.NewConn(client)
	defer cn.Close(context.Background())

	s.log.Debug("websocket connected", "conn", cn.ID(), "remote", r.RemoteAddr)

	conn.SetReadLimit(s.cfg.ReadLimitBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read failed", "conn", cn.ID(), "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			client.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.ParseInbound(data)
		if err != nil {
			if err := client.Send(protocol.ErrorMessage{Message: err.Error()}); err != nil {
				return
			}
			continue
		}
		cn.Handle(r.Context(), msg)
	}
}

// wsClient is the outbound half of a connection. Send queues the encoded
// message for the writer goroutine, so relay callbacks and handlers for
// other participants never block on a slow socket.
type wsClient struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var errClientGone = errors.New("client connection closed")

func newWSClient(conn *websocket.Conn, writeTimeout, pongTimeout time.Duration) *wsClient {
	c := &wsClient{
		conn:         conn,
		writeTimeout: writeTimeout,
		sendCh:       make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
	}
	go c.writeLoop(pongTimeout)
	return c
}

func (c *wsClient) Send(msg protocol.Outbound) error {
	data, err := protocol.MarshalOutbound(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return errClientGone
	default:
		// A full buffer means the client stopped reading; drop the
		// connection rather than block the coordinator.
		c.close()
		return errClientGone
	}
}

func (c *wsClient) writeLoop(pongTimeout time.Duration) {
	pingEvery := pongTimeout * 9 / 10
	if pingEvery <= 0 {
		pingEvery = 30 * time.Second
	}
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) writeClose(code int, reason string) {
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
