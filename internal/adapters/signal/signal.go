package signal

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Plaza/internal/app"
	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/metrics"
	"github.com/dkeye/Plaza/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Handler is what the transport drives. Dispatch is called sequentially
// for one connection.
type Handler interface {
	Connect(s *app.Session)
	Dispatch(ctx context.Context, conn core.ConnID, msg protocol.Inbound)
	Disconnect(conn core.ConnID, reason string)
}

type Config struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	// AllowedOrigins empty means any origin.
	AllowedOrigins []string
}

const (
	defaultReadLimit  = 32 << 10
	defaultPingPeriod = 54 * time.Second
	defaultSendBuffer = 32
	writeWait         = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = defaultPingPeriod
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// pongWait is how long a connection may stay silent; it must exceed the
// ping period.
func (c Config) pongWait() time.Duration {
	return c.PingPeriod * 10 / 9
}

type SignalWSController struct {
	Orch    Handler
	Metrics *metrics.Metrics

	cfg      Config
	upgrader websocket.Upgrader
}

func NewSignalWSController(h Handler, cfg Config, m *metrics.Metrics) *SignalWSController {
	cfg = cfg.withDefaults()
	ctl := &SignalWSController{Orch: h, Metrics: m, cfg: cfg}
	ctl.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 || slices.Contains(cfg.AllowedOrigins, "*") {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(cfg.AllowedOrigins, origin)
		},
	}
	return ctl
}

// WsSignalConn is the core.SignalConnection of one WebSocket.
type WsSignalConn struct {
	conn    *websocket.Conn
	send    chan core.Frame
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		c.metrics.Backpressure.Inc()
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued and
// then closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	connID := core.ConnID(uuid.NewString())
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("code", string(domain.CodeTransportFailure)).Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(connID)).
		Str("client", c.GetString("client_token")).Str("ip", c.ClientIP()).Msg("new WS connection")

	ws.SetReadLimit(ctl.cfg.ReadLimit)
	conn := &WsSignalConn{
		conn:    ws,
		send:    make(chan core.Frame, ctl.cfg.SendBuffer),
		metrics: ctl.Metrics,
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(app.NewSession(connID, conn, cancel))
	ctl.Metrics.Connections.Inc()

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, connID, conn)
}
