package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Plaza/internal/core"
	"github.com/dkeye/Plaza/internal/domain"
	"github.com/dkeye/Plaza/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const invalidMessage = "Invalid message."

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			// terminal notices are queued right before the cancel
			ctl.drain(c)
			return
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if err := ctl.write(c, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) write(c *WsSignalConn, data core.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	ctl.Metrics.FramesOut.Inc()
	return nil
}

// drain flushes frames already queued without waiting for more.
func (ctl *SignalWSController) drain(c *WsSignalConn) {
	for {
		select {
		case data, ok := <-c.send:
			if !ok || ctl.write(c, data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, conn core.ConnID, c *WsSignalConn) {
	reason := "closed"
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(conn)).Str("reason", reason).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Metrics.Connections.Dec()
		ctl.Orch.Disconnect(conn, reason)
	}()

	pongWait := ctl.cfg.pongWait()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			reason = "server"
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				reason = "server"
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "error"
				log.Warn().Err(err).Str("module", "signal").Str("code", string(domain.CodeTransportFailure)).
					Str("conn", string(conn)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleFrame(ctx, conn, c, data)
	}
}

func (ctl *SignalWSController) handleFrame(ctx context.Context, conn core.ConnID, c *WsSignalConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		ctl.Metrics.DecodeErrors.Inc()
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn)).Msg("unknown signal")
			return
		}
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn)).Msg("bad payload")
		ctl.sendJSON(c, protocol.Error{Message: invalidMessage})
		return
	}
	ctl.Metrics.FramesIn.WithLabelValues(msg.InboundType()).Inc()
	ctl.Orch.Dispatch(ctx, conn, msg)
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v protocol.Outbound) {
	f, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON encode")
		return
	}
	_ = c.TrySend(f)
}
