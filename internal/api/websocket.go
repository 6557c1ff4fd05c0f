package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/skobkin/groundlink/internal/broker"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local operator tooling connects from arbitrary dev origins.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// liveFilter builds the subscription filter from repeatable system, component, kind and name
// query parameters.
func (s *Server) liveFilter(c echo.Context) (broker.Filter, error) {
	query := c.QueryParams()
	var (
		filter broker.Filter
		err    error
	)
	if filter.Systems, err = parseIDSet(query["system"]); err != nil {
		return broker.Filter{}, fmt.Errorf("system: %w", err)
	}
	if filter.Components, err = parseIDSet(query["component"]); err != nil {
		return broker.Filter{}, fmt.Errorf("component: %w", err)
	}
	if filter.Kinds, err = parseIDSet(query["kind"]); err != nil {
		return broker.Filter{}, fmt.Errorf("kind: %w", err)
	}
	for _, name := range query["name"] {
		def, ok := s.profile.MessageByName(name)
		if !ok {
			return broker.Filter{}, fmt.Errorf("name: unknown message %q", name)
		}
		filter.Kinds = append(filter.Kinds, def.ID)
	}

	return filter, nil
}

func parseIDSet(raw []string) ([]uint8, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uint8, 0, len(raw))
	for _, v := range raw {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, err
		}
		out = append(out, uint8(n))
	}

	return out, nil
}

// handleLiveMessages streams decoded messages as JSON. Each client gets a lossy queue, so a
// slow browser drops its own oldest messages and never slows the recorder.
func (s *Server) handleLiveMessages(c echo.Context) error {
	if s.bus == nil {
		return newServiceUnavailableError("message bus is not running")
	}
	filter, err := s.liveFilter(c)
	if err != nil {
		return newBadRequestError("invalid stream filter", err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already answered the request.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer func() { _ = ws.Close() }()

	// Metric series are keyed by name, so clients sharing an address need distinct names.
	name := fmt.Sprintf("ws %s #%d", c.RealIP(), s.liveSeq.Add(1))
	sub, err := s.bus.Subscribe(broker.LossyPolicy(s.liveBuffer), filter, broker.WithName(name))
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(wsWriteTimeout))
		return nil
	}
	defer func() { _ = s.bus.Unsubscribe(sub.ID()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := context.AfterFunc(s.streams, cancel)
	defer stop()

	s.logger.Info("live stream opened", "client", c.RealIP(), "subscriber", sub.ID())
	go s.readUntilClosed(ws, cancel)
	go s.keepAlive(ctx, ws)

	for {
		msg, err := sub.Recv(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, broker.ErrUnsubscribed) {
				s.logger.Warn("live stream receive failed", "subscriber", sub.ID(), "error", err)
			}
			break
		}
		if err := s.writeJSON(ws, newMessageView(msg)); err != nil {
			s.logger.Debug("live stream write failed", "subscriber", sub.ID(), "error", err)
			break
		}
	}

	st := sub.Stats()
	s.logger.Info("live stream closed", "client", c.RealIP(), "subscriber", sub.ID(), "dropped", st.Dropped)

	return nil
}

// readUntilClosed consumes control frames; clients never send data on this endpoint.
func (s *Server) readUntilClosed(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := ws.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("live stream client error", "error", err)
			}
			return
		}
	}
}

func (s *Server) keepAlive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl may run concurrently with the writer goroutine.
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(ws *websocket.Conn, v any) error {
	if err := ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}

	return ws.WriteJSON(v)
}
