package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/protocol"
	"github.com/michaelbrown/runbox/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Access control happens in front of runbox.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one websocket connection and the session it drives. A single
// writer goroutine owns the connection's write side.
type client struct {
	srv  *Server
	conn *websocket.Conn
	sess *session.Session
	log  *zap.Logger

	send      chan protocol.Output
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	mu    sync.Mutex
	timer *time.Timer
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		srv:  s,
		conn: conn,
		log:  s.log,
		send: make(chan protocol.Output, sendBuffer),
		done: make(chan struct{}),
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	sess, err := s.sessions.Open(c)
	if err != nil {
		c.Emit(protocol.Diagnostic(protocol.SourceSession, "Error: "+err.Error()))
		c.shutdown(websocket.CloseTryAgainLater, err.Error())
		<-writerDone
		return
	}
	c.sess = sess
	c.log = s.log.With(zap.String("session", sess.ID))
	s.track(c)

	c.readLoop()

	c.shutdown(websocket.CloseNormalClosure, "")
	c.stopTimer()
	s.sessions.Close(sess.ID)
	s.untrack(c)
	<-writerDone
}

// Emit queues an event for the writer. Events emitted after the connection
// has gone are dropped.
func (c *client) Emit(o protocol.Output) {
	select {
	case c.send <- o:
	case <-c.done:
	}
}

// shutdown asks the writer to send a close frame and release the connection.
func (c *client) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.done)
	})
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.count("in", "invalid")
			c.Emit(protocol.Diagnostic(protocol.SourceSession, "Error: invalid message: "+err.Error()))
			continue
		}
		c.count("in", msg.Type)
		c.dispatch(msg)
	}
}

func (c *client) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeStart:
		// Provisioning can take as long as an image pull; keep reading so a
		// disconnect is noticed and cancels it.
		go c.start(msg)
	case protocol.TypeInput:
		if err := c.sess.Input(msg.Text); err != nil {
			c.log.Debug("input rejected", zap.Error(err))
		}
	case protocol.TypeInstall:
		go func() {
			if _, err := c.sess.Install(session.InstallRequest{Language: msg.Language, Libraries: msg.Libraries}); err != nil {
				c.log.Debug("install rejected", zap.Error(err))
			}
		}()
	default:
		c.Emit(protocol.Diagnostic(protocol.SourceSession, fmt.Sprintf("Error: unknown message type %q", msg.Type)))
	}
}

func (c *client) start(msg protocol.Message) {
	runID, err := c.sess.Start(session.StartRequest{Language: msg.Language, Code: msg.Code})
	if err != nil {
		c.log.Debug("start rejected", zap.Error(err))
		return
	}
	c.supervise(runID)
}

// supervise cancels runID once it has been running for the configured
// maximum. A session runs one program at a time, so only one timer is live.
func (c *client) supervise(runID string) {
	limit := c.srv.opts.MaxRunTime
	if limit <= 0 {
		return
	}
	t := time.AfterFunc(limit, func() {
		if err := c.srv.sessions.Cancel(c.sess.ID, runID); err == nil {
			c.log.Info("run exceeded max run time", zap.String("run", runID), zap.Duration("limit", limit))
		}
	})

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = t
	c.mu.Unlock()
}

func (c *client) stopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case o := <-c.send:
			if err := c.write(o); err != nil {
				c.srv.log.Debug("websocket write failed", zap.Error(err))
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.drain()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeText),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes events queued before shutdown.
func (c *client) drain() {
	for {
		select {
		case o := <-c.send:
			if err := c.write(o); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(o protocol.Output) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(o); err != nil {
		return err
	}
	c.count("out", string(o.Kind))
	return nil
}

func (c *client) count(direction, typ string) {
	if m := c.srv.opts.Metrics; m != nil {
		m.WebSocketMessages.WithLabelValues(direction, typ).Inc()
	}
}
