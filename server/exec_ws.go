package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/scriptbook/scriptbook/engine"
)

func (s *Server) executeWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	identifier := params.ByName("identifier")

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		// Accept has already written its own error response.
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.log.Debugw("accepted WebSocket conn", "Identifier", identifier)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := &execConn{
		log:        s.log.Named("exec_conn").With("identifier", identifier),
		server:     s,
		conn:       wsConn,
		ctx:        ctx,
		cancel:     cancel,
		identifier: identifier,
	}
	conn.run()
}

// execConn serves one WebSocket connection bound to one script identifier.
// The connection that starts a run is its controlling connection: losing it
// stops the process. Attach connections are observers and just detach.
type execConn struct {
	log        *zap.SugaredLogger
	server     *Server
	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	identifier string

	controlling bool
	sess        *engine.Session
	sub         *engine.Subscription

	wg            sync.WaitGroup
	closeConnOnce sync.Once
}

func (c *execConn) run() {
	if err := c.readFirstFrameAndBind(); err != nil {
		c.log.Debugf("error handling first frame: %s", err)
		return
	}

	c.wg.Add(2)
	go c.writeEvents()
	go c.readFrames()
	c.wg.Wait()
}

func (c *execConn) close(code websocket.StatusCode, reason string) {
	// websocket close reasons can't exceed 123 bytes
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	c.closeConnOnce.Do(func() {
		if err := c.conn.Close(code, reason); err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
}

// sendErrorAndClose reports a protocol-level failure (empty code, unknown
// language, attach to a dead session) as a terminal error frame.
func (c *execConn) sendErrorAndClose(msg string) {
	ev := encodeEvent(c.identifier, engine.OutputEvent{Type: engine.EventError, Err: msg})
	if err := wsjson.Write(c.ctx, c.conn, ev); err != nil {
		c.log.Debugf("error sending error frame: %s", err)
	}
	c.close(websocket.StatusNormalClosure, "")
}

// readFirstFrameAndBind reads the opening frame and binds this connection to
// a session, either by starting a fresh run or attaching to a live one.
func (c *execConn) readFirstFrameAndBind() error {
	var frame commandFrame
	if err := wsjson.Read(c.ctx, c.conn, &frame); err != nil {
		c.close(websocket.StatusInternalError, "reading first frame")
		return err
	}

	if frame.Attach {
		sess, ok := c.server.registry.Get(c.identifier)
		if !ok {
			c.sendErrorAndClose("no live session for identifier")
			return engine.ErrNoSession
		}
		c.sess = sess
		c.sub = sess.Subscribe()
		c.log.Debugw("attached to live session", "RunID", sess.RunID)
		return nil
	}

	if frame.Code == "" {
		c.sendErrorAndClose("script code is empty")
		return errors.New("script code is empty")
	}
	interp, err := c.server.interpreters.Resolve(frame.Language)
	if err != nil {
		c.sendErrorAndClose(err.Error())
		return err
	}

	// The session gets the server lifetime, not the request context: it must
	// be able to keep running across a reconnect.
	sess, err := c.server.registry.Start(c.server.lifetime, c.identifier, interp.Spec(frame.Code, c.server.workDir))
	if err != nil {
		c.sendErrorAndClose(err.Error())
		return err
	}
	c.controlling = true
	c.sess = sess
	c.sub = sess.Subscribe()
	c.log.Debugw("started session", "RunID", sess.RunID)
	return nil
}

// writeEvents forwards engine events to the socket in arrival order and
// initiates the close once the terminal event has been sent.
func (c *execConn) writeEvents() {
	defer c.wg.Done()
	defer c.cancel()

	for ev := range c.sub.Events() {
		if err := wsjson.Write(c.ctx, c.conn, encodeEvent(c.identifier, ev)); err != nil {
			c.log.Debugf("event writer got error: %s", err)
			c.sub.Cancel()
			c.disconnected()
			return
		}
	}
	c.log.Debug("terminal event sent, closing")
	c.close(websocket.StatusNormalClosure, "")
}

func (c *execConn) readFrames() {
	defer c.wg.Done()

	for {
		var frame commandFrame
		err := wsjson.Read(c.ctx, c.conn, &frame)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.log.Debug("got normal closure from client")
			} else {
				c.log.Debugf("frame reader got error: %s", err)
			}
			c.sub.Cancel()
			c.disconnected()
			c.cancel()
			return
		}
		c.dispatch(frame)
	}
}

// disconnected handles the connection going away mid-run. For a controlling
// connection this is equivalent to an explicit stop.
func (c *execConn) disconnected() {
	if c.controlling {
		c.sess.Stop()
	}
}

func (c *execConn) dispatch(frame commandFrame) {
	if frame.Identifier != "" && frame.Identifier != c.identifier {
		c.log.Warnw("dropping frame for mismatched identifier", "FrameIdentifier", frame.Identifier)
		return
	}

	var ev engine.InputEvent
	switch frame.command() {
	case "input":
		// Each input frame is one line typed by the user; the interpreter
		// expects the newline.
		ev = engine.InputEvent{Kind: engine.InputStdin, Data: []byte(frame.Content + "\n")}
	case "resize":
		ev = engine.InputEvent{Kind: engine.InputResize, Rows: frame.Rows, Cols: frame.Cols}
	case "stop":
		ev = engine.InputEvent{Kind: engine.InputStop}
	default:
		c.log.Warnw("dropping frame with unknown command", "Command", frame.command())
		return
	}

	// A missing session just means the process already exited; the terminal
	// event is on its way to the client.
	if err := c.server.registry.DispatchInput(c.identifier, ev); err != nil {
		c.log.Debugf("input dropped: %s", err)
	}
}
