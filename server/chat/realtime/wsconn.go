package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"permit_server/server/chat/domain"
	commonlog "permit_server/server/common/log"
)

type WSOptions struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func (o WSOptions) withDefaults() WSOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8 * 1024
	}
	return o
}

// Upgrader builds a websocket upgrader. An empty origin list accepts any origin.
func (o WSOptions) Upgrader() websocket.Upgrader {
	allowed := map[string]struct{}{}
	for _, origin := range o.AllowedOrigins {
		allowed[origin] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// WSConn adapts a gorilla connection to Conn. Frames are queued on a buffered
// channel and written by WritePump in order; a full queue drops the frame.
type WSConn struct {
	id   string
	ws   *websocket.Conn
	opts WSOptions

	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewWSConn(ws *websocket.Conn, opts WSOptions) *WSConn {
	opts = opts.withDefaults()
	return &WSConn{
		id:   NewConnID(),
		ws:   ws,
		opts: opts,
		send: make(chan Event, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		commonlog.Warnf("event=realtime_conn action=send status=dropped reason=queue_full conn_id=%s type=%s", c.id, ev.Type)
		return false
	}
}

func (c *WSConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// WritePump drains the send queue and keeps the connection alive with pings.
// It owns all writes to the socket and closes it on exit.
func (c *WSConn) WritePump() {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				commonlog.Debugf("event=realtime_conn action=write status=failed conn_id=%s error=%v", c.id, err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ReadPump reads frames until the peer goes away, calling handle for each text frame in order.
func (c *WSConn) ReadPump(handle func(raw []byte)) {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				commonlog.Debugf("event=realtime_conn action=read status=closed conn_id=%s error=%v", c.id, err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		handle(raw)
	}
}

// Serve runs an authenticated websocket connection until it closes.
func (c *Coordinator) Serve(ctx context.Context, ws *websocket.Conn, identity domain.Identity, opts WSOptions) {
	conn := NewWSConn(ws, opts)
	session := c.Connect(identity, conn)
	go conn.WritePump()

	conn.ReadPump(func(raw []byte) {
		c.Handle(ctx, session, raw)
	})
	c.Disconnect(session)
	conn.Close()
}
