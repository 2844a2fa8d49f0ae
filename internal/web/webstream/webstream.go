package webstream

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nuha.dev/rastreo/internal/tracker/hub"
	"nuha.dev/rastreo/internal/util"
)

const writeTimeout = 10 * time.Second

// Handler upgrades viewer connections and binds each one to the hub as
// a subscriber. Viewers only receive, anything they send is discarded.
type Handler struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

func NewHandler(h *hub.Hub) *Handler {
	o := &Handler{hub: h}
	o.logger = log.With().Str("module", "websocket").Logger()
	return o
}

func (ws *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.logger.Err(err).Msg("Error while upgrading websocket")
		return
	}
	cl := newClient(c, ws.logger)
	go cl.writeLoop()
	ws.hub.Join(cl)
	cl.readLoop(r.Context())
	ws.hub.Leave(cl)
	cl.shutdown()
	c.Close(websocket.StatusNormalClosure, "")
}

// Client is one viewer channel. Push never blocks: envelopes are queued
// on a buffered channel drained by writeLoop, a viewer that cannot keep
// up is dropped instead of stalling or reordering the feed.
type Client struct {
	id     string
	c      *websocket.Conn
	send   chan []byte
	quit   chan struct{}
	once   sync.Once
	closed uint32
	pushed uint64
	logger zerolog.Logger
}

func newClient(c *websocket.Conn, logger zerolog.Logger) *Client {
	cl := &Client{c: c}
	cl.id = util.GenUUID()
	cl.send = make(chan []byte, 64)
	cl.quit = make(chan struct{})
	cl.logger = logger.With().Str("client_id", cl.id).Logger()
	return cl
}

// Push implements hub.Subscriber, true means the channel is dead.
func (cl *Client) Push(d []byte) bool {
	if atomic.LoadUint32(&cl.closed) == 1 {
		return true
	}
	select {
	case cl.send <- d:
		atomic.AddUint64(&cl.pushed, 1)
		return false
	default:
		cl.logger.Warn().Uint64("pushed", atomic.LoadUint64(&cl.pushed)).Msg("send buffer full, dropping viewer")
		cl.shutdown()
		return true
	}
}

func (cl *Client) shutdown() {
	cl.once.Do(func() {
		atomic.StoreUint32(&cl.closed, 1)
		close(cl.quit)
	})
}

func (cl *Client) writeLoop() {
	for {
		select {
		case d := <-cl.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := cl.c.Write(ctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				cl.logger.Err(err).Msg("Error while writing to connection")
				cl.shutdown()
				return
			}
		case <-cl.quit:
			return
		}
	}
}

// readLoop discards inbound frames, its only job is noticing the
// transport-level close.
func (cl *Client) readLoop(ctx context.Context) {
	for {
		_, _, err := cl.c.Read(ctx)
		if err != nil {
			cl.logger.Debug().Err(err).Msg("viewer connection closed")
			return
		}
	}
}
