package gateway

import (
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

// ErrGatewayClosed fails queries issued after Close.
var ErrGatewayClosed = errors.New("gateway closed")

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
)

type wsEnvelope struct {
	ID     string              `json:"id,omitempty"`
	Method string              `json:"method,omitempty"`
	Params jsoniter.RawMessage `json:"params,omitempty"`
	Result jsoniter.RawMessage `json:"result,omitempty"`
	Error  *RPCError           `json:"error,omitempty"`
}

type wsQuery struct {
	payload []byte
	done    func(data []byte, err error)
}

// WebsocketGateway is a Gateway over one persistent websocket. The
// connection reconnects with jittered exponential backoff; queries in flight
// across a reconnect are re-sent, so Send survives transport flaps.
type WebsocketGateway struct {
	url    string
	header http.Header
	onPush func(method string, data []byte)

	// writeMu serializes frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*wsQuery
	closed  bool
	wakeup  chan struct{}
}

// NewWebsocketGateway dials url in the background and dispatches server
// pushes to onPush. The returned gateway is usable immediately.
func NewWebsocketGateway(url string, header http.Header, onPush func(method string, data []byte)) *WebsocketGateway {
	g := &WebsocketGateway{
		url:     url,
		header:  header,
		onPush:  onPush,
		pending: make(map[string]*wsQuery),
		wakeup:  make(chan struct{}, 1),
	}
	go g.run()
	return g
}

// Send implements Gateway. The callback fires exactly once unless the query
// is cancelled first.
func (g *WebsocketGateway) Send(method string, params any, done func(data []byte, err error)) QueryRef {
	raw, err := jsoniter.Marshal(params)
	if err != nil {
		go done(nil, err)
		return nopQueryRef{}
	}
	id := uuid.NewString()
	payload, _ := jsoniter.Marshal(wsEnvelope{ID: id, Method: method, Params: raw})

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		go done(nil, ErrGatewayClosed)
		return nopQueryRef{}
	}
	g.pending[id] = &wsQuery{payload: payload, done: done}
	conn := g.conn
	g.mu.Unlock()

	if conn != nil {
		g.write(conn, payload)
	}
	return &wsQueryRef{gateway: g, id: id}
}

type wsQueryRef struct {
	gateway *WebsocketGateway
	id      string
}

func (r *wsQueryRef) Cancel() {
	r.gateway.mu.Lock()
	defer r.gateway.mu.Unlock()
	delete(r.gateway.pending, r.id)
}

type nopQueryRef struct{}

func (nopQueryRef) Cancel() {}

// Close tears the connection down and fails every in-flight query.
func (g *WebsocketGateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conn := g.conn
	g.conn = nil
	pending := g.pending
	g.pending = make(map[string]*wsQuery)
	g.mu.Unlock()

	close(g.wakeup)
	if conn != nil {
		conn.Close()
	}
	for _, q := range pending {
		q.done(nil, ErrGatewayClosed)
	}
}

func (g *WebsocketGateway) run() {
	delay := reconnectBaseDelay
	for {
		g.mu.Lock()
		closed := g.closed
		g.mu.Unlock()
		if closed {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(g.url, g.header)
		if err != nil {
			log.Warn().Err(err).Str("url", g.url).Msg("Gateway connection failed, retrying.")
			if !g.sleep(withJitter(delay)) {
				return
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		delay = reconnectBaseDelay
		log.Info().Str("url", g.url).Msg("Gateway connected.")

		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			conn.Close()
			return
		}
		g.conn = conn
		resend := make([][]byte, 0, len(g.pending))
		for _, q := range g.pending {
			resend = append(resend, q.payload)
		}
		g.mu.Unlock()

		for _, payload := range resend {
			g.write(conn, payload)
		}
		g.readLoop(conn)

		g.mu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.mu.Unlock()
		conn.Close()
	}
}

func (g *WebsocketGateway) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			g.mu.Lock()
			closed := g.closed
			g.mu.Unlock()
			if !closed {
				log.Warn().Err(err).Msg("Gateway connection lost.")
			}
			return
		}
		var envelope wsEnvelope
		if err := jsoniter.Unmarshal(data, &envelope); err != nil {
			log.Warn().Err(err).Msg("Dropped an undecodable gateway frame.")
			continue
		}
		g.dispatch(envelope)
	}
}

func (g *WebsocketGateway) dispatch(envelope wsEnvelope) {
	if envelope.ID != "" {
		g.mu.Lock()
		q, ok := g.pending[envelope.ID]
		if ok {
			delete(g.pending, envelope.ID)
		}
		g.mu.Unlock()
		if !ok {
			return
		}
		if envelope.Error != nil {
			q.done(nil, envelope.Error)
		} else {
			q.done(envelope.Result, nil)
		}
		return
	}
	if envelope.Method != "" && g.onPush != nil {
		g.onPush(envelope.Method, envelope.Params)
	}
}

func (g *WebsocketGateway) write(conn *websocket.Conn, payload []byte) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Debug().Err(err).Msg("Gateway write failed; the query will be re-sent after reconnect.")
	}
}

// sleep waits out the backoff window, returning false when the gateway
// closed meanwhile.
func (g *WebsocketGateway) sleep(d time.Duration) bool {
	select {
	case <-g.wakeup:
		return false
	case <-time.After(d):
		return true
	}
}

func withJitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
