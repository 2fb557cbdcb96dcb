// Package transport carries PBFT and supplementary envelopes between
// committee members over plain WebSocket connections, per spec §6.
//
// Grounded on two sources: the peer bookkeeping (registration map, a
// send channel per connection, ping/pong keepalive, read/write pumps run
// as paired goroutines) follows Aigen6-preworker's
// internal/services/websocket_push_service.go; the peer-set container
// itself uses tendermint's concurrent cmap.CMap (the same structure
// consensus/reactor.go keeps its peer table in) rather than a bespoke
// mutex-guarded map, since cmap is already a dependency this module
// carries for other ambient uses.
package transport

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/log"

	jsoniter "github.com/json-iterator/go"

	"qosbft/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20 // 1MB, matches consensus/reactor.go's maxMsgSize
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler is invoked for every inbound Message, on the node's single
// event-loop goroutine the caller supplies by calling Run.
type Handler func(msg *types.Message)

// Broadcaster is the narrow interface the pipeline depends on to ship
// outbound messages; production code is always a
// *Transport, tests can substitute a fake.
type Broadcaster interface {
	Broadcast(msg *types.Message)
	Send(peerID string, msg *types.Message) error
}

type peerConn struct {
	id   string
	conn *websocket.Conn
	send chan *types.Message
}

// Transport owns the set of live peer connections for one node and
// dispatches inbound envelopes to a single Handler, matching spec §5's
// single-event-loop model: all Handler invocations happen on the
// transport's own dispatch goroutine, never concurrently.
type Transport struct {
	nodeID string
	logger log.Logger

	peers *cmap.CMap

	dispatch chan *types.Message
	handler  Handler

	quit chan struct{}
}

// NewTransport constructs a Transport bound to nodeID. Mount ServeHTTP to
// accept inbound connections and Dial to connect out to peers.
func NewTransport(nodeID string, handler Handler) *Transport {
	return &Transport{
		nodeID:   nodeID,
		logger:   log.NewNopLogger(),
		peers:    cmap.NewCMap(),
		dispatch: make(chan *types.Message, sendBufferSize),
		handler:  handler,
		quit:     make(chan struct{}),
	}
}

func (t *Transport) SetLogger(logger log.Logger) {
	t.logger = logger
}

// Run drains the dispatch channel on the caller's goroutine until Stop is
// called, invoking Handler for each inbound message in arrival order.
func (t *Transport) Run() {
	for {
		select {
		case msg := <-t.dispatch:
			t.handler(msg)
		case <-t.quit:
			return
		}
	}
}

func (t *Transport) Stop() {
	close(t.quit)
	for _, key := range t.peers.Keys() {
		if p, ok := t.peers.Get(key).(*peerConn); ok {
			disconnect := &types.Message{Type: types.MsgDisconnect, NodeID: t.nodeID}
			if b, err := jsoniter.Marshal(disconnect); err == nil {
				_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = p.conn.WriteMessage(websocket.TextMessage, b)
			}
			p.conn.Close()
		}
	}
}

// ServeHTTP upgrades an inbound connection to WebSocket and registers it
// under the IDENT envelope's NodeID (spec §6: the peer identifies itself
// as the first frame after the handshake).
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("transport: upgrade failed", "err", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var ident types.Message
	if err := conn.ReadJSON(&ident); err != nil || ident.Type != types.MsgIdent || ident.NodeID == "" {
		t.logger.Error("transport: missing IDENT envelope", "err", err)
		conn.Close()
		return
	}

	p := &peerConn{id: ident.NodeID, conn: conn, send: make(chan *types.Message, sendBufferSize)}
	t.peers.Set(ident.NodeID, p)
	t.logger.Info("transport: peer connected", "peer", ident.NodeID)

	go t.writePump(p)
	t.readPump(p)
}

// Dial opens an outbound connection to a peer at addr (host:port),
// sends our own IDENT envelope, and registers the connection under
// peerID for future Send calls.
func (t *Transport) Dial(peerID, addr string) error {
	url := "ws://" + addr + "/p2p"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return err
	}

	ident := &types.Message{Type: types.MsgIdent, NodeID: t.nodeID}
	if err := conn.WriteJSON(ident); err != nil {
		conn.Close()
		return err
	}

	p := &peerConn{id: peerID, conn: conn, send: make(chan *types.Message, sendBufferSize)}
	t.peers.Set(peerID, p)
	t.logger.Info("transport: dialed peer", "peer", peerID, "addr", addr)

	go t.writePump(p)
	go t.readPump(p)
	return nil
}

// Broadcast fans a message out to every connected peer, best-effort: a
// full send buffer drops the message for that peer rather than blocking
// the caller. A dropped message is not resent: the PBFT engine has no
// retransmission or timeout, so a slot that loses too many votes stalls.
func (t *Transport) Broadcast(msg *types.Message) {
	for _, key := range t.peers.Keys() {
		p, ok := t.peers.Get(key).(*peerConn)
		if !ok {
			continue
		}
		select {
		case p.send <- msg:
		default:
			t.logger.Error("transport: send buffer full, dropping", "peer", p.id)
		}
	}
}

// Send ships a message to exactly one peer by ID, used for the
// supplementary-ack handshake's point-to-point replies.
func (t *Transport) Send(peerID string, msg *types.Message) error {
	v := t.peers.Get(peerID)
	p, ok := v.(*peerConn)
	if !ok {
		return &net.OpError{Op: "send", Err: errUnknownPeer(peerID)}
	}
	select {
	case p.send <- msg:
		return nil
	default:
		return &net.OpError{Op: "send", Err: errUnknownPeer(peerID)}
	}
}

type errUnknownPeer string

func (e errUnknownPeer) Error() string { return "transport: unknown or saturated peer " + string(e) }

func (t *Transport) writePump(p *peerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := jsoniter.Marshal(msg)
			if err != nil {
				t.logger.Error("transport: marshal failed", "err", err)
				continue
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				t.logger.Error("transport: write failed", "peer", p.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readPump(p *peerConn) {
	defer func() {
		t.peers.Delete(p.id)
		p.conn.Close()
		t.logger.Info("transport: peer disconnected", "peer", p.id)
	}()

	for {
		_, b, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Error("transport: read error", "peer", p.id, "err", err)
			}
			return
		}
		var msg types.Message
		if err := jsoniter.Unmarshal(b, &msg); err != nil {
			t.logger.Error("transport: bad envelope", "peer", p.id, "err", err)
			continue
		}
		if msg.Type == types.MsgDisconnect {
			t.logger.Info("transport: peer sent DISCONNECT", "peer", p.id)
			return
		}
		select {
		case t.dispatch <- &msg:
		case <-t.quit:
			return
		}
	}
}

// PeerCount reports the number of currently connected peers, for status
// reporting.
func (t *Transport) PeerCount() int {
	return t.peers.Size()
}

// PeerIDs reports the node IDs of every currently connected peer, for
// status reporting.
func (t *Transport) PeerIDs() []string {
	return t.peers.Keys()
}
