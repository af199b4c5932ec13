package netmsg

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nilotic/ledger/internal/apperr"
)

const (
	sendQueueSize  = 64
	inboxQueueSize = 256
)

// Peer is one connected remote node: a websocket connection plus its
// dedicated read and write pump goroutines.
type Peer struct {
	ID      string
	conn    *websocket.Conn
	send    chan Message
	lastSeq uint64
	hub     *Hub
	closeCh chan struct{}
	once    sync.Once
}

func (p *Peer) close() {
	p.once.Do(func() {
		close(p.closeCh)
		p.conn.Close()
	})
}

// Hub owns every peer connection, the central message-processing thread,
// and the listener that accepts new inbound connections.
type Hub struct {
	nodeID          string
	log             *logrus.Entry
	upgrader        websocket.Upgrader
	handshakeTimeout time.Duration
	pingInterval    time.Duration

	mu    sync.RWMutex
	peers map[string]*Peer

	seq   atomic.Uint64
	inbox chan inboundMessage

	handler func(peerID string, msg Message)
	stop    chan struct{}
}

type inboundMessage struct {
	peerID string
	msg    Message
}

// NewHub constructs a Hub identified by nodeID (a uuid string).
func NewHub(nodeID string, log *logrus.Entry, handshakeTimeout, pingInterval time.Duration) *Hub {
	return &Hub{
		nodeID:           nodeID,
		log:              log,
		upgrader:         websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		handshakeTimeout: handshakeTimeout,
		pingInterval:     pingInterval,
		peers:            make(map[string]*Peer),
		inbox:            make(chan inboundMessage, inboxQueueSize),
		stop:             make(chan struct{}),
	}
}

// NewNodeID generates a fresh node id, used once at process startup.
func NewNodeID() string { return uuid.NewString() }

// OnMessage registers the central dispatch function. The orchestrator
// wires this to its own routing instead of netmsg knowing about chain,
// mining, or PoRC types.
func (h *Hub) OnMessage(fn func(peerID string, msg Message)) {
	h.handler = fn
}

// Run is the central message-processing thread: it drains the bounded
// inbox and dispatches to the registered handler until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case im := <-h.inbox:
			if h.handler != nil {
				h.handler(im.peerID, im.msg)
			}
		case <-h.stop:
			return
		}
	}
}

// Stop signals Run and every pump goroutine to exit and closes all peer
// connections.
func (h *Hub) Stop() {
	close(h.stop)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		p.close()
	}
}

// PeerCount reports the number of currently connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// ServeHTTP upgrades an inbound HTTP connection to a websocket peer, the
// listener-thread counterpart to Dial for outbound connections.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	h.adopt(conn)
}

// Dial connects outward to a peer address and performs the handshake.
func (h *Hub) Dial(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return apperr.Wrap(apperr.ErrNetwork, err)
	}
	h.adopt(conn)
	return nil
}

func (h *Hub) adopt(conn *websocket.Conn) {
	peer := &Peer{
		conn:    conn,
		send:    make(chan Message, sendQueueSize),
		hub:     h,
		closeCh: make(chan struct{}),
	}

	if err := h.handshake(peer); err != nil {
		h.log.WithError(err).Warn("peer handshake failed")
		peer.close()
		return
	}

	h.mu.Lock()
	h.peers[peer.ID] = peer
	h.mu.Unlock()

	go h.readPump(peer)
	go h.writePump(peer)
}

// handshake exchanges a HANDSHAKE message and rejects a mismatched magic
// or protocol version.
func (h *Hub) handshake(peer *Peer) error {
	peer.conn.SetReadDeadline(time.Now().Add(h.handshakeTimeout))

	data, _ := Encode(HandshakeData{Magic: ProtocolMagic, Version: ProtocolVersion, NodeID: h.nodeID})
	greeting := Message{Type: Handshake, Sender: h.nodeID, Timestamp: time.Now().Unix(), Sequence: h.nextSeq(), Data: data}
	if err := peer.conn.WriteJSON(greeting); err != nil {
		return apperr.Wrap(apperr.ErrNetwork, err)
	}

	var reply Message
	if err := peer.conn.ReadJSON(&reply); err != nil {
		return apperr.Wrap(apperr.ErrNetwork, err)
	}
	if reply.Type != Handshake {
		return apperr.Wrap(apperr.ErrNetwork, fmt.Errorf("expected HANDSHAKE, got %s", reply.Type))
	}
	var hd HandshakeData
	if err := reply.Decode(&hd); err != nil {
		return apperr.Wrap(apperr.ErrNetwork, err)
	}
	if hd.Magic != ProtocolMagic || hd.Version != ProtocolVersion {
		return apperr.Wrap(apperr.ErrNetwork, fmt.Errorf("protocol mismatch: magic=%s version=%d", hd.Magic, hd.Version))
	}

	peer.ID = hd.NodeID
	peer.conn.SetReadDeadline(time.Time{})
	return nil
}

// readPump is the per-peer read thread: it decodes incoming frames,
// drops any whose sequence would be applied non-monotonically, and
// forwards the rest to the bounded inbox.
func (h *Hub) readPump(peer *Peer) {
	defer h.disconnect(peer)

	peer.conn.SetPongHandler(func(string) error {
		peer.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
		return nil
	})
	peer.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))

	for {
		var msg Message
		if err := peer.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Sequence != 0 {
			if msg.Sequence <= peer.lastSeq {
				continue // non-monotonic: drop.
			}
			peer.lastSeq = msg.Sequence
		}

		select {
		case h.inbox <- inboundMessage{peerID: peer.ID, msg: msg}:
		case <-h.stop:
			return
		default:
			h.log.WithField("peer", peer.ID).Warn("inbox full, dropping message")
		}
	}
}

// writePump is the per-peer write thread: it drains the peer's send
// channel and sends a websocket ping every pingInterval. A peer missing
// two ping cycles is disconnected by the read deadline set in readPump.
func (h *Hub) writePump(peer *Peer) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer h.disconnect(peer)

	for {
		select {
		case msg := <-peer.send:
			if err := peer.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := peer.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-peer.closeCh:
			return
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) disconnect(peer *Peer) {
	h.mu.Lock()
	delete(h.peers, peer.ID)
	h.mu.Unlock()
	peer.close()
}

func (h *Hub) nextSeq() uint64 {
	return h.seq.Add(1)
}

// Send delivers a message to a single peer by id. Queued messages to a
// peer that disconnects before delivery are dropped.
func (h *Hub) Send(peerID string, msgType Type, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return apperr.Wrap(apperr.ErrNetwork, err)
	}
	h.mu.RLock()
	peer, ok := h.peers[peerID]
	h.mu.RUnlock()
	if !ok {
		return apperr.Wrap(apperr.ErrNetwork, fmt.Errorf("unknown peer %s", peerID))
	}

	msg := Message{Type: msgType, Sender: h.nodeID, Recipient: peerID, Timestamp: time.Now().Unix(), Sequence: h.nextSeq(), Data: data}
	select {
	case peer.send <- msg:
		return nil
	default:
		return apperr.Wrap(apperr.ErrNetwork, fmt.Errorf("send queue full for peer %s", peerID))
	}
}

// Broadcast delivers a message to every connected peer, best-effort.
func (h *Hub) Broadcast(msgType Type, payload any) {
	data, err := Encode(payload)
	if err != nil {
		h.log.WithError(err).Warn("broadcast encode failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, peer := range h.peers {
		msg := Message{Type: msgType, Sender: h.nodeID, Timestamp: time.Now().Unix(), Sequence: h.nextSeq(), Data: data}
		select {
		case peer.send <- msg:
		default:
			h.log.WithField("peer", id).Warn("send queue full, dropping broadcast")
		}
	}
}
