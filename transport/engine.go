// Package transport owns the single UDP socket, parses and builds the
// 3-byte reliability header, and drives the per-peer retransmission and
// timeout ticks described by the reliability package.
package transport

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/koneko-cat/presence-relay/reliability"
)

// MaxDatagramSize is the largest UDP payload the receive loop will read.
const MaxDatagramSize = 65507

// Received is one payload pulled off a peer's channel, already stripped
// of its header and, for ordered channels, already placed in sequence.
type Received struct {
	Endpoint string
	Addr     net.Addr
	Payload  []byte
}

// Events are the callbacks the relay core registers with the engine.
type Events struct {
	OnMessageReceived func(endpoint string)
	OnPeerTimeout     func(endpoint string)
}

type peerEntry struct {
	addr net.Addr
	rel  *reliability.Peer
}

// Engine is the transport half of the relay: one bound socket, a
// dedicated blocking receive loop, and a tick driven by the caller's main
// loop that services retries and evicts silent peers.
type Engine struct {
	conn net.PacketConn
	log  *logrus.Entry

	peerTimeout time.Duration

	peers sync.Map // addr.String() -> *peerEntry

	queueMu sync.Mutex
	queue   []Received

	events Events

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithPeerTimeout overrides reliability.DefaultPeerTimeout.
func WithPeerTimeout(d time.Duration) Option {
	return func(e *Engine) { e.peerTimeout = d }
}

// WithEvents registers the relay core's callbacks.
func WithEvents(ev Events) Option {
	return func(e *Engine) { e.events = ev }
}

// WithLogger overrides the default logrus.StandardLogger() entry.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine wraps conn, ready to Serve once started.
func NewEngine(conn net.PacketConn, opts ...Option) *Engine {
	e := &Engine{
		conn:        conn,
		log:         logrus.NewEntry(logrus.StandardLogger()),
		peerTimeout: reliability.DefaultPeerTimeout,
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Serve runs the blocking receive loop until Close is called. It is meant
// to be run on its own goroutine; errors reading the socket are logged
// and the loop continues, per the dispatch policy of not tearing down the
// receiver on a single bad read.
func (e *Engine) Serve() error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closed:
				return nil
			default:
			}
			e.log.WithError(err).Warn("socket receive failed")
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		e.handleDatagram(addr, datagram)
	}
}

// Close stops the receive loop; the next ReadFrom error (or the one
// Close itself triggers by closing conn) ends Serve.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return e.conn.Close()
}

func (e *Engine) getOrCreatePeer(addr net.Addr, now time.Time) *peerEntry {
	key := addr.String()
	if v, ok := e.peers.Load(key); ok {
		return v.(*peerEntry)
	}
	fresh := &peerEntry{addr: addr, rel: reliability.NewPeer(key, now)}
	actual, _ := e.peers.LoadOrStore(key, fresh)
	return actual.(*peerEntry)
}

func (e *Engine) handleDatagram(addr net.Addr, data []byte) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return // shorter than the 3-byte header; drop silently
	}
	if hdr.Version != ProtocolVersion {
		return
	}

	now := time.Now()
	entry := e.getOrCreatePeer(addr, now)
	entry.rel.Touch(now)

	payload := data[HeaderSize:]

	if hdr.IsAck {
		if len(data) == HeaderSize {
			entry.rel.Ack(hdr.Channel, hdr.Seq)
		}
		return
	}

	switch hdr.MsgType {
	case MsgUnreliable:
		e.enqueue(entry, payload)

	case MsgUnreliableSequenced:
		if entry.rel.IsNewerOnChannel(hdr.Channel, hdr.Seq) {
			entry.rel.AdvanceWatermark(hdr.Channel, hdr.Seq)
			e.enqueue(entry, payload)
		}

	case MsgReliable:
		e.sendAck(entry, hdr.Channel, hdr.Seq)
		e.enqueue(entry, payload)

	case MsgReliableSequenced:
		e.sendAck(entry, hdr.Channel, hdr.Seq)
		if entry.rel.IsNewerOnChannel(hdr.Channel, hdr.Seq) {
			entry.rel.AdvanceWatermark(hdr.Channel, hdr.Seq)
			e.enqueue(entry, payload)
		}

	case MsgReliableOrdered:
		e.sendAck(entry, hdr.Channel, hdr.Seq)
		entry.rel.InsertReorder(hdr.Channel, hdr.Seq, payload)
		for _, p := range entry.rel.DrainOrdered(hdr.Channel) {
			e.enqueue(entry, p)
		}
	}
}

func (e *Engine) enqueue(entry *peerEntry, payload []byte) {
	e.queueMu.Lock()
	e.queue = append(e.queue, Received{Endpoint: entry.addr.String(), Addr: entry.addr, Payload: payload})
	e.queueMu.Unlock()

	if e.events.OnMessageReceived != nil {
		e.events.OnMessageReceived(entry.addr.String())
	}
}

// TryPop removes and returns the oldest queued payload, if any. It never
// blocks, matching the non-blocking try-dequeue the registry/queue must
// offer to the main tick goroutine.
func (e *Engine) TryPop() (Received, bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if len(e.queue) == 0 {
		return Received{}, false
	}
	r := e.queue[0]
	e.queue = e.queue[1:]
	return r, true
}

func (e *Engine) sendAck(entry *peerEntry, channel, seq uint8) {
	hdr := AckHeader(channel, seq)
	frame := hdr.Encode()
	if _, err := e.conn.WriteTo(frame[:], entry.addr); err != nil {
		e.log.WithError(err).Warn("failed to send ack")
	}
}

// Send assigns the next outgoing sequence for (addr, channel), prepends
// the header and writes payload to the socket. Reliable-class frames
// (msgType 2-4) are recorded for retransmission; unreliable and
// unreliable-sequenced frames are not, since they will never be
// acknowledged.
func (e *Engine) Send(addr net.Addr, msgType MsgType, channel uint8, payload []byte) (uint8, error) {
	now := time.Now()
	entry := e.getOrCreatePeer(addr, now)
	entry.rel.Touch(now)

	seq := entry.rel.NextSequence(channel)
	hdr := Header{Version: ProtocolVersion, MsgType: msgType, Channel: channel, Seq: seq}
	encoded := hdr.Encode()

	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = append(frame, encoded[:]...)
	frame = append(frame, payload...)

	_, err := e.conn.WriteTo(frame, addr)
	if err != nil {
		return seq, err
	}

	if isReliableMsgType(msgType) {
		entry.rel.RecordUnacked(channel, seq, uint8(msgType), payload, now)
	}

	return seq, nil
}

// RemovePeer drops all reliability state (sequence counters, reorder
// buffers, unacked table) for endpoint immediately, without waiting for
// PeerTimeout. The relay core calls this on an explicit client-initiated
// disconnect so a clean goodbye doesn't linger until the timeout tick.
func (e *Engine) RemovePeer(endpoint string) {
	e.peers.Delete(endpoint)
}

func isReliableMsgType(t MsgType) bool {
	return t == MsgReliable || t == MsgReliableSequenced || t == MsgReliableOrdered
}

// Tick services retransmissions for every known peer, then evicts any
// peer idle beyond the configured timeout. Call it repeatedly from the
// caller's main loop; it never blocks on the network.
func (e *Engine) Tick() {
	now := time.Now()

	var timedOut []string

	e.peers.Range(func(key, value any) bool {
		entry := value.(*peerEntry)

		entry.rel.RunRetries(now, func(channel, seq, kind uint8, payload []byte) {
			hdr := Header{Version: ProtocolVersion, MsgType: MsgType(kind), Channel: channel, Seq: seq}
			encoded := hdr.Encode()
			frame := make([]byte, 0, HeaderSize+len(payload))
			frame = append(frame, encoded[:]...)
			frame = append(frame, payload...)
			if _, err := e.conn.WriteTo(frame, entry.addr); err != nil {
				e.log.WithError(err).Warn("retransmit failed")
			}
		})

		if entry.rel.IdleSince(now) > e.peerTimeout {
			timedOut = append(timedOut, key.(string))
		}
		return true
	})

	for _, key := range timedOut {
		e.peers.Delete(key)
		if e.events.OnPeerTimeout != nil {
			e.events.OnPeerTimeout(key)
		}
	}
}
