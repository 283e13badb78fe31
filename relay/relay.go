// Package relay implements the presence relay's state machine: the
// client registry, the authenticated join handshake, opcode dispatch,
// the audibility-gated voice fan-out, and the pair-wise rate-limited
// position/skeletal broadcast tick.
//
// All client-state mutation happens on the caller's tick goroutine; the
// only other goroutine this package starts is one short-lived identity
// check per join attempt, whose result is delivered back through
// DrainJoins rather than mutating the registry directly.
package relay

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/koneko-cat/presence-relay/codec"
)

// Sender abstracts the transport engine's Send so this package can be
// tested without a real socket.
type Sender interface {
	Send(addr net.Addr, msgType MsgType, channel uint8, payload []byte) (uint8, error)
}

// MsgType mirrors transport.MsgType without creating an import-cycle-
// prone dependency on the transport package's full surface; the two
// enumerations share the same wire values by construction.
type MsgType uint8

const (
	MsgUnreliable MsgType = iota
	MsgUnreliableSequenced
	MsgReliable
	MsgReliableSequenced
	MsgReliableOrdered
)

// Identity verifies a join token against the external identity service.
type Identity interface {
	VerifyJoin(ctx context.Context, userID, token string) (bool, error)
}

// PeerRemover lets the relay core tell the transport engine to drop a
// peer's reliability state immediately on an explicit disconnect, rather
// than waiting for the timeout tick.
type PeerRemover interface {
	RemovePeer(endpoint string)
}

type joinResult struct {
	addr     net.Addr
	endpoint string
	userID   string
	valid    bool
}

// Core holds the client registry and dispatches application opcodes.
type Core struct {
	send     Sender
	identity Identity
	peers    PeerRemover
	log      *logrus.Entry

	identityTimeout time.Duration

	clients       map[string]*Client
	nextNetworkID int16

	joinResults chan joinResult
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithLogger overrides the default logrus.StandardLogger() entry.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Core) { c.log = log }
}

// WithIdentityTimeout bounds how long a join's identity-service call may
// take before it is treated as a failure.
func WithIdentityTimeout(d time.Duration) Option {
	return func(c *Core) { c.identityTimeout = d }
}

// WithPeerRemover wires the transport engine's peer-removal hook.
func WithPeerRemover(p PeerRemover) Option {
	return func(c *Core) { c.peers = p }
}

// NewCore builds a relay Core that sends frames through send and
// authenticates joins through identity.
func NewCore(send Sender, identity Identity, opts ...Option) *Core {
	c := &Core{
		send:            send,
		identity:        identity,
		log:             logrus.NewEntry(logrus.StandardLogger()),
		identityTimeout: 5 * time.Second,
		clients:         make(map[string]*Client),
		joinResults:     make(chan joinResult, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientCount reports how many authenticated clients are registered.
func (c *Core) ClientCount() int { return len(c.clients) }

// HandleReceived decodes and dispatches one application frame. Any
// decode or handler error is logged and swallowed: a single malformed
// frame must not tear down the relay or evict the sender.
func (c *Core) HandleReceived(addr net.Addr, endpoint string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("endpoint", endpoint).Errorf("panic handling frame: %v", r)
		}
	}()

	buf := codec.NewFromBytes(payload)
	opcode, err := buf.ReadI16()
	if err != nil {
		c.log.WithField("endpoint", endpoint).Warn("dropped frame with no opcode")
		return
	}

	switch opcode {
	case OpJoin:
		c.handleJoin(addr, endpoint, buf)
	case OpDisconnect:
		c.handleDisconnect(endpoint)
	case OpClientState:
		c.handleClientState(endpoint, buf)
	case OpVoice:
		c.handleVoice(endpoint, payload)
	case OpPosition:
		c.cacheTelemetry(endpoint, buf.Data()[buf.Pos():], false)
	case OpSkeletal:
		c.cacheTelemetry(endpoint, buf.Data()[buf.Pos():], true)
	default:
		c.log.WithFields(logrus.Fields{"endpoint": endpoint, "opcode": opcode}).Debug("passthrough broadcast of unknown opcode")
		c.broadcastPassthrough(endpoint, payload)
	}
}

func (c *Core) handleJoin(addr net.Addr, endpoint string, buf *codec.Buffer) {
	userID, err := buf.ReadString()
	if err != nil {
		return
	}
	token, err := buf.ReadString()
	if err != nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.identityTimeout)
		defer cancel()

		valid, err := c.identity.VerifyJoin(ctx, userID, token)
		if err != nil {
			c.log.WithError(err).WithField("userId", userID).Warn("identity check failed")
		}

		c.joinResults <- joinResult{addr: addr, endpoint: endpoint, userID: userID, valid: valid}
	}()
}

// DrainJoins finalizes every identity check that has completed since the
// last call. It must run on the same goroutine as every other client
// mutation.
func (c *Core) DrainJoins() {
	for {
		select {
		case res := <-c.joinResults:
			c.finalizeJoin(res)
		default:
			return
		}
	}
}

func (c *Core) finalizeJoin(res joinResult) {
	if !res.valid {
		return // authentication failure: silently dropped per spec
	}
	if _, exists := c.clients[res.endpoint]; exists {
		return // duplicate join for an already-registered endpoint
	}

	others := make([]*Client, 0, len(c.clients))
	for _, other := range c.clients {
		others = append(others, other)
	}

	id := c.nextNetworkID
	c.nextNetworkID++

	client := newClient(res.addr, res.endpoint, id, res.userID, time.Now())
	c.clients[res.endpoint] = client

	joined := codec.New(8 + len(res.userID))
	joined.WriteI16(OpPeerJoined)
	joined.WriteI16(id)
	joined.WriteString(res.userID)
	for _, other := range others {
		c.sendTo(other, MsgReliable, ChannelControl, joined.ToBytes())
	}

	roster := codec.New(16)
	roster.WriteI16(OpRoster)
	roster.WriteI16(int16(len(others)))
	for _, other := range others {
		roster.WriteI16(other.NetworkID)
		roster.WriteString(other.UserID)
	}
	c.sendTo(client, MsgReliable, ChannelControl, roster.ToBytes())
}

func (c *Core) handleDisconnect(endpoint string) {
	client, ok := c.clients[endpoint]
	if !ok {
		return
	}
	delete(c.clients, endpoint)
	if c.peers != nil {
		c.peers.RemovePeer(endpoint)
	}
	c.broadcastPeerLeft(client.NetworkID)
}

// HandlePeerTimeout is wired to the transport engine's timeout event: the
// underlying peer has already been evicted, so this only needs to clear
// and announce the client side.
func (c *Core) HandlePeerTimeout(endpoint string) {
	client, ok := c.clients[endpoint]
	if !ok {
		return
	}
	delete(c.clients, endpoint)
	c.broadcastPeerLeft(client.NetworkID)
}

func (c *Core) broadcastPeerLeft(networkID int16) {
	left := codec.New(4)
	left.WriteI16(OpPeerLeft)
	left.WriteI16(networkID)
	for _, other := range c.clients {
		c.sendTo(other, MsgReliable, ChannelControl, left.ToBytes())
	}
}

func (c *Core) handleClientState(endpoint string, buf *codec.Buffer) {
	client, ok := c.clients[endpoint]
	if !ok {
		return
	}

	count, err := buf.ReadI16()
	if err != nil {
		return
	}

	canHear := make(map[int16]struct{})
	rates := make(map[int16]*UpdateRate)
	for i := 0; i < int(count); i++ {
		id, err := buf.ReadI16()
		if err != nil {
			return
		}
		bits, err := buf.ReadU8()
		if err != nil {
			return
		}

		last := time.Time{}
		if old, ok := client.UpdateRate[id]; ok {
			last = old.LastSent
		}
		rates[id] = &UpdateRate{Rate: clampRate(bits), LastSent: last}

		if bits&audibilityBit != 0 {
			canHear[id] = struct{}{}
		}
	}

	client.CanHear = canHear
	client.UpdateRate = rates
}

func (c *Core) handleVoice(endpoint string, payload []byte) {
	sender, ok := c.clients[endpoint]
	if !ok {
		return
	}
	for other := range c.clientsExcept(sender) {
		if sender.hears(other.NetworkID) && other.hears(sender.NetworkID) {
			c.sendTo(other, MsgReliableSequenced, ChannelControl, payload)
		}
	}
}

// cacheTelemetry stores payload, which is the frame body after the
// opcode: a client-supplied network-id prefix followed by the position
// or skeletal data. sendTelemetry later strips that prefix and rewraps
// the body with the server's own record of the sender's id.
func (c *Core) cacheTelemetry(endpoint string, payload []byte, skeletal bool) {
	client, ok := c.clients[endpoint]
	if !ok {
		return
	}
	cached := make([]byte, len(payload))
	copy(cached, payload)
	if skeletal {
		client.LastSkeletalBytes = cached
	} else {
		client.LastPositionBytes = cached
	}
}

func (c *Core) broadcastPassthrough(endpoint string, payload []byte) {
	for ep, other := range c.clients {
		if ep == endpoint {
			continue
		}
		c.sendTo(other, MsgReliable, ChannelControl, payload)
	}
}

// BroadcastTick is the periodic pass that drives §4.4's pair-wise
// rate-limited position/skeletal fanout. Call it from the main loop at
// whatever cadence the caller likes; the per-pair rate limiting is
// computed against now, not against the tick's own cadence.
func (c *Core) BroadcastTick(now time.Time) {
	for _, sender := range c.clients {
		if sender.LastPositionBytes == nil && sender.LastSkeletalBytes == nil {
			continue
		}
		for other := range c.clientsExcept(sender) {
			c.maybeRelayTelemetry(sender, other, now)
		}
	}
}

func (c *Core) maybeRelayTelemetry(sender, receiver *Client, now time.Time) {
	receiverRate, ok := receiver.UpdateRate[sender.NetworkID]
	if !ok {
		return
	}
	senderRate, ok := sender.UpdateRate[receiver.NetworkID]
	if !ok {
		return
	}

	effective := receiverRate.Rate
	if senderRate.Rate < effective {
		effective = senderRate.Rate
	}
	interval := time.Second / time.Duration(effective)
	if now.Sub(receiverRate.LastSent) < interval {
		return
	}

	sentAny := false
	if sender.LastPositionBytes != nil {
		c.sendTelemetry(receiver, OpPosition, sender.NetworkID, effective, sender.LastPositionBytes)
		sentAny = true
	}
	if sender.LastSkeletalBytes != nil {
		c.sendTelemetry(receiver, OpSkeletal, sender.NetworkID, effective, sender.LastSkeletalBytes)
		sentAny = true
	}
	if sentAny {
		receiverRate.LastSent = now
	}
}

// sendTelemetry strips the sender-supplied network-id prefix from a
// cached payload and re-wraps it with the server's authoritative
// network id, so a peer cannot spoof another's identity by crafting
// that prefix.
func (c *Core) sendTelemetry(receiver *Client, opcode int16, senderID int16, rate uint8, cached []byte) {
	body := cached
	if len(body) >= 2 {
		body = body[2:]
	}

	frame := codec.New(8 + len(body))
	frame.WriteI16(opcode)
	frame.WriteI16(senderID)
	frame.WriteU8(rate)
	frame.WriteBytes(body, false)

	c.sendTo(receiver, MsgReliable, ChannelTelemetry, frame.ToBytes())
}

func (c *Core) clientsExcept(self *Client) map[*Client]struct{} {
	out := make(map[*Client]struct{}, len(c.clients))
	for _, other := range c.clients {
		if other == self {
			continue
		}
		out[other] = struct{}{}
	}
	return out
}

func (c *Core) sendTo(client *Client, msgType MsgType, channel uint8, payload []byte) {
	if _, err := c.send.Send(client.Addr, msgType, channel, payload); err != nil {
		c.log.WithError(err).WithField("endpoint", client.Endpoint).Warn("send failed")
	}
}
