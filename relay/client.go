package relay

import (
	"net"
	"time"
)

// UpdateRate is one entry of a Client's requested-rate table: the
// updates-per-second a client has asked to receive about a given peer,
// and the last time the server actually emitted one.
type UpdateRate struct {
	Rate     uint8 // clamped to [1, 60]
	LastSent time.Time
}

// Client is the relay-level state for one authenticated, connected peer.
// It is mutated only from the main tick goroutine; see the package doc.
type Client struct {
	Addr      net.Addr
	Endpoint  string
	NetworkID int16
	UserID    string
	JoinedAt  time.Time

	// CanHear is the set of peer network ids whose voice this client
	// wants to receive. Voice relay additionally requires the other
	// side to list this client back (mutual consent).
	CanHear map[int16]struct{}

	// UpdateRate is keyed by the OTHER client's network id.
	UpdateRate map[int16]*UpdateRate

	LastPositionBytes []byte
	LastSkeletalBytes []byte
}

func newClient(addr net.Addr, endpoint string, networkID int16, userID string, now time.Time) *Client {
	return &Client{
		Addr:       addr,
		Endpoint:   endpoint,
		NetworkID:  networkID,
		UserID:     userID,
		JoinedAt:   now,
		CanHear:    make(map[int16]struct{}),
		UpdateRate: make(map[int16]*UpdateRate),
	}
}

func (c *Client) hears(networkID int16) bool {
	_, ok := c.CanHear[networkID]
	return ok
}
