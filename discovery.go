package eidchat

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PeerHint is one advertisement received from the external discovery
// service: a human-readable hint and the endpoint it was seen at.
// Discovery is untrusted; all security comes from the handshake and the
// TOFU pin.
type PeerHint struct {
	DisplayHint string
	Endpoint    *net.UDPAddr
	SeenAt      time.Time
}

// hintRegistry keeps the latest advertisement per display hint.
type hintRegistry struct {
	mu    sync.Mutex
	hints map[string]PeerHint
}

// HandleDiscovery records an advertisement from the discovery layer. UIs
// read the result back through Nearby and dial through Dial once the user
// picks a peer.
func (c *Core) HandleDiscovery(displayHint string, ip net.IP, port int) {
	c.hintsOnce.Do(func() {
		c.hints = &hintRegistry{hints: make(map[string]PeerHint)}
	})

	hint := PeerHint{
		DisplayHint: displayHint,
		Endpoint:    &net.UDPAddr{IP: ip, Port: port},
		SeenAt:      time.Now(),
	}

	c.hints.mu.Lock()
	c.hints.hints[displayHint] = hint
	c.hints.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "HandleDiscovery",
		"package":  "eidchat",
		"hint":     displayHint,
		"endpoint": hint.Endpoint.String(),
	}).Debug("Discovery advertisement recorded")
}

// Nearby returns the advertisements seen so far.
func (c *Core) Nearby() []PeerHint {
	c.hintsOnce.Do(func() {
		c.hints = &hintRegistry{hints: make(map[string]PeerHint)}
	})

	c.hints.mu.Lock()
	defer c.hints.mu.Unlock()

	out := make([]PeerHint, 0, len(c.hints.hints))
	for _, h := range c.hints.hints {
		out = append(out, h)
	}
	return out
}

// Advertisement returns what the discovery layer should announce for this
// endpoint: the bound UDP port and the local display hint.
func (c *Core) Advertisement(displayHint string) (port int, hint string) {
	if addr, ok := c.transport.LocalAddr().(*net.UDPAddr); ok {
		port = addr.Port
	}
	return port, displayHint
}
