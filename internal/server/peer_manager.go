package server

import (
	"fmt"
	"strings"
	"sync"

	"github.com/moovy2/snitun/internal/protocol"
	"github.com/moovy2/snitun/internal/util"
)

// PeerManager maps hostnames and identities to live peers. A hostname is
// owned by at most one peer; a newer authenticated session evicts the older
// owner. The maps are mutated only from handshake completion and peer-death
// notifications, serialized on one mutex.
type PeerManager struct {
	mu         sync.Mutex
	byHostname map[string]*Peer
	byIdentity map[string]*Peer
}

// NewPeerManager creates an empty registry.
func NewPeerManager() *PeerManager {
	return &PeerManager{
		byHostname: make(map[string]*Peer),
		byIdentity: make(map[string]*Peer),
	}
}

// NormalizeHostname lowercases h and rejects anything that is not plain
// ASCII. Internationalized names must arrive in punycode form.
func NormalizeHostname(h string) (string, error) {
	if h == "" {
		return "", fmt.Errorf("%w: empty hostname", protocol.ErrAuthentication)
	}
	for i := 0; i < len(h); i++ {
		if h[i] > 0x7f {
			return "", fmt.Errorf("%w: non-ASCII hostname %q", protocol.ErrAuthentication, h)
		}
	}
	return strings.ToLower(h), nil
}

// Register inserts a started peer, atomically evicting any prior owner of
// its hostnames. An evicted peer left without hostnames is closed. Register
// also watches the peer and removes it again once its tunnel dies.
func (m *PeerManager) Register(peer *Peer) {
	var evicted []*Peer

	m.mu.Lock()
	if old, ok := m.byIdentity[peer.Identity()]; ok && old != peer {
		evicted = append(evicted, m.dissociate(old, old.hostnames)...)
	}
	for _, hostname := range peer.hostnames {
		if old, ok := m.byHostname[hostname]; ok && old != peer {
			util.LogInfo("hostname %s taken over by a newer session", hostname)
			evicted = append(evicted, m.dissociate(old, []string{hostname})...)
		}
		m.byHostname[hostname] = peer
	}
	m.byIdentity[peer.Identity()] = peer
	m.mu.Unlock()

	util.Stats.AddPeer()
	go func() {
		<-peer.Done()
		m.Remove(peer)
	}()

	// Closing can block on the drain deadline — do it off the lock.
	for _, old := range evicted {
		go old.Close()
	}
}

// dissociate removes hostnames from a peer's ownership and returns the peer
// when it ended up with none and must be closed. Caller holds the lock.
func (m *PeerManager) dissociate(peer *Peer, hostnames []string) []*Peer {
	for _, hostname := range hostnames {
		if m.byHostname[hostname] == peer {
			delete(m.byHostname, hostname)
		}
	}

	remaining := 0
	for _, hostname := range peer.hostnames {
		if m.byHostname[hostname] == peer {
			remaining++
		}
	}
	if remaining > 0 {
		return nil
	}
	delete(m.byIdentity, peer.Identity())
	util.Stats.RemovePeer()
	return []*Peer{peer}
}

// Remove drops every registry entry still pointing at peer and closes it.
func (m *PeerManager) Remove(peer *Peer) {
	removed := false

	m.mu.Lock()
	for hostname, owner := range m.byHostname {
		if owner == peer {
			delete(m.byHostname, hostname)
		}
	}
	if m.byIdentity[peer.Identity()] == peer {
		delete(m.byIdentity, peer.Identity())
		util.Stats.RemovePeer()
		removed = true
	}
	m.mu.Unlock()

	if removed {
		util.LogDebug("peer %x removed", peer.identity[:4])
	}
	peer.Close()
}

// GetByHostname resolves the peer owning a (normalized) hostname.
func (m *PeerManager) GetByHostname(hostname string) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.byHostname[hostname]
	return peer, ok
}

// Connections returns the number of registered peers.
func (m *PeerManager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byIdentity)
}
