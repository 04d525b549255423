// Package registry is the concurrent object graph at the heart of the
// daemon: GTP endpoints, TUN devices and the tunnels binding them, with
// reference counting, uniqueness invariants and two-direction lookup
// indexes, all serialized by one multi-reader/single-writer lock. It is
// generalized from the teacher's multipathConn (peppechiapparo-mpquic):
// the same shape — a handful of maps behind one sync.RWMutex, workers that
// only ever take the read side — scaled from "paths" to "endpoints / tun
// devices / tunnels".
package registry

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"gtpud/internal/netadapter"
)

var (
	ErrNotFound      = errors.New("registry: not found")
	ErrAlreadyExists = errors.New("registry: tunnel already exists")
	ErrBind          = errors.New("registry: endpoint/tun allocation failed")
)

// TunnelParams is the parsed, validated input to TunnelCreate.
type TunnelParams struct {
	LocalBind AddrKey
	RxTEID    uint32
	TxTEID    uint32
	UserAddr  net.IP
	Remote    *net.UDPAddr
	TunName   string
	TunNetns  string
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithEndpointDialer overrides how Registry opens GTP endpoints; used by
// tests to avoid binding real sockets.
func WithEndpointDialer(f func(AddrKey) (endpointConn, error)) Option {
	return func(r *Registry) { r.dialEndpoint = f }
}

// WithTunAllocator overrides how Registry allocates TUN devices; used by
// tests since opening a real TUN device requires root and /dev/net/tun.
func WithTunAllocator(f func(name, netns string) (tunIface, error)) Option {
	return func(r *Registry) { r.allocTun = f }
}

// Registry holds the three entity arenas plus their lookup indexes.
type Registry struct {
	mu sync.RWMutex

	endpoints      map[AddrKey]*Endpoint
	tunDevices     map[tunKey]*TunDevice
	tunnels        map[tunnelKey]*Tunnel
	byEndpointTEID map[epTEIDKey]*Tunnel
	byTun          map[*TunDevice]*Tunnel

	dialEndpoint func(AddrKey) (endpointConn, error)
	allocTun     func(name, netns string) (tunIface, error)

	log *logrus.Entry
}

// New builds an empty Registry backed by real sockets and TUN devices.
func New(log *logrus.Entry, opts ...Option) *Registry {
	r := &Registry{
		endpoints:      make(map[AddrKey]*Endpoint),
		tunDevices:     make(map[tunKey]*TunDevice),
		tunnels:        make(map[tunnelKey]*Tunnel),
		byEndpointTEID: make(map[epTEIDKey]*Tunnel),
		byTun:          make(map[*TunDevice]*Tunnel),
		log:            log,
	}
	r.dialEndpoint = func(bind AddrKey) (endpointConn, error) {
		return netadapter.BindUDP(bind.IP(), int(bind.Port))
	}
	r.allocTun = func(name, netns string) (tunIface, error) {
		return netadapter.OpenTUN(name, netns)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// EndpointFindOrCreate returns the endpoint bound to bind, creating and
// binding one if none exists yet. Must only be called from the control
// goroutine (allocation is single-threaded, see SPEC_FULL.md §5).
func (r *Registry) EndpointFindOrCreate(bind AddrKey) (*Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[bind]; ok {
		ep.useCount++
		return ep, nil
	}

	conn, err := r.dialEndpoint(bind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}
	ep := &Endpoint{
		BindAddr: bind,
		Name:     conn.LocalAddr().String(),
		conn:     conn,
		useCount: 1,
	}
	r.endpoints[bind] = ep
	go r.endpointWorker(ep)
	r.log.WithField("endpoint", ep.Name).Info("gtp endpoint created")
	return ep, nil
}

// TunFindOrCreate returns the TUN device named name in namespace netns,
// creating it if none exists yet.
func (r *Registry) TunFindOrCreate(name, netns string) (*TunDevice, error) {
	key := tunKey{Name: name, Netns: netns}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tunDevices[key]; ok {
		t.useCount++
		return t, nil
	}

	iface, err := r.allocTun(name, netns)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}
	t := &TunDevice{Name: name, Netns: netns, iface: iface, useCount: 1}
	r.tunDevices[key] = t
	go r.tunWorker(t)
	r.log.WithFields(logrus.Fields{"tun": name, "netns": netns}).Info("tun device created")
	return t, nil
}

// TunnelCreate acquires (or creates) the endpoint and TUN device named in p,
// then inserts a tunnel keyed by (p.LocalBind, p.RxTEID). A conflicting key
// releases the freshly acquired references and fails with ErrAlreadyExists.
func (r *Registry) TunnelCreate(p TunnelParams) (*Tunnel, error) {
	ep, err := r.EndpointFindOrCreate(p.LocalBind)
	if err != nil {
		return nil, err
	}
	tun, err := r.TunFindOrCreate(p.TunName, p.TunNetns)
	if err != nil {
		r.mu.Lock()
		r.releaseEndpointLocked(ep)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := tunnelKey{Local: p.LocalBind, RxTEID: p.RxTEID}
	if _, exists := r.tunnels[key]; exists {
		r.releaseTunLocked(tun)
		r.releaseEndpointLocked(ep)
		return nil, ErrAlreadyExists
	}

	t := &Tunnel{
		LocalBind: p.LocalBind,
		RxTEID:    p.RxTEID,
		TxTEID:    p.TxTEID,
		UserAddr:  p.UserAddr,
		Endpoint:  ep,
		Tun:       tun,
		Remote:    p.Remote,
	}
	r.tunnels[key] = t
	r.byEndpointTEID[epTEIDKey{Endpoint: ep, TEID: p.RxTEID}] = t
	r.byTun[tun] = t
	r.log.WithFields(logrus.Fields{"rx_teid": p.RxTEID, "tx_teid": p.TxTEID}).Info("tunnel created")
	return t, nil
}

// TunnelDestroy unlinks and releases the tunnel keyed by (bind, rxTEID).
// Releasing may cascade into destroying the endpoint and/or TUN device if
// their reference counts reach zero.
func (r *Registry) TunnelDestroy(bind AddrKey, rxTEID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tunnelKey{Local: bind, RxTEID: rxTEID}
	t, ok := r.tunnels[key]
	if !ok {
		return ErrNotFound
	}

	delete(r.tunnels, key)
	delete(r.byEndpointTEID, epTEIDKey{Endpoint: t.Endpoint, TEID: rxTEID})
	delete(r.byTun, t.Tun)
	r.releaseEndpointLocked(t.Endpoint)
	r.releaseTunLocked(t.Tun)
	r.log.WithField("rx_teid", rxTEID).Info("tunnel destroyed")
	return nil
}

// TunnelFind looks up the tunnel receiving teid on ep. The returned handle
// is only valid transiently; callers must not retain it past a point where
// they assume the tunnel is still linked.
func (r *Registry) TunnelFind(teid uint32, ep *Endpoint) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byEndpointTEID[epTEIDKey{Endpoint: ep, TEID: teid}]
	return t, ok
}

// FindTunnelForTun returns the single tunnel currently bound to t, if any.
func (r *Registry) FindTunnelForTun(t *TunDevice) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tun, ok := r.byTun[t]
	return tun, ok
}

// HasNamespace reports whether any TUN device is currently registered in
// the named namespace, used by start_program to validate tun_netns_name.
func (r *Registry) HasNamespace(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.tunDevices {
		if k.Netns == name {
			return true
		}
	}
	return false
}

// Reset destroys every tunnel, which in turn drains every endpoint and TUN
// device via the refcount cascade. After Reset, all three entity lists are
// empty.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, t := range r.tunnels {
		delete(r.tunnels, key)
		delete(r.byEndpointTEID, epTEIDKey{Endpoint: t.Endpoint, TEID: t.RxTEID})
		delete(r.byTun, t.Tun)
		r.releaseEndpointLocked(t.Endpoint)
		r.releaseTunLocked(t.Tun)
	}
	r.log.Info("registry reset")
}

// releaseEndpointLocked drops one reference on ep; the caller must hold
// r.mu for writing. Destroys ep (cancels its worker by closing the socket)
// once the count reaches zero.
func (r *Registry) releaseEndpointLocked(ep *Endpoint) {
	ep.useCount--
	if ep.useCount > 0 {
		return
	}
	delete(r.endpoints, ep.BindAddr)
	ep.closed.Store(true)
	_ = ep.conn.Close()
	r.log.WithField("endpoint", ep.Name).Info("gtp endpoint destroyed")
}

// releaseTunLocked drops one reference on t; the caller must hold r.mu for
// writing. Destroys t once the count reaches zero.
func (r *Registry) releaseTunLocked(t *TunDevice) {
	t.useCount--
	if t.useCount > 0 {
		return
	}
	delete(r.tunDevices, tunKey{Name: t.Name, Netns: t.Netns})
	t.closed.Store(true)
	_ = t.iface.Close()
	r.log.WithField("tun", t.Name).Info("tun device destroyed")
}
