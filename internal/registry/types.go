package registry

import (
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"gtpud/internal/gtpu"
)

// maxGTPPacket bounds the decap worker's read buffer: an MTU-sized user
// packet plus a GTP1-U header, generous enough for any realistic inner MTU.
const maxGTPPacket = 65535

// maxIPPacket bounds the encap worker's read buffer similarly, reserving
// room at the front of the buffer for the GTP1-U header the uplink path
// prepends in place.
const maxIPPacket = 65535 - gtpu.HeaderLen

// AddrKey is a full-sockaddr equality key (family, address bytes, port),
// matching the registry's "endpoint dedup: bound-address equality" rule.
type AddrKey struct {
	Family uint16
	Addr   [16]byte
	Port   uint16
}

// NewAddrKey builds the dedup key for ip:port.
func NewAddrKey(ip net.IP, port int) AddrKey {
	var k AddrKey
	if v4 := ip.To4(); v4 != nil {
		k.Family = unix.AF_INET
		copy(k.Addr[:4], v4)
	} else {
		k.Family = unix.AF_INET6
		copy(k.Addr[:], ip.To16())
	}
	k.Port = uint16(port)
	return k
}

// IP reconstructs the net.IP this key was built from.
func (k AddrKey) IP() net.IP {
	if k.Family == unix.AF_INET {
		ip := make(net.IP, 4)
		copy(ip, k.Addr[:4])
		return ip
	}
	ip := make(net.IP, 16)
	copy(ip, k.Addr[:])
	return ip
}

type tunKey struct {
	Name  string
	Netns string
}

type tunnelKey struct {
	Local  AddrKey
	RxTEID uint32
}

type epTEIDKey struct {
	Endpoint *Endpoint
	TEID     uint32
}

// endpointConn is the subset of *net.UDPConn the endpoint worker and the
// uplink sender need. Grounded on the teacher's datagramConn abstraction
// (peppechiapparo-mpquic/cmd/mpquic/main.go) that lets workers be driven by
// either a real socket or, in tests, a fake.
type endpointConn interface {
	Read(p []byte) (int, error)
	WriteToUDP(p []byte, addr *net.UDPAddr) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// tunIface is the subset of *netadapter.TunIface the tun worker needs.
type tunIface interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Endpoint is a UDP socket bound to one local address, shared by every
// tunnel that rx's on it. Owns a background decap worker.
type Endpoint struct {
	BindAddr AddrKey
	Name     string

	conn     endpointConn
	useCount int
	closed   atomic.Bool
}

// TunDevice is a kernel TUN interface, optionally namespace-scoped. Owns a
// background encap worker.
type TunDevice struct {
	Name  string
	Netns string

	iface    tunIface
	useCount int
	closed   atomic.Bool
}

// Tunnel binds one (local endpoint, rx TEID) pair to one (TUN device, user
// address, remote endpoint, tx TEID) pair.
type Tunnel struct {
	LocalBind AddrKey
	RxTEID    uint32
	TxTEID    uint32
	UserAddr  net.IP
	Endpoint  *Endpoint
	Tun       *TunDevice
	Remote    *net.UDPAddr
}
