//go:build linux

package netadapter

import "net"

// BindUDP opens and binds a UDP socket at ip:port, choosing the udp4/udp6
// network by the address family the same way the registry's AddrKey does,
// so GtpEndpoint dedup (full sockaddr comparison: family, address, port)
// and the actual bind always agree.
func BindUDP(ip net.IP, port int) (*net.UDPConn, error) {
	network := "udp4"
	if ip.To4() == nil {
		network = "udp6"
	}
	return net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: port})
}
