package registry

import "gtpud/internal/gtpu"

// tunWorker is the uplink half-duplex forwarder for t: read a raw L3 frame,
// prepend a GTP1-U header addressed to the bound tunnel's tx TEID, and send
// it out the tunnel's endpoint socket to the remote endpoint. Generalized
// from the teacher's tun.Read loop (runTunnelWithTUN) which forwarded raw
// bytes over a datagramConn; here the same loop prepends a GTP1-U header
// instead.
func (r *Registry) tunWorker(t *TunDevice) {
	buf := make([]byte, gtpu.HeaderLen+maxIPPacket)
	log := r.log.WithField("tun", t.Name)

	for {
		n, err := t.iface.Read(buf[gtpu.HeaderLen:])
		if err != nil {
			if t.closed.Load() {
				return
			}
			log.WithError(err).Fatal("fatal read error on tun device")
		}

		tun, ok := r.FindTunnelForTun(t)
		if !ok {
			log.Debug("no tunnel bound to this tun device, dropping")
			continue
		}

		gtpu.Encode(buf[:gtpu.HeaderLen], tun.TxTEID, n)
		pkt := buf[:gtpu.HeaderLen+n]

		if _, err := tun.Endpoint.conn.WriteToUDP(pkt, tun.Remote); err != nil {
			log.WithError(err).Debug("send to remote gtp endpoint failed, dropping")
		}
	}
}
