package registry

import (
	"gtpud/internal/gtpu"
)

// endpointWorker is the downlink half-duplex forwarder for ep: decapsulate
// GTP1-U, dispatch by TEID, write the inner payload to the target TUN.
// Grounded on original_source/daemon/gtp_endpoint.c's gtp_endpoint_thread
// and generalized from the teacher's per-resource read-loop goroutine
// (runTunnelWithTUN's tun.Read loop / multipathConn.recvLoop).
func (r *Registry) endpointWorker(ep *Endpoint) {
	buf := make([]byte, maxGTPPacket)
	log := r.log.WithField("endpoint", ep.Name)

	for {
		n, err := ep.conn.Read(buf)
		if err != nil {
			if ep.closed.Load() {
				return
			}
			// Socket-fatal errors terminate the process: the daemon
			// chooses crash-over-corrupt for unrecoverable I/O.
			log.WithError(err).Fatal("fatal read error on gtp endpoint")
		}

		hdr, payload, err := gtpu.Parse(buf[:n])
		if err != nil {
			log.WithError(err).Debug("dropping malformed gtp-u packet")
			continue
		}

		t, ok := r.TunnelFind(hdr.TEID, ep)
		if !ok {
			log.WithField("teid", hdr.TEID).Debug("no tunnel for teid, dropping")
			continue
		}

		// The write happens after the read lock is released, so the tunnel
		// may be destroyed and its TUN device closed in between; a write
		// error on a device already marked closed drops the packet instead
		// of being treated as fatal.
		if _, err := t.Tun.iface.Write(payload); err != nil {
			if t.Tun.closed.Load() {
				continue
			}
			log.WithError(err).WithField("tun", t.Tun.Name).Fatal("fatal write error on tun device")
		}
	}
}
