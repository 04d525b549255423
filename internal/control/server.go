package control

import (
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/ishidawataru/sctp"
	"github.com/sirupsen/logrus"
)

// maxPDU bounds a single control message; generous for the PDU schema in §6,
// none of which carries unbounded fields.
const maxPDU = 1 << 16

// Handlers is the set of command callbacks the server dispatches to. The
// command callbacks other than ResetAll return the response body to wrap in
// the matching "<cmd>_res" envelope; reset_all_state always answers OK.
type Handlers struct {
	CreateTun    func(CreateTunReq) SimpleResult
	DestroyTun   func(DestroyTunReq) SimpleResult
	StartProgram func(client *Client, req StartProgramReq) StartProgramRes
	ResetAll     func()
	// ClientClosed is called with every pid the client started, once its
	// connection closes, so they can be SIGKILLed per §4.4.
	ClientClosed func(pids []int)
}

// Server accepts CUPS connections on an SCTP one-to-one socket and dispatches
// each decoded message to Handlers. All dispatch is serialised through
// dispatchMu, matching the daemon's single control-thread allocator affinity
// (§5); srvMu only guards the set of connected clients.
type Server struct {
	ln *sctp.SCTPListener

	handlers Handlers
	log      *logrus.Entry

	srvMu   sync.Mutex
	clients map[*Client]struct{}

	// dispatchMu serialises every handler invocation across all client
	// goroutines, standing in for the daemon's single control-thread
	// allocator affinity (§5): registry mutation must never run concurrently
	// with itself even though each connection has its own goroutine.
	dispatchMu sync.Mutex
}

// Client is one accepted CUPS connection: owns the subprocesses it started
// and the connection used to push unsolicited program_term_ind notifications.
type Client struct {
	conn net.Conn
	mu   sync.Mutex // guards writes to conn, shared with the server's response path

	pidsMu sync.Mutex
	pids   []int

	srv *Server
	log *logrus.Entry
}

// trackPid records that the client started pid, so it can be killed on
// disconnect (§3: "CupsClient... Owns the subprocesses it started").
func (c *Client) trackPid(pid int) {
	c.pidsMu.Lock()
	defer c.pidsMu.Unlock()
	c.pids = append(c.pids, pid)
}

func (c *Client) pidsSnapshot() []int {
	c.pidsMu.Lock()
	defer c.pidsMu.Unlock()
	return append([]int(nil), c.pids...)
}

// NewServer binds addr (e.g. "localhost:4268") on an SCTP one-to-one socket.
func NewServer(addr string, h Handlers, log *logrus.Entry) (*Server, error) {
	laddr, err := sctp.ResolveSCTPAddr("sctp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := sctp.ListenSCTP("sctp", laddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln:       ln,
		handlers: h,
		log:      log,
		clients:  make(map[*Client]struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting new connections; already-accepted clients are left
// running.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return err
		}
		c := &Client{conn: conn, srv: s, log: s.log.WithField("remote", conn.RemoteAddr())}
		s.srvMu.Lock()
		s.clients[c] = struct{}{}
		s.srvMu.Unlock()
		go c.serve()
	}
}

func isClosedErr(err error) bool {
	return err == io.EOF || err == net.ErrClosed
}

// Notify delivers an unsolicited program_term_ind to c, best-effort; a dead
// connection silently drops the notification (the client already gone).
func (c *Client) Notify(ind ProgramTermInd) {
	raw, err := encodeEnvelope("program_term_ind", ind)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.conn.Write(raw)
}

// serve reads one complete PDU per Read(), per the transport's own framing
// (§4.4: "each receive yields a complete application message") — no
// delimiter is invented on top of it, since a conformant peer using
// sctp_sendmsg (original_source/daemon/main.c's sctp_recvmsg counterpart)
// never appends one.
func (c *Client) serve() {
	defer func() {
		c.srv.srvMu.Lock()
		delete(c.srv.clients, c)
		c.srv.srvMu.Unlock()
		_ = c.conn.Close()
		if c.srv.handlers.ClientClosed != nil {
			c.srv.handlers.ClientClosed(c.pidsSnapshot())
		}
	}()

	buf := make([]byte, maxPDU)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if !isClosedErr(err) && err != io.EOF {
				c.log.WithError(err).Debug("read from control client failed")
			}
			return
		}
		if n == 0 {
			continue
		}

		resp := c.dispatch(buf[:n])
		if resp == nil {
			continue
		}
		c.mu.Lock()
		_, err = c.conn.Write(resp)
		c.mu.Unlock()
		if err != nil {
			c.log.WithError(err).Debug("write to control client failed")
			return
		}
	}
}

// dispatch decodes one message and runs its handler, returning the encoded
// response. A malformed envelope or unknown command still produces a
// best-effort response per §4.4, keyed under the literal command name when
// known, or a bare error envelope otherwise.
func (c *Client) dispatch(msg []byte) []byte {
	name, body, err := decodeEnvelope(msg)
	if err != nil {
		c.log.WithError(err).Debug("malformed control message")
		raw, _ := json.Marshal(SimpleResult{Result: ResultErrInvalidData})
		return raw
	}

	c.srv.dispatchMu.Lock()
	defer c.srv.dispatchMu.Unlock()

	switch name {
	case "create_tun":
		var req CreateTunReq
		if err := json.Unmarshal(body, &req); err != nil {
			return mustEnvelope("create_tun_res", SimpleResult{Result: ResultErrInvalidData})
		}
		return mustEnvelope("create_tun_res", c.srv.handlers.CreateTun(req))

	case "destroy_tun":
		var req DestroyTunReq
		if err := json.Unmarshal(body, &req); err != nil {
			return mustEnvelope("destroy_tun_res", SimpleResult{Result: ResultErrInvalidData})
		}
		return mustEnvelope("destroy_tun_res", c.srv.handlers.DestroyTun(req))

	case "start_program":
		var req StartProgramReq
		if err := json.Unmarshal(body, &req); err != nil {
			return mustEnvelope("start_program_res", StartProgramRes{Result: ResultErrInvalidData})
		}
		return mustEnvelope("start_program_res", c.srv.handlers.StartProgram(c, req))

	case "reset_all_state":
		c.srv.handlers.ResetAll()
		return mustEnvelope("reset_all_state_res", SimpleResult{Result: ResultOK})

	default:
		c.log.WithField("command", name).Debug("unknown control command")
		raw, _ := json.Marshal(SimpleResult{Result: ResultErrInvalidData})
		return raw
	}
}

func mustEnvelope(name string, body any) []byte {
	raw, err := encodeEnvelope(name, body)
	if err != nil {
		// body types are all plain structs of primitives; Marshal cannot fail.
		panic(err)
	}
	return raw
}
