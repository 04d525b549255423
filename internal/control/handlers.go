package control

import (
	"errors"
	"net"

	"github.com/sirupsen/logrus"

	"gtpud/internal/registry"
	"gtpud/internal/supervisor"
)

// registryAPI is the subset of *registry.Registry the handlers need, seamed
// out so tests can supply a fake registry without touching the registry
// package's own (unexported) socket/TUN injection points.
type registryAPI interface {
	TunnelCreate(registry.TunnelParams) (*registry.Tunnel, error)
	TunnelDestroy(bind registry.AddrKey, rxTEID uint32) error
	HasNamespace(name string) bool
	Reset()
}

// supervisorAPI is the subset of *supervisor.Supervisor the handlers need.
type supervisorAPI interface {
	Start(supervisor.StartParams) (int, error)
	KillAll()
	KillClient(pids []int)
}

// Daemon wires a registry and a supervisor into the control.Handlers the
// Server dispatches to. It is the seam between the CUPS wire protocol and
// the rest of the process, grounded on original_source/daemon/main.c's
// command dispatch table.
type Daemon struct {
	Registry   registryAPI
	Supervisor supervisorAPI
	Log        *logrus.Entry
}

// Handlers returns the control.Handlers bound to d.
func (d *Daemon) Handlers() Handlers {
	return Handlers{
		CreateTun:    d.createTun,
		DestroyTun:   d.destroyTun,
		StartProgram: d.startProgram,
		ResetAll:     d.resetAllState,
		ClientClosed: d.Supervisor.KillClient,
	}
}

func (d *Daemon) createTun(req CreateTunReq) SimpleResult {
	userAddr, err := decodeUserAddr(req.UserAddrType, req.UserAddr)
	if err != nil {
		d.Log.WithError(err).Debug("create_tun: bad user_addr")
		return SimpleResult{Result: ResultErrInvalidData}
	}
	localIP, localPort, err := req.LocalGtpEp.Decode()
	if err != nil {
		d.Log.WithError(err).Debug("create_tun: bad local_gtp_ep")
		return SimpleResult{Result: ResultErrInvalidData}
	}
	remoteIP, remotePort, err := req.RemoteGtpEp.Decode()
	if err != nil {
		d.Log.WithError(err).Debug("create_tun: bad remote_gtp_ep")
		return SimpleResult{Result: ResultErrInvalidData}
	}

	_, err = d.Registry.TunnelCreate(registry.TunnelParams{
		LocalBind: registry.NewAddrKey(localIP, localPort),
		RxTEID:    req.RxTEID,
		TxTEID:    req.TxTEID,
		UserAddr:  userAddr,
		Remote:    &net.UDPAddr{IP: remoteIP, Port: remotePort},
		TunName:   req.TunDevName,
		TunNetns:  req.TunNetnsName,
	})
	if err != nil {
		// §9 open question: allocation failures on create_tun surface as
		// ERR_NOT_FOUND, not ERR_INVALID_DATA — preserved as a legacy wire
		// quirk rather than "fixed" to the more natural code.
		d.Log.WithError(err).Debug("create_tun failed")
		return SimpleResult{Result: ResultErrNotFound}
	}
	return SimpleResult{Result: ResultOK}
}

func (d *Daemon) destroyTun(req DestroyTunReq) SimpleResult {
	localIP, localPort, err := req.LocalGtpEp.Decode()
	if err != nil {
		d.Log.WithError(err).Debug("destroy_tun: bad local_gtp_ep")
		return SimpleResult{Result: ResultErrInvalidData}
	}

	bind := registry.NewAddrKey(localIP, localPort)
	if err := d.Registry.TunnelDestroy(bind, req.RxTEID); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return SimpleResult{Result: ResultErrNotFound}
		}
		d.Log.WithError(err).Debug("destroy_tun failed")
		return SimpleResult{Result: ResultErrInvalidData}
	}
	return SimpleResult{Result: ResultOK}
}

func (d *Daemon) startProgram(client *Client, req StartProgramReq) StartProgramRes {
	if req.TunNetnsName != "" && !d.Registry.HasNamespace(req.TunNetnsName) {
		return StartProgramRes{Result: ResultErrInvalidData, Pid: 0}
	}

	pid, err := d.Supervisor.Start(supervisor.StartParams{
		Command:     req.Command,
		RunAsUser:   req.RunAsUser,
		Environment: req.Environment,
		Netns:       req.TunNetnsName,
		OnExit: func(pid, exitCode int) {
			client.Notify(ProgramTermInd{Pid: pid, ExitCode: exitCode})
		},
	})
	if err != nil {
		d.Log.WithError(err).Debug("start_program failed")
		return StartProgramRes{Result: ResultErrInvalidData, Pid: 0}
	}
	client.trackPid(pid)
	return StartProgramRes{Result: ResultOK, Pid: pid}
}

func (d *Daemon) resetAllState() {
	d.Registry.Reset()
	d.Supervisor.KillAll()
}
