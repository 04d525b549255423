package control

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gtpud/internal/registry"
	"gtpud/internal/supervisor"
)

// fakeRegistry is a minimal registryAPI double driven entirely by its
// configured return values, letting handler tests exercise the result-code
// mapping without a real socket or TUN device.
type fakeRegistry struct {
	createErr   error
	destroyErr  error
	hasNetns    map[string]bool
	resetCalled bool
}

func (f *fakeRegistry) TunnelCreate(registry.TunnelParams) (*registry.Tunnel, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &registry.Tunnel{}, nil
}

func (f *fakeRegistry) TunnelDestroy(registry.AddrKey, uint32) error {
	return f.destroyErr
}

func (f *fakeRegistry) HasNamespace(name string) bool {
	return f.hasNetns[name]
}

func (f *fakeRegistry) Reset() {
	f.resetCalled = true
}

// fakeSupervisor is a minimal supervisorAPI double.
type fakeSupervisor struct {
	startPid    int
	startErr    error
	killAllN    int
	killClients [][]int
}

func (f *fakeSupervisor) Start(supervisor.StartParams) (int, error) {
	return f.startPid, f.startErr
}

func (f *fakeSupervisor) KillAll() { f.killAllN++ }

func (f *fakeSupervisor) KillClient(pids []int) {
	f.killClients = append(f.killClients, pids)
}

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return logrus.NewEntry(l)
}

func validCreateTunReq() CreateTunReq {
	return CreateTunReq{
		TxTEID:       1,
		RxTEID:       2,
		UserAddrType: AddrIPv4,
		UserAddr:     "0a000001",
		LocalGtpEp:   EndpointAddr{AddrType: AddrIPv4, IP: "7f000001", Port: 2152},
		RemoteGtpEp:  EndpointAddr{AddrType: AddrIPv4, IP: "7f000002", Port: 2152},
		TunDevName:   "tun0",
	}
}

func TestCreateTunOK(t *testing.T) {
	d := &Daemon{Registry: &fakeRegistry{}, Supervisor: &fakeSupervisor{}, Log: testEntry()}
	res := d.createTun(validCreateTunReq())
	require.Equal(t, ResultOK, res.Result)
}

func TestCreateTunDuplicateMapsToErrNotFound(t *testing.T) {
	d := &Daemon{
		Registry:   &fakeRegistry{createErr: registry.ErrAlreadyExists},
		Supervisor: &fakeSupervisor{},
		Log:        testEntry(),
	}
	res := d.createTun(validCreateTunReq())
	require.Equal(t, ResultErrNotFound, res.Result)
}

func TestCreateTunBadUserAddrIsInvalidData(t *testing.T) {
	d := &Daemon{Registry: &fakeRegistry{}, Supervisor: &fakeSupervisor{}, Log: testEntry()}
	req := validCreateTunReq()
	req.UserAddr = "zz"
	res := d.createTun(req)
	require.Equal(t, ResultErrInvalidData, res.Result)
}

func TestDestroyTunOK(t *testing.T) {
	d := &Daemon{Registry: &fakeRegistry{}, Supervisor: &fakeSupervisor{}, Log: testEntry()}
	res := d.destroyTun(DestroyTunReq{
		LocalGtpEp: EndpointAddr{AddrType: AddrIPv4, IP: "7f000001", Port: 2152},
		RxTEID:     2,
	})
	require.Equal(t, ResultOK, res.Result)
}

func TestDestroyTunNotFound(t *testing.T) {
	d := &Daemon{
		Registry:   &fakeRegistry{destroyErr: registry.ErrNotFound},
		Supervisor: &fakeSupervisor{},
		Log:        testEntry(),
	}
	res := d.destroyTun(DestroyTunReq{
		LocalGtpEp: EndpointAddr{AddrType: AddrIPv4, IP: "7f000001", Port: 2152},
		RxTEID:     99,
	})
	require.Equal(t, ResultErrNotFound, res.Result)
	require.True(t, errors.Is(registry.ErrNotFound, registry.ErrNotFound))
}

func TestStartProgramUnknownNamespaceIsInvalidData(t *testing.T) {
	d := &Daemon{
		Registry:   &fakeRegistry{hasNetns: map[string]bool{}},
		Supervisor: &fakeSupervisor{startPid: 123},
		Log:        testEntry(),
	}
	client := &Client{log: testEntry()}
	res := d.startProgram(client, StartProgramReq{
		Command:      "/bin/true",
		RunAsUser:    "nobody",
		TunNetnsName: "no-such-namespace",
	})
	require.Equal(t, ResultErrInvalidData, res.Result)
	require.Equal(t, 0, res.Pid)
}

func TestStartProgramKnownNamespaceSucceeds(t *testing.T) {
	sup := &fakeSupervisor{startPid: 123}
	d := &Daemon{
		Registry:   &fakeRegistry{hasNetns: map[string]bool{"ue1": true}},
		Supervisor: sup,
		Log:        testEntry(),
	}
	client := &Client{log: testEntry()}
	res := d.startProgram(client, StartProgramReq{
		Command:      "/bin/true",
		RunAsUser:    "nobody",
		TunNetnsName: "ue1",
	})
	require.Equal(t, ResultOK, res.Result)
	require.Equal(t, 123, res.Pid)
	require.Equal(t, []int{123}, client.pidsSnapshot())
}

func TestStartProgramExecFailureIsInvalidData(t *testing.T) {
	d := &Daemon{
		Registry:   &fakeRegistry{},
		Supervisor: &fakeSupervisor{startErr: errors.New("exec failed")},
		Log:        testEntry(),
	}
	client := &Client{log: testEntry()}
	res := d.startProgram(client, StartProgramReq{Command: "/bin/true", RunAsUser: "nobody"})
	require.Equal(t, ResultErrInvalidData, res.Result)
	require.Equal(t, 0, res.Pid)
}

func TestResetAllStateResetsRegistryAndKillsSubprocesses(t *testing.T) {
	reg := &fakeRegistry{}
	sup := &fakeSupervisor{}
	d := &Daemon{Registry: reg, Supervisor: sup, Log: testEntry()}
	d.resetAllState()
	require.True(t, reg.resetCalled)
	require.Equal(t, 1, sup.killAllN)
}
