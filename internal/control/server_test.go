package control

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"gtpud/internal/registry"
)

func newTestClient(h Handlers) *Client {
	return &Client{
		srv: &Server{handlers: h},
		log: testEntry(),
	}
}

func TestDispatchCreateTunOK(t *testing.T) {
	d := &Daemon{Registry: &fakeRegistry{}, Supervisor: &fakeSupervisor{}, Log: testEntry()}
	c := newTestClient(d.Handlers())

	msg, err := encodeEnvelope("create_tun", validCreateTunReq())
	require.NoError(t, err)

	resp := c.dispatch(msg)
	name, body, err := decodeEnvelope(resp)
	require.NoError(t, err)
	require.Equal(t, "create_tun_res", name)

	var got SimpleResult
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, ResultOK, got.Result)
}

func TestDispatchCreateTunDuplicateIsErrNotFound(t *testing.T) {
	d := &Daemon{
		Registry:   &fakeRegistry{createErr: registry.ErrAlreadyExists},
		Supervisor: &fakeSupervisor{},
		Log:        testEntry(),
	}
	c := newTestClient(d.Handlers())

	msg, err := encodeEnvelope("create_tun", validCreateTunReq())
	require.NoError(t, err)

	resp := c.dispatch(msg)
	_, body, err := decodeEnvelope(resp)
	require.NoError(t, err)

	var got SimpleResult
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, ResultErrNotFound, got.Result)
}

func TestDispatchDestroyTunNotFound(t *testing.T) {
	d := &Daemon{
		Registry:   &fakeRegistry{destroyErr: registry.ErrNotFound},
		Supervisor: &fakeSupervisor{},
		Log:        testEntry(),
	}
	c := newTestClient(d.Handlers())

	msg, err := encodeEnvelope("destroy_tun", DestroyTunReq{
		LocalGtpEp: EndpointAddr{AddrType: AddrIPv4, IP: "7f000001", Port: 2152},
		RxTEID:     99,
	})
	require.NoError(t, err)

	resp := c.dispatch(msg)
	name, body, err := decodeEnvelope(resp)
	require.NoError(t, err)
	require.Equal(t, "destroy_tun_res", name)

	var got SimpleResult
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, ResultErrNotFound, got.Result)
}

func TestDispatchStartProgramUnknownNamespaceIsInvalidData(t *testing.T) {
	d := &Daemon{
		Registry:   &fakeRegistry{hasNetns: map[string]bool{}},
		Supervisor: &fakeSupervisor{startPid: 7},
		Log:        testEntry(),
	}
	c := newTestClient(d.Handlers())

	msg, err := encodeEnvelope("start_program", StartProgramReq{
		Command:      "/bin/true",
		RunAsUser:    "nobody",
		TunNetnsName: "ghost",
	})
	require.NoError(t, err)

	resp := c.dispatch(msg)
	name, body, err := decodeEnvelope(resp)
	require.NoError(t, err)
	require.Equal(t, "start_program_res", name)

	var got StartProgramRes
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, ResultErrInvalidData, got.Result)
	require.Equal(t, 0, got.Pid)
}

func TestDispatchResetAllState(t *testing.T) {
	reg := &fakeRegistry{}
	sup := &fakeSupervisor{}
	d := &Daemon{Registry: reg, Supervisor: sup, Log: testEntry()}
	c := newTestClient(d.Handlers())

	msg, err := encodeEnvelope("reset_all_state", struct{}{})
	require.NoError(t, err)

	resp := c.dispatch(msg)
	_, body, err := decodeEnvelope(resp)
	require.NoError(t, err)

	var got SimpleResult
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, ResultOK, got.Result)
	require.True(t, reg.resetCalled)
	require.Equal(t, 1, sup.killAllN)
}

func TestDispatchMalformedJSONIsInvalidData(t *testing.T) {
	d := &Daemon{Registry: &fakeRegistry{}, Supervisor: &fakeSupervisor{}, Log: testEntry()}
	c := newTestClient(d.Handlers())

	resp := c.dispatch([]byte(`{not json`))
	var got SimpleResult
	require.NoError(t, json.Unmarshal(resp, &got))
	require.Equal(t, ResultErrInvalidData, got.Result)
}

func TestDispatchUnknownCommandIsInvalidData(t *testing.T) {
	d := &Daemon{Registry: &fakeRegistry{}, Supervisor: &fakeSupervisor{}, Log: testEntry()}
	c := newTestClient(d.Handlers())

	msg, err := encodeEnvelope("frobnicate", struct{}{})
	require.NoError(t, err)

	resp := c.dispatch(msg)
	var got SimpleResult
	require.NoError(t, json.Unmarshal(resp, &got))
	require.Equal(t, ResultErrInvalidData, got.Result)
}
