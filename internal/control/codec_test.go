package control

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpointAddrRoundTrip(t *testing.T) {
	ip := net.ParseIP("127.0.0.1")
	ep := NewEndpointAddr(ip, 2152)
	require.Equal(t, AddrIPv4, ep.AddrType)
	require.Equal(t, "7f000001", ep.IP)

	gotIP, gotPort, err := ep.Decode()
	require.NoError(t, err)
	require.True(t, ip.Equal(gotIP))
	require.Equal(t, 2152, gotPort)
}

func TestEndpointAddrRoundTripIPv6(t *testing.T) {
	ip := net.ParseIP("::1")
	ep := NewEndpointAddr(ip, 1)
	require.Equal(t, AddrIPv6, ep.AddrType)

	gotIP, _, err := ep.Decode()
	require.NoError(t, err)
	require.True(t, ip.Equal(gotIP))
}

func TestDecodeUserAddrBadLength(t *testing.T) {
	_, err := decodeUserAddr(AddrIPv4, "0a00")
	require.Error(t, err)
}

func TestDecodeUserAddrUnknownType(t *testing.T) {
	_, err := decodeUserAddr("BOGUS", "0a000001")
	require.Error(t, err)
}

func TestDecodeEnvelopeRejectsMultipleKeys(t *testing.T) {
	_, _, err := decodeEnvelope([]byte(`{"a":1,"b":2}`))
	require.Error(t, err)
}

func TestDecodeEnvelopeRejectsMalformedJSON(t *testing.T) {
	_, _, err := decodeEnvelope([]byte(`{not json`))
	require.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	raw, err := encodeEnvelope("create_tun_res", SimpleResult{Result: ResultOK})
	require.NoError(t, err)

	name, body, err := decodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, "create_tun_res", name)

	var got SimpleResult
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, ResultOK, got.Result)
}
