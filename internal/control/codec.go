// Package control implements the CUPS wire protocol: a JSON-over-reliable-
// stream command/response channel, framed one message per transport receive.
// Grounded on the teacher's PDU types (peppechiapparo-mpquic's path-probe
// control messages) generalized to the create_tun/destroy_tun/start_program/
// reset_all_state command set of original_source/daemon/cups_*.c.
package control

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
)

// Result is the wire-level outcome enum carried by every *_res PDU.
type Result string

const (
	ResultOK             Result = "OK"
	ResultErrInvalidData Result = "ERR_INVALID_DATA"
	ResultErrNotFound    Result = "ERR_NOT_FOUND"
)

// AddrType selects the hex encoding width of an EndpointAddr/user address.
type AddrType string

const (
	AddrIPv4 AddrType = "IPV4"
	AddrIPv6 AddrType = "IPV6"
)

// EndpointAddr is the wire form of a GTP endpoint address: a type tag, a
// hex-encoded address, and a host-order port.
type EndpointAddr struct {
	AddrType AddrType `json:"addr_type"`
	IP       string   `json:"ip"`
	Port     uint16   `json:"Port"`
}

// Decode validates ep against its declared AddrType and returns the parsed
// net.IP and port.
func (ep EndpointAddr) Decode() (net.IP, int, error) {
	raw, err := hex.DecodeString(ep.IP)
	if err != nil {
		return nil, 0, fmt.Errorf("control: bad ip hex: %w", err)
	}
	switch ep.AddrType {
	case AddrIPv4:
		if len(raw) != 4 {
			return nil, 0, fmt.Errorf("control: ipv4 address must be 4 bytes, got %d", len(raw))
		}
	case AddrIPv6:
		if len(raw) != 16 {
			return nil, 0, fmt.Errorf("control: ipv6 address must be 16 bytes, got %d", len(raw))
		}
	default:
		return nil, 0, fmt.Errorf("control: unknown addr_type %q", ep.AddrType)
	}
	return net.IP(raw), int(ep.Port), nil
}

// NewEndpointAddr builds the wire form of ip:port.
func NewEndpointAddr(ip net.IP, port int) EndpointAddr {
	at := AddrIPv4
	b := ip.To4()
	if b == nil {
		at = AddrIPv6
		b = ip.To16()
	}
	return EndpointAddr{AddrType: at, IP: hex.EncodeToString(b), Port: uint16(port)}
}

// decodeUserAddr validates a user_addr_type/user_addr pair per §6: 4 hex
// bytes for IPV4, 16 for IPV6.
func decodeUserAddr(addrType AddrType, hexAddr string) (net.IP, error) {
	raw, err := hex.DecodeString(hexAddr)
	if err != nil {
		return nil, fmt.Errorf("control: bad user_addr hex: %w", err)
	}
	switch addrType {
	case AddrIPv4:
		if len(raw) != 4 {
			return nil, fmt.Errorf("control: user_addr must be 4 bytes for IPV4, got %d", len(raw))
		}
	case AddrIPv6:
		if len(raw) != 16 {
			return nil, fmt.Errorf("control: user_addr must be 16 bytes for IPV6, got %d", len(raw))
		}
	default:
		return nil, fmt.Errorf("control: unknown user_addr_type %q", addrType)
	}
	return net.IP(raw), nil
}

// CreateTunReq is the body of a create_tun command.
type CreateTunReq struct {
	TxTEID       uint32       `json:"tx_teid"`
	RxTEID       uint32       `json:"rx_teid"`
	UserAddrType AddrType     `json:"user_addr_type"`
	UserAddr     string       `json:"user_addr"`
	LocalGtpEp   EndpointAddr `json:"local_gtp_ep"`
	RemoteGtpEp  EndpointAddr `json:"remote_gtp_ep"`
	TunDevName   string       `json:"tun_dev_name"`
	TunNetnsName string       `json:"tun_netns_name,omitempty"`
}

// SimpleResult is the shared shape of create_tun_res/destroy_tun_res/
// reset_all_state_res.
type SimpleResult struct {
	Result Result `json:"result"`
}

// DestroyTunReq is the body of a destroy_tun command.
type DestroyTunReq struct {
	LocalGtpEp EndpointAddr `json:"local_gtp_ep"`
	RxTEID     uint32       `json:"rx_teid"`
}

// StartProgramReq is the body of a start_program command.
type StartProgramReq struct {
	Command      string   `json:"command"`
	Environment  []string `json:"environment,omitempty"`
	RunAsUser    string   `json:"run_as_user"`
	TunNetnsName string   `json:"tun_netns_name,omitempty"`
}

// StartProgramRes is the response to start_program.
type StartProgramRes struct {
	Result Result `json:"result"`
	Pid    int    `json:"pid"`
}

// ProgramTermInd is the unsolicited server→client notification sent when a
// subprocess started on a client's behalf terminates.
type ProgramTermInd struct {
	Pid      int `json:"pid"`
	ExitCode int `json:"exit_code"`
}

// envelope is the generic "exactly one key" wire shape every PDU uses. Raw
// payloads are decoded/encoded a second pass once the selecting key is known.
type envelope map[string]json.RawMessage

// decodeEnvelope parses a raw message into its single command key and body,
// failing if the object does not have exactly one key.
func decodeEnvelope(data []byte) (string, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("control: malformed json: %w", err)
	}
	if len(env) != 1 {
		return "", nil, fmt.Errorf("control: expected exactly one command key, got %d", len(env))
	}
	for k, v := range env {
		return k, v, nil
	}
	panic("unreachable")
}

// encodeEnvelope wraps body under the single key name.
func encodeEnvelope(name string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{name: raw})
}
