//go:build linux

package netadapter

import (
	"fmt"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// TunIface is a kernel TUN device opened inside some network namespace.
// It carries raw L3 frames, no link-layer header (water.Config{DeviceType:
// water.TUN}, same as the teacher's runTunnel/runTunnelWithTUN).
type TunIface struct {
	Name string
	dev  *water.Interface
}

func (t *TunIface) Read(p []byte) (int, error)  { return t.dev.Read(p) }
func (t *TunIface) Write(p []byte) (int, error) { return t.dev.Write(p) }
func (t *TunIface) Close() error                { return t.dev.Close() }

// OpenTUN allocates (or attaches to) a TUN interface named name inside the
// network namespace netnsName (the current namespace if empty), brings the
// link up, and returns it opened and ready for Read/Write.
func OpenTUN(name, netnsName string) (*TunIface, error) {
	var iface *water.Interface

	err := WithNamespace(netnsName, func() error {
		cfg := water.Config{
			DeviceType:             water.TUN,
			PlatformSpecificParams: water.PlatformSpecificParams{Name: name},
		}
		dev, err := water.New(cfg)
		if err != nil {
			return fmt.Errorf("tun alloc %s: %w", name, err)
		}

		link, err := netlink.LinkByName(dev.Name())
		if err != nil {
			dev.Close()
			return fmt.Errorf("link by name %s: %w", dev.Name(), err)
		}
		if err := netlink.LinkSetUp(link); err != nil {
			dev.Close()
			return fmt.Errorf("link up %s: %w", dev.Name(), err)
		}

		iface = dev
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &TunIface{Name: iface.Name(), dev: iface}, nil
}
