//go:build linux

// Package netadapter is the thin OS adapter named in the spec's component
// table: UDP socket binding, TUN device allocation, and network-namespace
// entry/restore. It is the only package allowed to touch raw sockets,
// ioctls or netns handles; everything above it talks in terms of
// net.IP/*net.UDPAddr and the small interfaces this package satisfies.
package netadapter

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// WithNamespace runs fn with the calling goroutine's OS thread switched into
// the named network namespace (resolved the same way `ip netns` does, via
// /var/run/netns/<name>), restoring the original namespace before returning
// on every exit path. An empty name runs fn in the current namespace.
//
// Namespace switches are a thread-affine mutation of kernel state (see the
// design notes in SPEC_FULL.md §6): the OS thread is locked for the
// duration so the Go runtime cannot migrate this goroutine to a different
// thread mid-switch.
func WithNamespace(name string, fn func() error) error {
	if name == "" {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("netns: save current namespace: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("netns: lookup %q: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("netns: enter %q: %w", name, err)
	}
	defer func() {
		if err := netns.Set(origin); err != nil {
			// Nothing further we can do from here; the thread is about to
			// be released back to the runtime in whatever namespace it's in.
			_ = err
		}
	}()

	return fn()
}
