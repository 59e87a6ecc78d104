// Package netif is the interface-configuration collaborator: it installs
// and removes addresses, routes and MTU on a link. The session loop only
// talks to the Configurator interface; the netlink implementation lives
// behind it so protocol tests never touch the kernel.
package netif

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// LifetimeForever is the netlink sentinel for a permanent address lifetime.
const LifetimeForever = 0xffffffff

// Configurator applies provisioning results to an interface.
type Configurator interface {
	// AddAddress installs or refreshes an address with the given lifetimes
	// in seconds. LifetimeForever marks a permanent address.
	AddAddress(iface string, prefix netip.Prefix, preferredSecs, validSecs uint32) error
	RemoveAddress(iface string, prefix netip.Prefix) error

	// AddRoute installs a route via gw. An invalid gw installs an on-link
	// route. Replaces any existing route to the same destination.
	AddRoute(iface string, dst netip.Prefix, gw netip.Addr) error
	RemoveRoute(iface string, dst netip.Prefix, gw netip.Addr) error

	SetMTU(iface string, mtu int) error

	// FlushAddresses removes every address on the link except the IPv6
	// link-local address, which the kernel owns.
	FlushAddresses(iface string) error

	// LinkInfo returns the hardware address and interface index.
	LinkInfo(iface string) (net.HardwareAddr, int, error)
}

// Netlink is the kernel-backed Configurator.
type Netlink struct {
	handle *netlink.Handle
}

// NewNetlink opens a netlink handle.
func NewNetlink() (*Netlink, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return &Netlink{handle: h}, nil
}

// Close releases the netlink handle.
func (n *Netlink) Close() {
	n.handle.Close()
}

// AddAddress implements Configurator.
func (n *Netlink) AddAddress(iface string, prefix netip.Prefix, preferredSecs, validSecs uint32) error {
	link, err := n.handle.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	addr := &netlink.Addr{
		IPNet:       prefixToIPNet(prefix),
		PreferedLft: int(preferredSecs),
		ValidLft:    int(validSecs),
	}
	if err := n.handle.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("addr replace %s: %w", prefix, err)
	}
	return nil
}

// RemoveAddress implements Configurator.
func (n *Netlink) RemoveAddress(iface string, prefix netip.Prefix) error {
	link, err := n.handle.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	addr := &netlink.Addr{IPNet: prefixToIPNet(prefix)}
	if err := n.handle.AddrDel(link, addr); err != nil {
		return fmt.Errorf("addr del %s: %w", prefix, err)
	}
	return nil
}

// AddRoute implements Configurator.
func (n *Netlink) AddRoute(iface string, dst netip.Prefix, gw netip.Addr) error {
	link, err := n.handle.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       prefixToIPNet(dst),
	}
	if gw.IsValid() {
		route.Gw = gw.AsSlice()
	}
	if err := n.handle.RouteReplace(route); err != nil {
		return fmt.Errorf("route replace %s: %w", dst, err)
	}
	return nil
}

// RemoveRoute implements Configurator.
func (n *Netlink) RemoveRoute(iface string, dst netip.Prefix, gw netip.Addr) error {
	link, err := n.handle.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       prefixToIPNet(dst),
	}
	if gw.IsValid() {
		route.Gw = gw.AsSlice()
	}
	if err := n.handle.RouteDel(route); err != nil {
		return fmt.Errorf("route del %s: %w", dst, err)
	}
	return nil
}

// SetMTU implements Configurator.
func (n *Netlink) SetMTU(iface string, mtu int) error {
	link, err := n.handle.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	if err := n.handle.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("set mtu %d: %w", mtu, err)
	}
	return nil
}

// FlushAddresses implements Configurator.
func (n *Netlink) FlushAddresses(iface string) error {
	link, err := n.handle.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", iface, err)
	}
	addrs, err := n.handle.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("addr list %s: %w", iface, err)
	}
	for _, a := range addrs {
		if a.IP.IsLinkLocalUnicast() && a.IP.To4() == nil {
			continue
		}
		if err := n.handle.AddrDel(link, &a); err != nil {
			slog.Warn("netif: failed to flush address",
				"interface", iface, "address", a.IPNet, "err", err)
		}
	}
	return nil
}

// LinkInfo implements Configurator.
func (n *Netlink) LinkInfo(iface string) (net.HardwareAddr, int, error) {
	link, err := n.handle.LinkByName(iface)
	if err != nil {
		return nil, 0, fmt.Errorf("link lookup %s: %w", iface, err)
	}
	attrs := link.Attrs()
	return attrs.HardwareAddr, attrs.Index, nil
}

// prefixToIPNet converts netip.Prefix to *net.IPNet.
func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
