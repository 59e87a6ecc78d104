// Package rawsock provides the AF_PACKET frame transport the provisioning
// session sends and receives Ethernet frames through. Sessions only depend
// on the Conn interface; tests substitute an in-memory implementation.
package rawsock

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// Ethertypes accepted by Listen.
const (
	ProtoARP  = unix.ETH_P_ARP
	ProtoIPv4 = unix.ETH_P_IP
	ProtoIPv6 = unix.ETH_P_IPV6
)

// Conn is a bidirectional Ethernet frame transport bound to one interface
// and ethertype.
type Conn interface {
	// WriteTo sends a complete Ethernet frame. dst is the link-layer
	// destination for the sockaddr; the frame already carries it too.
	WriteTo(frame []byte, dst net.HardwareAddr) error
	ReadFrom(buf []byte) (int, net.HardwareAddr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// EtherConn is the kernel-backed Conn.
type EtherConn struct {
	pc  *packet.Conn
	ifi *net.Interface
}

// Listen opens an AF_PACKET socket on iface for the given ethertype.
func Listen(iface string, proto int) (*EtherConn, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", iface, err)
	}
	pc, err := packet.Listen(ifi, packet.Raw, proto, nil)
	if err != nil {
		return nil, fmt.Errorf("packet listen %s proto 0x%04x: %w", iface, proto, err)
	}
	return &EtherConn{pc: pc, ifi: ifi}, nil
}

// HardwareAddr returns the bound interface's link-layer address.
func (c *EtherConn) HardwareAddr() net.HardwareAddr {
	return c.ifi.HardwareAddr
}

// WriteTo implements Conn.
func (c *EtherConn) WriteTo(frame []byte, dst net.HardwareAddr) error {
	_, err := c.pc.WriteTo(frame, &packet.Addr{HardwareAddr: dst})
	return err
}

// ReadFrom implements Conn.
func (c *EtherConn) ReadFrom(buf []byte) (int, net.HardwareAddr, error) {
	n, addr, err := c.pc.ReadFrom(buf)
	if err != nil {
		return 0, nil, err
	}
	src := net.HardwareAddr(nil)
	if pa, ok := addr.(*packet.Addr); ok {
		src = pa.HardwareAddr
	}
	return n, src, nil
}

// SetReadDeadline implements Conn.
func (c *EtherConn) SetReadDeadline(t time.Time) error {
	return c.pc.SetReadDeadline(t)
}

// Close implements Conn.
func (c *EtherConn) Close() error {
	return c.pc.Close()
}

// JoinMulticast adds a link-layer multicast membership so frames for the
// group are delivered without putting the interface in promiscuous mode.
func (c *EtherConn) JoinMulticast(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("join multicast: bad address %s", mac)
	}
	raw, err := c.pc.SyscallConn()
	if err != nil {
		return err
	}
	mreq := unix.PacketMreq{
		Ifindex: int32(c.ifi.Index),
		Type:    unix.PACKET_MR_MULTICAST,
		Alen:    6,
	}
	copy(mreq.Address[:], mac)

	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptPacketMreq(int(fd),
			unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq)
	})
	if err != nil {
		return err
	}
	if serr != nil {
		return fmt.Errorf("add membership %s: %w", mac, serr)
	}
	return nil
}

// ReadLoop reads frames until the connection is closed, handing each frame
// to deliver as a fresh slice. deliver typically enqueues into a session's
// event queue and must not block.
func ReadLoop(c Conn, deliver func(frame []byte, src net.HardwareAddr)) error {
	buf := make([]byte, 9216)
	for {
		n, src, err := c.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		deliver(frame, src)
	}
}
