package mesh

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// ListenPacketFunc opens the datagram socket the listener reads from.
// Production uses ListenMulticastUDP; tests substitute an in-memory pipe.
type ListenPacketFunc func(group string, port int, ifaceName string) (net.PacketConn, *net.UDPAddr, error)

// ListenMulticastUDP binds the multicast port with address reuse and joins
// the group, optionally on a specific interface. It returns the connection
// and the group address to transmit to.
func ListenMulticastUDP(group string, port int, ifaceName string) (net.PacketConn, *net.UDPAddr, error) {
	groupIP := net.ParseIP(group)
	if groupIP == nil || groupIP.To4() == nil {
		return nil, nil, fmt.Errorf("bad multicast group %q", group)
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			if network == "udp4" || network == "udp" {
				ctrlErr = c.Control(func(fd uintptr) {
					// Allow multiple processes to bind the chat port.
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
					// SO_REUSEPORT is not available everywhere, but it's fine if it fails.
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				})
			}
			return ctrlErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind :%d: %w", port, err)
	}

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("interface %q: %w", ifaceName, err)
		}
	}

	p := ipv4.NewPacketConn(conn)
	groupAddr := &net.UDPAddr{IP: groupIP, Port: port}
	if err := p.JoinGroup(iface, groupAddr); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("join group %s: %w", group, err)
	}
	// See our own transmissions too; the pipeline skips packets whose
	// source is our own node id.
	_ = p.SetMulticastLoopback(true)
	if iface != nil {
		_ = p.SetMulticastInterface(iface)
	}

	return conn, groupAddr, nil
}
