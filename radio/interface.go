package radio

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// DefaultMulticastGroup is the group used for discovery announcements
const DefaultMulticastGroup = "239.255.255.250"

// InterfaceEnabler treats the LAN adapter as the radio: it is "on" when an interface is up,
// is not loopback, has an IPv4 address and can join the discovery multicast group.
type InterfaceEnabler struct {
	logger *zap.Logger
	group  net.IP
	iface  *net.Interface
}

// NewInterfaceEnabler creates an InterfaceEnabler probing the given multicast group
func NewInterfaceEnabler(logger *zap.Logger, group string) *InterfaceEnabler {
	if group == "" {
		group = DefaultMulticastGroup
	}
	return &InterfaceEnabler{
		logger: logger,
		group:  net.ParseIP(group),
	}
}

// Interface returns the adapter selected by the last successful Enable
func (e *InterfaceEnabler) Interface() *net.Interface {
	return e.iface
}

// Enable picks the first usable interface
func (e *InterfaceEnabler) Enable(ctx context.Context) error {
	if e.group == nil || e.group.To4() == nil {
		return fmt.Errorf("invalid multicast group")
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}

	var errs []error
	for i := range ifaces {
		if err := ctx.Err(); err != nil {
			return err
		}
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if !hasIPv4(&iface) {
			continue
		}
		if err := e.probe(&iface); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", iface.Name, err))
			continue
		}
		e.iface = &iface
		e.logger.Debug("Selected network interface", zap.String("interface", iface.Name))
		return nil
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return fmt.Errorf("no usable network interface")
}

func (e *InterfaceEnabler) probe(iface *net.Interface) error {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("failed to open probe socket: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: e.group}
	if err := pc.JoinGroup(iface, group); err != nil {
		return fmt.Errorf("failed to join multicast group: %w", err)
	}
	return pc.LeaveGroup(iface, group)
}

func hasIPv4(iface *net.Interface) bool {
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return true
		}
	}
	return false
}
