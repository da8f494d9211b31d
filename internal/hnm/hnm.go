// Package hnm implements the host network manager: idempotent
// installation and removal of host interface state, addresses, default
// routes, and the static tunnel routes.
//
// Route, address, and next-hop objects are built fresh per operation and
// released with it; only the netlink handle and the two resolved links
// persist between operations.
package hnm

import (
	"fmt"
	"net"

	"github.com/jacobsa/syncutil"
	"github.com/vishvananda/netlink"

	"github.com/tj90241/modemd/internal/qmierr"
)

// Fixed host interface names.
const (
	WwanLinkName   = "mhi_hwip0"
	TunnelLinkName = "wg0"
)

// Fixed tunnel addressing.
var (
	tunnelGateway = net.ParseIP("10.10.1.1")
	tunnelSelf    = net.ParseIP("10.10.1.2")

	tunnelDest1 = mustCIDR("10.10.2.2/32")
	tunnelDest2 = mustCIDR("10.10.3.0/24")
)

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// rtScopeLink is RT_SCOPE_LINK from linux/rtnetlink.h: addresses the
// kernel assigns automatically (e.g. link-local) rather than ones this
// daemon installs.
const rtScopeLink = 253

// addrCapacity bounds how many non-link-scope addresses
// EnsureV4ConfigurationIsApplied will enumerate before treating the
// situation as a fatal inconsistency for the iteration.
const addrCapacity = 126

// State owns the route socket and the resolved wwan/tunnel links.
type State struct {
	mu syncutil.InvariantMutex // GUARDED_BY(mu)

	handle *netlink.Handle

	wwanLink   netlink.Link
	tunnelLink netlink.Link
}

func New() *State {
	s := &State{}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// checkInvariants: the handle and both links are either all present
// (initialized) or all absent (shut down).
func (s *State) checkInvariants() {
	initialized := s.handle != nil
	linksPresent := s.wwanLink != nil && s.tunnelLink != nil
	if initialized != linksPresent {
		panic("hnm: partial initialization observed outside an unwind path")
	}
}

// Initialize opens a route socket, resolves both links by name, and
// verifies the wwan link reports the same interface index from both the
// v4 and v6 perspectives. Any failure unwinds in strict reverse order.
func (s *State) Initialize() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, err := netlink.NewHandle()
	if err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.Initialize", err)
	}

	wwanV4, err := handle.LinkByName(WwanLinkName)
	if err != nil {
		handle.Close()
		return qmierr.New(qmierr.HostFailure, "hnm.Initialize", fmt.Errorf("resolve %s: %w", WwanLinkName, err))
	}

	wwanV6, err := handle.LinkByName(WwanLinkName)
	if err != nil {
		handle.Close()
		return qmierr.New(qmierr.HostFailure, "hnm.Initialize", fmt.Errorf("resolve %s (v6 pass): %w", WwanLinkName, err))
	}

	if wwanV4.Attrs().Index != wwanV6.Attrs().Index {
		handle.Close()
		return qmierr.New(qmierr.HostFailure, "hnm.Initialize", fmt.Errorf("wwan ifindex diverges between families: %d != %d", wwanV4.Attrs().Index, wwanV6.Attrs().Index))
	}

	tunnel, err := handle.LinkByName(TunnelLinkName)
	if err != nil {
		handle.Close()
		return qmierr.New(qmierr.HostFailure, "hnm.Initialize", fmt.Errorf("resolve %s: %w", TunnelLinkName, err))
	}

	s.handle = handle
	s.wwanLink = wwanV4
	s.tunnelLink = tunnel

	return nil
}

// ReloadLinkCache re-resolves both links by name, re-verifying ifindex
// agreement; fails if the interface disappeared or v4/v6 ifindices
// diverge.
func (s *State) ReloadLinkCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return qmierr.New(qmierr.HostFailure, "hnm.ReloadLinkCache", fmt.Errorf("not initialized"))
	}

	wwanV4, err := s.handle.LinkByName(WwanLinkName)
	if err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.ReloadLinkCache", err)
	}
	wwanV6, err := s.handle.LinkByName(WwanLinkName)
	if err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.ReloadLinkCache", err)
	}
	if wwanV4.Attrs().Index != wwanV6.Attrs().Index {
		return qmierr.New(qmierr.HostFailure, "hnm.ReloadLinkCache", fmt.Errorf("wwan ifindex diverges between families"))
	}

	tunnel, err := s.handle.LinkByName(TunnelLinkName)
	if err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.ReloadLinkCache", err)
	}

	s.wwanLink = wwanV4
	s.tunnelLink = tunnel
	return nil
}

// ReloadAddressCache refreshes this package's view of wwan addresses. In
// this implementation addresses are queried fresh from the kernel on
// demand rather than cached separately, so this is a thin validity check
// that the wwan link still resolves.
func (s *State) ReloadAddressCache() error {
	return s.ReloadLinkCache()
}

// EnsureInterfaceState brings link (Wwan or Tunnel) up or down iff its
// current state doesn't already match.
func (s *State) EnsureInterfaceState(linkName string, up bool) error {
	s.mu.Lock()
	link := s.linkByNameLocked(linkName)
	handle := s.handle
	s.mu.Unlock()

	if handle == nil || link == nil {
		return qmierr.New(qmierr.HostFailure, "hnm.EnsureInterfaceState", fmt.Errorf("not initialized"))
	}

	fresh, err := handle.LinkByName(linkName)
	if err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.EnsureInterfaceState", err)
	}

	currentlyUp := fresh.Attrs().Flags&net.FlagUp != 0
	if currentlyUp == up {
		return nil
	}

	if up {
		err = handle.LinkSetUp(fresh)
	} else {
		err = handle.LinkSetDown(fresh)
	}
	if err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.EnsureInterfaceState", err)
	}
	return nil
}

func (s *State) linkByNameLocked(name string) netlink.Link {
	switch name {
	case WwanLinkName:
		return s.wwanLink
	case TunnelLinkName:
		return s.tunnelLink
	default:
		return nil
	}
}

// AddV4Address adds addr/prefix to the wwan link.
func (s *State) AddV4Address(addr net.IP, prefix int) error {
	return s.addAddress(addr, prefix, 32)
}

// AddV6Address adds addr/prefix to the wwan link.
func (s *State) AddV6Address(addr net.IP, prefix int) error {
	return s.addAddress(addr, prefix, 128)
}

func (s *State) addAddress(addr net.IP, prefix, bits int) error {
	s.mu.Lock()
	handle := s.handle
	link := s.wwanLink
	s.mu.Unlock()

	if handle == nil || link == nil {
		return qmierr.New(qmierr.HostFailure, "hnm.addAddress", fmt.Errorf("not initialized"))
	}

	a := &netlink.Addr{IPNet: &net.IPNet{IP: addr, Mask: net.CIDRMask(prefix, bits)}}
	if err := handle.AddrAdd(link, a); err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.addAddress", err)
	}
	return nil
}

// ChangeV4DefaultGateway installs (create-or-replace) the v4 default route
// out of the wwan link via gateway, with preferred source source.
func (s *State) ChangeV4DefaultGateway(source, gateway net.IP) error {
	s.mu.Lock()
	handle := s.handle
	link := s.wwanLink
	s.mu.Unlock()

	if handle == nil || link == nil {
		return qmierr.New(qmierr.HostFailure, "hnm.ChangeV4DefaultGateway", fmt.Errorf("not initialized"))
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gateway,
		Src:       source,
		Dst:       &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
	}
	if err := handle.RouteReplace(route); err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.ChangeV4DefaultGateway", err)
	}
	return nil
}

// ChangeV6DefaultGateway installs (create-or-replace) the v6 default route
// out of the wwan link via gateway, with preferred source source. prefix
// is not used: the route's destination is always ::/0.
func (s *State) ChangeV6DefaultGateway(source, gateway net.IP, prefix int) error {
	s.mu.Lock()
	handle := s.handle
	link := s.wwanLink
	s.mu.Unlock()

	if handle == nil || link == nil {
		return qmierr.New(qmierr.HostFailure, "hnm.ChangeV6DefaultGateway", fmt.Errorf("not initialized"))
	}

	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gateway,
		Src:       source,
		Dst:       &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)},
	}
	if err := handle.RouteReplace(route); err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.ChangeV6DefaultGateway", err)
	}
	return nil
}

// EnsureV4ConfigurationIsApplied reloads the address cache, deletes every
// non-link-scope v4 address on wwan that doesn't match (addr, prefix),
// adds the target if absent, then installs the default route.
func (s *State) EnsureV4ConfigurationIsApplied(addr net.IP, prefix int, gateway net.IP) error {
	if err := s.ReloadAddressCache(); err != nil {
		return err
	}

	s.mu.Lock()
	handle := s.handle
	link := s.wwanLink
	s.mu.Unlock()

	addrs, err := handle.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return qmierr.New(qmierr.HostFailure, "hnm.EnsureV4ConfigurationIsApplied", err)
	}

	candidates := nonLinkScope(addrs)
	if len(candidates) > addrCapacity {
		return qmierr.New(qmierr.HostFailure, "hnm.EnsureV4ConfigurationIsApplied", fmt.Errorf("address enumeration overflow: %d > %d", len(candidates), addrCapacity))
	}

	found := false
	for _, a := range candidates {
		ones, _ := a.IPNet.Mask.Size()
		if a.IPNet.IP.Equal(addr) && ones == prefix {
			found = true
			continue
		}
		if err := handle.AddrDel(link, &a); err != nil {
			return qmierr.New(qmierr.HostFailure, "hnm.EnsureV4ConfigurationIsApplied", err)
		}
	}

	if !found {
		if err := s.AddV4Address(addr, prefix); err != nil {
			return err
		}
	}

	return s.ChangeV4DefaultGateway(addr, gateway)
}

// FlushAddresses reloads the address cache and deletes every
// non-link-scope address of both families on the wwan link.
func (s *State) FlushAddresses() error {
	if err := s.ReloadAddressCache(); err != nil {
		return err
	}

	s.mu.Lock()
	handle := s.handle
	link := s.wwanLink
	s.mu.Unlock()

	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		addrs, err := handle.AddrList(link, family)
		if err != nil {
			return qmierr.New(qmierr.HostFailure, "hnm.FlushAddresses", err)
		}
		for _, a := range nonLinkScope(addrs) {
			if err := handle.AddrDel(link, &a); err != nil {
				return qmierr.New(qmierr.HostFailure, "hnm.FlushAddresses", err)
			}
		}
	}

	return nil
}

func nonLinkScope(addrs []netlink.Addr) []netlink.Addr {
	var out []netlink.Addr
	for _, a := range addrs {
		if a.Scope != rtScopeLink {
			out = append(out, a)
		}
	}
	return out
}

// EnsureTunnelRoutes installs the two static tunnel routes via 10.10.1.1
// out of wg0 with preferred source 10.10.1.2.
func (s *State) EnsureTunnelRoutes() error {
	s.mu.Lock()
	handle := s.handle
	link := s.tunnelLink
	s.mu.Unlock()

	if handle == nil || link == nil {
		return qmierr.New(qmierr.HostFailure, "hnm.EnsureTunnelRoutes", fmt.Errorf("not initialized"))
	}

	for _, dst := range []*net.IPNet{tunnelDest1, tunnelDest2} {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        tunnelGateway,
			Src:       tunnelSelf,
			Dst:       dst,
		}
		if err := handle.RouteReplace(route); err != nil {
			return qmierr.New(qmierr.HostFailure, "hnm.EnsureTunnelRoutes", err)
		}
	}

	return nil
}

// Shutdown releases every object allocated by Initialize, in reverse
// order. Idempotent.
func (s *State) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return
	}

	s.tunnelLink = nil
	s.wwanLink = nil
	s.handle.Close()
	s.handle = nil
}
