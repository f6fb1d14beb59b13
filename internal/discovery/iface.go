package discovery

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoInterface is returned when no usable multicast interface exists.
// The engine refuses to start in that case: sending beacons out the
// wrong egress interface is the single biggest reliability failure in
// this protocol, so a hard error beats a silent wrong choice.
var ErrNoInterface = errors.New("no usable multicast network interface")

// Interface name fragments that identify VPN, tunnel, cellular and
// virtual adapters. Multicast over these either goes nowhere or leaves
// the LAN.
var excludedIfacePatterns = []string{
	"tun", "tap", "utun", "wg", "tailscale", "zt", "vpn", "ppp",
	"awdl", "llw", "docker", "veth", "virbr", "vmnet", "bridge",
	"rmnet", "ccmni",
}

// Interface name fragments that usually mean real WiFi or Ethernet.
var preferredIfacePatterns = []string{
	"en", "eth", "wlan", "wlp", "wlx", "wifi", "lan",
}

// addrLister abstracts net.Interface.Addrs for tests.
type addrLister func(ifi *net.Interface) ([]net.Addr, error)

func systemAddrs(ifi *net.Interface) ([]net.Addr, error) {
	return ifi.Addrs()
}

func nameMatches(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func ifaceIPv4(ifi *net.Interface, addrs addrLister) net.IP {
	list, err := addrs(ifi)
	if err != nil {
		return nil
	}
	for _, addr := range list {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4
		}
	}
	return nil
}

// selectInterface picks the single best interface for the multicast
// group join. Preference: a LAN-range IPv4 on a WiFi/Ethernet-named
// interface; otherwise the first non-excluded candidate; otherwise
// ErrNoInterface.
func selectInterface(ifaces []net.Interface, addrs addrLister) (*net.Interface, error) {
	var fallback *net.Interface

	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if nameMatches(ifi.Name, excludedIfacePatterns) {
			continue
		}
		ip := ifaceIPv4(ifi, addrs)
		if ip == nil {
			continue
		}

		if nameMatches(ifi.Name, preferredIfacePatterns) && ip.IsPrivate() {
			return ifi, nil
		}
		if fallback == nil {
			fallback = ifi
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoInterface
}

// SelectInterface picks the beacon interface from the live system
// interface list.
func SelectInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	return selectInterface(ifaces, systemAddrs)
}
