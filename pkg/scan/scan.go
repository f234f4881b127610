// Package scan implements host-local discovery for the fabric pipeline:
// the adapter inventory scanner and the route/subnet surveyor. It walks
// the InfiniBand class tree in sysfs and queries live link state through
// netlink. All filtering decisions (inactive port, missing backing
// interface, management NIC) are diagnostics, never errors.
package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mellanox/rdmamap"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/fabricctl/fabricctl/pkg/facts"
	"github.com/fabricctl/fabricctl/pkg/netplan"
)

var (
	sysInfiniband = "/sys/class/infiniband"
)

const (
	// reachabilityTarget is the well-known destination used to ask the
	// routing table which interface carries management traffic.
	reachabilityTarget = "8.8.8.8"

	// defaultManagementInterface is the fallback when the routing table
	// cannot be consulted at all.
	defaultManagementInterface = "eth0"
)

// Route is one IPv4 routing table entry as seen by the surveyor.
// Dst is empty for the default route.
type Route struct {
	Dst   string
	Iface string
}

// NetQuerier abstracts the live-network queries the scanner needs, so
// tests can run against a fake instead of real netlink.
type NetQuerier interface {
	// LinkState returns the operational state string and MTU of a link.
	LinkState(ifName string) (operState string, mtu int, err error)
	// FirstIPv4 returns the first IPv4 address and prefix length of a
	// link, or ("", 0, nil) when the link has no IPv4 address.
	FirstIPv4(ifName string) (addr string, prefix int, err error)
	// RoutesV4 dumps the IPv4 routing table.
	RoutesV4() ([]Route, error)
	// OutboundInterface returns the interface and source address the
	// routing table selects for the given destination.
	OutboundInterface(target string) (ifName string, ip string, err error)
}

// rdmaDeviceForNetdev resolves a net interface back to its RDMA device.
// Package var so tests can stub out the rdmamap sysfs dependency.
var rdmaDeviceForNetdev = rdmamap.GetRdmaDeviceForNetdevice

// Scanner produces HostFacts from local host state. Zero-value fields are
// filled in by NewScanner; tests construct it directly with fakes.
type Scanner struct {
	Net        NetQuerier
	ConfigPath string
	// SudoProbe reports whether passwordless elevated privileges are
	// available.
	SudoProbe func() bool
}

// NewScanner returns a Scanner backed by real netlink and sudo probing.
func NewScanner() *Scanner {
	return &Scanner{
		Net:        netlinkQuerier{},
		ConfigPath: netplan.DefaultConfigPath,
		SudoProbe: func() bool {
			return exec.Command("sudo", "-n", "true").Run() == nil
		},
	}
}

// Scan runs discovery and returns fresh facts for this host. The only
// fatal condition is an OS error reading the hardware device listing that
// is distinct from "no RDMA subsystem present".
func (s *Scanner) Scan(host string) (facts.HostFacts, error) {
	h := facts.HostFacts{Host: host}

	h.ManagementInterface, h.ManagementIP = s.managementInterface()
	log.Debugf("management interface: %s (%s)", h.ManagementInterface, h.ManagementIP)

	adapters, err := s.inventory(h.ManagementInterface)
	if err != nil {
		return facts.HostFacts{}, err
	}
	h.Adapters = adapters

	h.UsedSubnets = s.usedSubnets(&h)

	if _, err := os.Stat(s.ConfigPath); err == nil {
		h.ExistingFabricConfigPresent = true
	}
	if s.SudoProbe != nil {
		h.PasswordlessSudoAvailable = s.SudoProbe()
	}
	return h, nil
}

// managementInterface resolves the interface carrying management traffic:
// routing-table lookup toward a public destination, then the default
// route, then the conventional fallback name.
func (s *Scanner) managementInterface() (string, string) {
	if ifName, ip, err := s.Net.OutboundInterface(reachabilityTarget); err == nil && ifName != "" {
		if ip == "" {
			ip, _, _ = s.Net.FirstIPv4(ifName)
		}
		return ifName, ip
	}

	routes, err := s.Net.RoutesV4()
	if err == nil {
		for _, r := range routes {
			if r.Dst == "" && r.Iface != "" {
				ip, _, _ := s.Net.FirstIPv4(r.Iface)
				return r.Iface, ip
			}
		}
	}

	log.Warnf("cannot determine management interface, assuming %s", defaultManagementInterface)
	ip, _, _ := s.Net.FirstIPv4(defaultManagementInterface)
	return defaultManagementInterface, ip
}

// inventory enumerates RDMA hardware devices and builds one AdapterRecord
// per device. An absent InfiniBand class directory means no RDMA hardware
// and yields an empty inventory.
func (s *Scanner) inventory(mgmtIface string) ([]facts.AdapterRecord, error) {
	entries, err := os.ReadDir(sysInfiniband)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("%s absent: no RDMA hardware on this host", sysInfiniband)
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read RDMA device directory %s: %w", sysInfiniband, err)
	}

	var adapters []facts.AdapterRecord
	for _, entry := range entries {
		hca := entry.Name()
		rec := facts.AdapterRecord{HCAName: hca}

		state := readPortState(hca)
		if state == string(facts.PortActive) {
			rec.PortState = facts.PortActive
		} else {
			rec.PortState = facts.PortOther
			rec.OperState = state
			log.Infof("skipping %s: port 1 state %q (not ACTIVE)", hca, state)
			adapters = append(adapters, rec)
			continue
		}

		ifName := backingInterface(hca)
		if ifName == "" {
			log.Infof("skipping %s: no backing network interface", hca)
			adapters = append(adapters, rec)
			continue
		}
		rec.NetInterface = ifName

		if ifName == mgmtIface {
			log.Infof("skipping %s (%s): management interface is never fabric-eligible", hca, ifName)
			adapters = append(adapters, rec)
			continue
		}

		// Cross-check the sysfs walk against rdmamap's view. A mismatch
		// is diagnostic only.
		if dev, err := rdmaDeviceForNetdev(ifName); err == nil && dev != hca {
			log.Warnf("rdmamap maps %s to %s, sysfs says %s", ifName, dev, hca)
		}

		s.enrich(&rec)
		adapters = append(adapters, rec)
	}
	return adapters, nil
}

// enrich fills in live link details. Errors are non-fatal.
func (s *Scanner) enrich(rec *facts.AdapterRecord) {
	operState, mtu, err := s.Net.LinkState(rec.NetInterface)
	if err != nil {
		log.Warnf("cannot query link %s: %v", rec.NetInterface, err)
		return
	}
	rec.OperState = operState
	rec.MTU = mtu

	addr, prefix, err := s.Net.FirstIPv4(rec.NetInterface)
	if err != nil {
		log.Warnf("cannot list addresses on %s: %v", rec.NetInterface, err)
		return
	}
	if addr == "" {
		return
	}
	rec.IPv4Address = addr
	rec.PrefixLength = prefix
	if _, subnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", addr, prefix)); err == nil {
		rec.DerivedSubnet = subnet.String()
	}
}

// usedSubnets surveys the routing table for CIDR blocks not belonging to
// an eligible adapter. A failed route dump records a warning and yields
// an empty set; planning proceeds conservatively.
func (s *Scanner) usedSubnets(h *facts.HostFacts) []string {
	routes, err := s.Net.RoutesV4()
	if err != nil {
		warn := fmt.Sprintf("cannot read routing table: %v; used-subnet collision checks are weakened", err)
		log.Warn(warn)
		h.Warnings = append(h.Warnings, warn)
		return nil
	}

	fabricIfaces := map[string]bool{}
	for _, a := range h.EligibleAdapters() {
		fabricIfaces[a.NetInterface] = true
	}

	seen := map[string]bool{}
	var used []string
	for _, r := range routes {
		if r.Dst == "" || !strings.Contains(r.Dst, "/") {
			continue // default or non-CIDR entry
		}
		if fabricIfaces[r.Iface] {
			continue // re-derived by the planner
		}
		if !seen[r.Dst] {
			seen[r.Dst] = true
			used = append(used, r.Dst)
		}
	}
	sort.Strings(used)
	return used
}

// readPortState reads and normalizes port 1 link state for a device.
// The sysfs file holds e.g. "4: ACTIVE"; bare values are accepted too.
func readPortState(hca string) string {
	data, err := os.ReadFile(filepath.Join(sysInfiniband, hca, "ports", "1", "state"))
	if err != nil {
		return ""
	}
	state := strings.TrimSpace(string(data))
	if _, after, ok := strings.Cut(state, ":"); ok {
		state = strings.TrimSpace(after)
	}
	return state
}

// backingInterface returns the first network interface backing a device,
// from the device/net sysfs listing. Empty when none exists.
func backingInterface(hca string) string {
	netDir := filepath.Join(sysInfiniband, hca, "device", "net")
	entries, err := os.ReadDir(netDir)
	if err != nil || len(entries) == 0 {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names[0]
}

// ──────────────────────────────────────────────
//  netlink-backed querier
// ──────────────────────────────────────────────

type netlinkQuerier struct{}

func (netlinkQuerier) LinkState(ifName string) (string, int, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return "", 0, err
	}
	attrs := link.Attrs()
	return attrs.OperState.String(), attrs.MTU, nil
}

func (netlinkQuerier) FirstIPv4(ifName string) (string, int, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return "", 0, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", 0, err
	}
	if len(addrs) == 0 || addrs[0].IPNet == nil {
		return "", 0, nil
	}
	ones, _ := addrs[0].IPNet.Mask.Size()
	return addrs[0].IPNet.IP.String(), ones, nil
}

func (netlinkQuerier) RoutesV4() ([]Route, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		entry := Route{}
		if r.Dst != nil {
			entry.Dst = r.Dst.String()
		}
		if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
			entry.Iface = link.Attrs().Name
		}
		out = append(out, entry)
	}
	return out, nil
}

func (netlinkQuerier) OutboundInterface(target string) (string, string, error) {
	routes, err := netlink.RouteGet(net.ParseIP(target))
	if err != nil {
		return "", "", err
	}
	if len(routes) == 0 {
		return "", "", fmt.Errorf("no route toward %s", target)
	}
	link, err := netlink.LinkByIndex(routes[0].LinkIndex)
	if err != nil {
		return "", "", err
	}
	var src string
	if routes[0].Src != nil {
		src = routes[0].Src.String()
	}
	return link.Attrs().Name, src, nil
}
