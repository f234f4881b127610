// Package plan computes non-colliding point-to-point addressing for the
// fabric. Given per-host discovery facts and a link topology, it carves
// /30 subnets out of a reserved range, avoiding everything already routed
// on any participating host, and assigns adapters deterministically so
// that replanning an unchanged cluster reproduces the identical plan.
package plan

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/apparentlymart/go-cidr/cidr"
	log "github.com/sirupsen/logrus"

	"github.com/fabricctl/fabricctl/pkg/facts"
)

// Planning failure reasons.
var (
	// ErrInsufficientAdapters: a host has fewer eligible adapters than the
	// topology requires of it.
	ErrInsufficientAdapters = errors.New("insufficient eligible adapters")
	// ErrSubnetExhaustion: no candidate subnet in the reserved range avoids
	// every used subnet across participating hosts.
	ErrSubnetExhaustion = errors.New("reserved subnet range exhausted")
	// ErrAmbiguousTopology: the requested topology cannot be satisfied by
	// the discovered hosts and adapter counts.
	ErrAmbiguousTopology = errors.New("ambiguous topology")
)

// Defaults for fabric addressing.
const (
	DefaultReserved      = "10.200.0.0/16"
	DefaultLinkPrefixLen = 30
	DefaultMTU           = 9000
)

// HostPair is one requested link between two hosts.
type HostPair struct {
	A, B string
}

// Endpoint is one side of a planned link. PrefixLength travels with the
// endpoint because continuity-preserved links keep their live subnet
// size, which may differ from freshly carved links in the same plan.
type Endpoint struct {
	Host         string
	Adapter      string // net interface name
	HCA          string
	Address      netip.Addr
	PrefixLength int
}

// LinkPlan is a single point-to-point assignment. Both addresses lie in
// Subnet, which is disjoint from every used subnet on both hosts and from
// every other LinkPlan's subnet in the same planning run.
type LinkPlan struct {
	A, B         Endpoint
	Subnet       netip.Prefix
	PrefixLength int
	MTU          int
}

// Options tunes a planning run.
type Options struct {
	// Reserved is the range subnets are carved from. Defaults to
	// DefaultReserved.
	Reserved netip.Prefix
	// LinkPrefixLen is the per-link subnet size. Defaults to /30.
	LinkPrefixLen int
	// MTU applied to every fabric adapter. Defaults to 9000.
	MTU int
	// Force ignores existing assignments instead of preserving them.
	Force bool
}

func (o Options) withDefaults() (Options, error) {
	if !o.Reserved.IsValid() {
		o.Reserved = netip.MustParsePrefix(DefaultReserved)
	}
	if o.LinkPrefixLen == 0 {
		o.LinkPrefixLen = DefaultLinkPrefixLen
	}
	if o.MTU == 0 {
		o.MTU = DefaultMTU
	}
	if o.LinkPrefixLen <= o.Reserved.Bits() || o.LinkPrefixLen > 30 {
		return o, fmt.Errorf("link prefix /%d does not fit in reserved range %s", o.LinkPrefixLen, o.Reserved)
	}
	return o, nil
}

// MeshTopology returns one link per unordered host pair.
func MeshTopology(hosts []string) []HostPair {
	sorted := append([]string(nil), hosts...)
	sort.Strings(sorted)
	var pairs []HostPair
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			pairs = append(pairs, HostPair{A: sorted[i], B: sorted[j]})
		}
	}
	return pairs
}

// RingTopology links each host to its successor in sorted order. Two
// hosts yield a single link.
func RingTopology(hosts []string) []HostPair {
	sorted := append([]string(nil), hosts...)
	sort.Strings(sorted)
	if len(sorted) < 2 {
		return nil
	}
	if len(sorted) == 2 {
		return []HostPair{{A: sorted[0], B: sorted[1]}}
	}
	pairs := make([]HostPair, 0, len(sorted))
	for i := range sorted {
		pairs = append(pairs, HostPair{A: sorted[i], B: sorted[(i+1)%len(sorted)]})
	}
	return pairs
}

// allocator tracks consumed subnets and adapters during one planning run.
type allocator struct {
	opts     Options
	used     []netip.Prefix // union of all hosts' used subnets
	taken    []netip.Prefix // subnets consumed by earlier links
	consumed map[string]map[string]bool // host -> adapter -> consumed
	next     int                        // next candidate index in the reserved range
}

// Plan computes the cluster-wide link plan. It fails with a diagnosable
// reason rather than producing a partially valid plan.
func Plan(hosts map[string]facts.HostFacts, topology []HostPair, opts Options) ([]LinkPlan, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousTopology, err)
	}
	if len(topology) == 0 {
		return nil, fmt.Errorf("%w: no links requested", ErrAmbiguousTopology)
	}

	if err := validate(hosts, topology); err != nil {
		return nil, err
	}

	alloc := &allocator{
		opts:     opts,
		used:     collectUsed(hosts, topology),
		consumed: map[string]map[string]bool{},
	}

	// Deterministic link order: lexicographic by endpoint names.
	links := append([]HostPair(nil), topology...)
	for i := range links {
		if links[i].B < links[i].A {
			links[i].A, links[i].B = links[i].B, links[i].A
		}
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].A != links[j].A {
			return links[i].A < links[j].A
		}
		return links[i].B < links[j].B
	})

	var plans []LinkPlan
	for _, pair := range links {
		lp, err := alloc.planLink(hosts[pair.A], hosts[pair.B])
		if err != nil {
			return nil, err
		}
		plans = append(plans, lp)
	}
	return plans, nil
}

// validate checks topology feasibility up front.
func validate(hosts map[string]facts.HostFacts, topology []HostPair) error {
	degree := map[string]int{}
	seen := map[HostPair]bool{}
	for _, p := range topology {
		if p.A == p.B {
			return fmt.Errorf("%w: link from %s to itself", ErrAmbiguousTopology, p.A)
		}
		norm := p
		if norm.B < norm.A {
			norm.A, norm.B = norm.B, norm.A
		}
		if seen[norm] {
			return fmt.Errorf("%w: duplicate link %s<->%s", ErrAmbiguousTopology, norm.A, norm.B)
		}
		seen[norm] = true
		degree[p.A]++
		degree[p.B]++
	}

	for host, d := range degree {
		h, ok := hosts[host]
		if !ok {
			return fmt.Errorf("%w: no discovery facts for host %s", ErrAmbiguousTopology, host)
		}
		eligible := len(h.EligibleAdapters())
		if eligible == 0 {
			return fmt.Errorf("%w: host %s has no eligible adapters", ErrInsufficientAdapters, host)
		}
		if eligible < d {
			return fmt.Errorf("%w: host %s needs %d independent links but has %d eligible adapters",
				ErrAmbiguousTopology, host, d, eligible)
		}
	}
	return nil
}

// collectUsed gathers the union of used subnets across all hosts that
// participate in the topology. A subnet valid on one host but colliding
// on another is unusable for any link.
func collectUsed(hosts map[string]facts.HostFacts, topology []HostPair) []netip.Prefix {
	participating := map[string]bool{}
	for _, p := range topology {
		participating[p.A] = true
		participating[p.B] = true
	}
	var used []netip.Prefix
	for host, h := range hosts {
		if !participating[host] {
			continue
		}
		for _, s := range h.UsedSubnets {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				log.Warnf("ignoring unparseable used subnet %q on %s", s, host)
				continue
			}
			used = append(used, p)
		}
	}
	return used
}

// planLink assigns a subnet and adapters for one host pair.
func (al *allocator) planLink(a, b facts.HostFacts) (LinkPlan, error) {
	if b.Host < a.Host {
		a, b = b, a
	}

	if !al.opts.Force {
		if lp, ok := al.existingAssignment(a, b); ok {
			log.Debugf("link %s<->%s: keeping existing subnet %s", a.Host, b.Host, lp.Subnet)
			return lp, nil
		}
	}

	adapterA, err := al.pickAdapter(a)
	if err != nil {
		return LinkPlan{}, err
	}
	adapterB, err := al.pickAdapter(b)
	if err != nil {
		return LinkPlan{}, err
	}

	subnet, err := al.nextFreeSubnet()
	if err != nil {
		return LinkPlan{}, err
	}

	addrA, addrB, err := endpointAddrs(subnet)
	if err != nil {
		return LinkPlan{}, err
	}

	al.take(a.Host, adapterA)
	al.take(b.Host, adapterB)
	al.taken = append(al.taken, subnet)

	return LinkPlan{
		A:            Endpoint{Host: a.Host, Adapter: adapterA.NetInterface, HCA: adapterA.HCAName, Address: addrA, PrefixLength: subnet.Bits()},
		B:            Endpoint{Host: b.Host, Adapter: adapterB.NetInterface, HCA: adapterB.HCAName, Address: addrB, PrefixLength: subnet.Bits()},
		Subnet:       subnet,
		PrefixLength: subnet.Bits(),
		MTU:          al.opts.MTU,
	}, nil
}

// existingAssignment looks for adapters on both hosts that already share
// a subnet disjoint from every conflict. Continuity with live addressing
// minimizes churn across replanning runs.
func (al *allocator) existingAssignment(a, b facts.HostFacts) (LinkPlan, bool) {
	for _, adapterA := range sortedEligible(a) {
		if al.isConsumed(a.Host, adapterA) || adapterA.DerivedSubnet == "" {
			continue
		}
		subnet, err := netip.ParsePrefix(adapterA.DerivedSubnet)
		if err != nil {
			continue
		}
		if al.conflicts(subnet) {
			continue
		}
		for _, adapterB := range sortedEligible(b) {
			if al.isConsumed(b.Host, adapterB) || adapterB.DerivedSubnet != adapterA.DerivedSubnet {
				continue
			}
			addrA, errA := netip.ParseAddr(adapterA.IPv4Address)
			addrB, errB := netip.ParseAddr(adapterB.IPv4Address)
			if errA != nil || errB != nil || addrA == addrB {
				continue
			}
			al.take(a.Host, adapterA)
			al.take(b.Host, adapterB)
			al.taken = append(al.taken, subnet)
			return LinkPlan{
				A:            Endpoint{Host: a.Host, Adapter: adapterA.NetInterface, HCA: adapterA.HCAName, Address: addrA, PrefixLength: subnet.Bits()},
				B:            Endpoint{Host: b.Host, Adapter: adapterB.NetInterface, HCA: adapterB.HCAName, Address: addrB, PrefixLength: subnet.Bits()},
				Subnet:       subnet,
				PrefixLength: subnet.Bits(),
				MTU:          al.opts.MTU,
			}, true
		}
	}
	return LinkPlan{}, false
}

// pickAdapter returns the lexicographically first unconsumed eligible
// adapter on a host.
func (al *allocator) pickAdapter(h facts.HostFacts) (facts.AdapterRecord, error) {
	for _, a := range sortedEligible(h) {
		if !al.isConsumed(h.Host, a) {
			return a, nil
		}
	}
	return facts.AdapterRecord{}, fmt.Errorf("%w: host %s has no unassigned eligible adapter left", ErrInsufficientAdapters, h.Host)
}

// nextFreeSubnet carves candidates sequentially from the reserved range
// until one avoids every conflict.
func (al *allocator) nextFreeSubnet() (netip.Prefix, error) {
	base := prefixToIPNet(al.opts.Reserved)
	newBits := al.opts.LinkPrefixLen - al.opts.Reserved.Bits()
	total := 1 << newBits

	for ; al.next < total; al.next++ {
		ipn, err := cidr.Subnet(base, newBits, al.next)
		if err != nil {
			break
		}
		candidate, err := ipNetToPrefix(ipn)
		if err != nil {
			continue
		}
		if !al.conflicts(candidate) {
			al.next++
			return candidate, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("%w: no /%d in %s avoids the %d used subnets",
		ErrSubnetExhaustion, al.opts.LinkPrefixLen, al.opts.Reserved, len(al.used))
}

func (al *allocator) conflicts(p netip.Prefix) bool {
	for _, u := range al.used {
		if p.Overlaps(u) {
			return true
		}
	}
	for _, t := range al.taken {
		if p.Overlaps(t) {
			return true
		}
	}
	return false
}

func (al *allocator) take(host string, a facts.AdapterRecord) {
	if al.consumed[host] == nil {
		al.consumed[host] = map[string]bool{}
	}
	al.consumed[host][a.HCAName+"/"+a.NetInterface] = true
}

func (al *allocator) isConsumed(host string, a facts.AdapterRecord) bool {
	return al.consumed[host][a.HCAName+"/"+a.NetInterface]
}

// endpointAddrs returns the first two usable host addresses of a subnet.
func endpointAddrs(subnet netip.Prefix) (netip.Addr, netip.Addr, error) {
	base := prefixToIPNet(subnet)
	ipA, err := cidr.Host(base, 1)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	ipB, err := cidr.Host(base, 2)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	addrA, okA := netip.AddrFromSlice(ipA.To4())
	addrB, okB := netip.AddrFromSlice(ipB.To4())
	if !okA || !okB {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("cannot derive endpoint addresses for %s", subnet)
	}
	return addrA, addrB, nil
}

// sortedEligible returns a host's eligible adapters ordered by HCA name,
// then interface name.
func sortedEligible(h facts.HostFacts) []facts.AdapterRecord {
	eligible := h.EligibleAdapters()
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].HCAName != eligible[j].HCAName {
			return eligible[i].HCAName < eligible[j].HCAName
		}
		return eligible[i].NetInterface < eligible[j].NetInterface
	})
	return eligible
}

// HostSlice returns the endpoints a given host owns across the plan.
func HostSlice(plans []LinkPlan, host string) []Endpoint {
	var out []Endpoint
	for _, lp := range plans {
		if lp.A.Host == host {
			out = append(out, lp.A)
		}
		if lp.B.Host == host {
			out = append(out, lp.B)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Adapter < out[j].Adapter })
	return out
}

// Hosts returns the sorted set of hosts participating in the plan.
func Hosts(plans []LinkPlan) []string {
	set := map[string]bool{}
	for _, lp := range plans {
		set[lp.A.Host] = true
		set[lp.B.Host] = true
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Masked().Addr()
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(p.Bits(), addr.BitLen()),
	}
}

func ipNetToPrefix(n *net.IPNet) (netip.Prefix, error) {
	addr, ok := netip.AddrFromSlice(n.IP.To4())
	if !ok {
		return netip.Prefix{}, fmt.Errorf("not an IPv4 network: %s", n)
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr, ones), nil
}
