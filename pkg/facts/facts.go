// Package facts defines the data model shared by the fabric pipeline:
// per-adapter inventory records, per-host discovery facts, and the
// KEY=VALUE codec used to ship facts across the remote-execution boundary.
// Diagnostics never travel in this stream; they go to the log.
package facts

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PortState is the InfiniBand/RoCE port link state relevant to planning.
// Anything that is not ACTIVE is collapsed to OTHER; the raw observed
// string is kept in AdapterRecord.OperState for diagnostics.
type PortState string

const (
	PortActive PortState = "ACTIVE"
	PortOther  PortState = "OTHER"
)

// AdapterRecord describes one discovered RDMA-capable network adapter.
type AdapterRecord struct {
	// HCAName is the RDMA hardware device name (e.g. "mlx5_0", "rocep1s0f0").
	HCAName string
	// NetInterface is the OS network interface backing the device.
	// Empty if none was found; such adapters are unusable.
	NetInterface string
	// PortState is ACTIVE or OTHER. Only ACTIVE adapters are eligible.
	PortState PortState
	// OperState is the OS-reported link operational state ("up", "down", ...).
	// Informational only.
	OperState string
	// IPv4Address and PrefixLength hold the current address, if any.
	// Both are unset on an unconfigured adapter.
	IPv4Address  string
	PrefixLength int
	// DerivedSubnet is the CIDR computed from address+prefix when present.
	DerivedSubnet string
	// MTU is the current MTU of the backing interface.
	MTU int
}

// Eligible reports whether the adapter may participate in fabric planning:
// port ACTIVE, a backing interface exists, and it is not the management
// interface.
func (a AdapterRecord) Eligible(managementInterface string) bool {
	return a.PortState == PortActive &&
		a.NetInterface != "" &&
		a.NetInterface != managementInterface
}

// HostFacts is the full discovery output for one host. It is produced
// fresh on every discovery run and never cached across runs.
type HostFacts struct {
	// Host is the name/address the host was reached by.
	Host string
	// ManagementInterface and ManagementIP identify the interface used for
	// ordinary administration. The fabric must never touch it.
	ManagementInterface string
	ManagementIP        string
	// Adapters is the ordered inventory of RDMA-capable adapters,
	// eligible or not.
	Adapters []AdapterRecord
	// UsedSubnets lists CIDR blocks already routed on the host that do not
	// belong to an eligible adapter. Deduplicated and sorted.
	UsedSubnets []string
	// ExistingFabricConfigPresent is true when a prior persistent fabric
	// config file already exists on the host.
	ExistingFabricConfigPresent bool
	// PasswordlessSudoAvailable is true when elevated privileges are
	// available without a prompt.
	PasswordlessSudoAvailable bool
	// Warnings carries non-fatal discovery diagnostics that weaken
	// planning guarantees (e.g. an unreadable routing table).
	Warnings []string
}

// Detected reports whether the host has fabric hardware worth planning
// for. Inventory records that were filtered out (inactive port, missing
// backing interface, management NIC) do not count: a host whose only
// device sits with Port 1 DOWN is not detected, even though the record
// stays in Adapters for diagnostics.
func (h HostFacts) Detected() bool {
	return len(h.EligibleAdapters()) > 0
}

// EligibleAdapters returns the adapters usable for planning, in inventory
// order.
func (h HostFacts) EligibleAdapters() []AdapterRecord {
	var out []AdapterRecord
	for _, a := range h.Adapters {
		if a.Eligible(h.ManagementInterface) {
			out = append(out, a)
		}
	}
	return out
}

// ──────────────────────────────────────────────
//  KEY=VALUE codec
// ──────────────────────────────────────────────

// Facts-stream keys. The stream is the machine-readable half of the
// detect output; one KEY=VALUE per line, no ordering guarantees for
// consumers beyond "parse the whole thing".
const (
	keyDetected     = "RDMA_DETECTED"
	keyMgmtIP       = "RDMA_MGMT_IP"
	keyMgmtIface    = "RDMA_MGMT_IFACE"
	keyConfigExists = "RDMA_CONFIG_EXISTS"
	keySudoOK       = "RDMA_SUDO_OK"
	keyIfaceCount   = "RDMA_IFACE_COUNT"
	keyUsedSubnets  = "RDMA_USED_SUBNETS"
	keyWarnings     = "RDMA_WARNINGS"
)

func ifaceKey(i int, field string) string {
	return fmt.Sprintf("RDMA_IFACE_%d_%s", i, field)
}

func boolVal(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Encode renders HostFacts as a deterministic KEY=VALUE stream. Identical
// facts yield byte-identical output.
func Encode(h HostFacts) string {
	var b strings.Builder
	write := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}

	write(keyDetected, boolVal(h.Detected()))
	if len(h.Adapters) == 0 && len(h.Warnings) == 0 {
		// No RDMA subsystem at all; nothing more to say.
		return b.String()
	}

	write(keyMgmtIP, h.ManagementIP)
	write(keyMgmtIface, h.ManagementInterface)
	write(keyConfigExists, boolVal(h.ExistingFabricConfigPresent))
	write(keySudoOK, boolVal(h.PasswordlessSudoAvailable))
	write(keyIfaceCount, strconv.Itoa(len(h.Adapters)))

	for i, a := range h.Adapters {
		write(ifaceKey(i, "NAME"), a.NetInterface)
		write(ifaceKey(i, "HCA"), a.HCAName)
		write(ifaceKey(i, "PORT"), string(a.PortState))
		write(ifaceKey(i, "STATE"), a.OperState)
		write(ifaceKey(i, "IP"), a.IPv4Address)
		if a.IPv4Address != "" {
			write(ifaceKey(i, "PREFIX"), strconv.Itoa(a.PrefixLength))
		} else {
			write(ifaceKey(i, "PREFIX"), "")
		}
		write(ifaceKey(i, "SUBNET"), a.DerivedSubnet)
		write(ifaceKey(i, "MTU"), strconv.Itoa(a.MTU))
	}

	used := append([]string(nil), h.UsedSubnets...)
	sort.Strings(used)
	write(keyUsedSubnets, strings.Join(used, ","))
	if len(h.Warnings) > 0 {
		flat := make([]string, len(h.Warnings))
		for i, w := range h.Warnings {
			flat[i] = flattenValue(w)
		}
		write(keyWarnings, strings.Join(flat, ";"))
	}
	return b.String()
}

// flattenValue makes an arbitrary string safe for the one-line-per-key
// stream: embedded newlines (OS errors wrapped into warnings can carry
// them) are collapsed to spaces.
func flattenValue(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

// ParseKV parses a KEY=VALUE stream into a map. Blank lines and lines
// starting with '#' are skipped; lines without '=' are ignored.
func ParseKV(s string) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// Decode rebuilds HostFacts from a parsed facts map. host names the
// machine the stream came from. Unknown or missing keys degrade to zero
// values. RDMA_DETECTED itself is not consulted: it is derived state,
// and a stream may carry DETECTED=0 together with filtered-out adapter
// records kept for diagnostics.
func Decode(host string, kv map[string]string) HostFacts {
	h := HostFacts{Host: host}

	h.ManagementIP = kv[keyMgmtIP]
	h.ManagementInterface = kv[keyMgmtIface]
	h.ExistingFabricConfigPresent = kv[keyConfigExists] == "1"
	h.PasswordlessSudoAvailable = kv[keySudoOK] == "1"

	count, _ := strconv.Atoi(kv[keyIfaceCount])
	for i := 0; i < count; i++ {
		a := AdapterRecord{
			NetInterface: kv[ifaceKey(i, "NAME")],
			HCAName:      kv[ifaceKey(i, "HCA")],
			OperState:    kv[ifaceKey(i, "STATE")],
			IPv4Address:  kv[ifaceKey(i, "IP")],
		}
		switch kv[ifaceKey(i, "PORT")] {
		case string(PortActive):
			a.PortState = PortActive
		default:
			a.PortState = PortOther
		}
		a.PrefixLength, _ = strconv.Atoi(kv[ifaceKey(i, "PREFIX")])
		a.DerivedSubnet = kv[ifaceKey(i, "SUBNET")]
		a.MTU, _ = strconv.Atoi(kv[ifaceKey(i, "MTU")])
		h.Adapters = append(h.Adapters, a)
	}

	if raw := kv[keyUsedSubnets]; raw != "" {
		seen := map[string]bool{}
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s != "" && !seen[s] {
				seen[s] = true
				h.UsedSubnets = append(h.UsedSubnets, s)
			}
		}
		sort.Strings(h.UsedSubnets)
	}
	if raw := kv[keyWarnings]; raw != "" {
		h.Warnings = strings.Split(raw, ";")
	}
	return h
}
