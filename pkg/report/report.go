// Package report renders cluster results and discovery facts for humans
// and for machines. Tables go to stdout for people; JSON is the stable
// machine form.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/fabricctl/fabricctl/pkg/fabric"
	"github.com/fabricctl/fabricctl/pkg/facts"
	"github.com/fabricctl/fabricctl/pkg/plan"
)

// PrintTable renders a cluster report as a human-readable table.
func PrintTable(w io.Writer, report fabric.ClusterReport) {
	fmt.Fprintf(w, "Phase: %s   Fabric ready: %v\n", report.Phase, report.FabricReady)

	table := tablewriter.NewTable(w)
	table.Header("HOST", "STATUS", "DETECTED", "CONFIGURED", "REASON")
	for _, o := range report.Outcomes {
		reason := "-"
		if o.Reason != nil {
			reason = o.Reason.Error()
		}
		table.Append(o.Host, string(o.Status),
			fmt.Sprintf("%d", o.DetectedCode()),
			fmt.Sprintf("%d", o.ConfiguredCode()),
			reason)
	}
	table.Render()
}

// PrintPlanTable renders planned links.
func PrintPlanTable(w io.Writer, plans []plan.LinkPlan) {
	table := tablewriter.NewTable(w)
	table.Header("SUBNET", "HOST A", "ADAPTER A", "ADDRESS A", "HOST B", "ADAPTER B", "ADDRESS B", "MTU")
	for _, lp := range plans {
		table.Append(lp.Subnet.String(),
			lp.A.Host, lp.A.Adapter, lp.A.Address.String(),
			lp.B.Host, lp.B.Adapter, lp.B.Address.String(),
			fmt.Sprintf("%d", lp.MTU))
	}
	table.Render()
}

// PrintFactsTable renders discovery facts per host.
func PrintFactsTable(w io.Writer, hosts []facts.HostFacts) {
	table := tablewriter.NewTable(w)
	table.Header("HOST", "MGMT IFACE", "ADAPTER", "HCA", "PORT", "ADDRESS", "MTU", "ELIGIBLE")
	for _, h := range hosts {
		if len(h.Adapters) == 0 {
			table.Append(h.Host, h.ManagementInterface, "(none)", "-", "-", "-", "-", "-")
			continue
		}
		for _, a := range h.Adapters {
			addr := a.IPv4Address
			if addr == "" {
				addr = "(unassigned)"
			} else {
				addr = fmt.Sprintf("%s/%d", a.IPv4Address, a.PrefixLength)
			}
			iface := a.NetInterface
			if iface == "" {
				iface = "(none)"
			}
			eligible := "no"
			if a.Eligible(h.ManagementInterface) {
				eligible = "yes"
			}
			table.Append(h.Host, h.ManagementInterface, iface, a.HCAName,
				string(a.PortState), addr, fmt.Sprintf("%d", a.MTU), eligible)
		}
	}
	table.Render()
}

// outcomeJSON is the JSON form of one host outcome.
type outcomeJSON struct {
	Host       string `json:"host"`
	Status     string `json:"status"`
	Detected   int    `json:"detected"`
	Configured int    `json:"configured"`
	Reason     string `json:"reason,omitempty"`
}

// reportJSON is the JSON form of a cluster report.
type reportJSON struct {
	Phase       string        `json:"phase"`
	FabricReady bool          `json:"fabric_ready"`
	Links       []linkJSON    `json:"links,omitempty"`
	Hosts       []outcomeJSON `json:"hosts"`
}

type linkJSON struct {
	Subnet   string `json:"subnet"`
	HostA    string `json:"host_a"`
	AdapterA string `json:"adapter_a"`
	AddressA string `json:"address_a"`
	HostB    string `json:"host_b"`
	AdapterB string `json:"adapter_b"`
	AddressB string `json:"address_b"`
	MTU      int    `json:"mtu"`
}

// PrintJSON renders a cluster report as JSON.
func PrintJSON(w io.Writer, report fabric.ClusterReport) error {
	out := reportJSON{
		Phase:       string(report.Phase),
		FabricReady: report.FabricReady,
	}
	for _, lp := range report.Plan {
		out.Links = append(out.Links, linkJSON{
			Subnet:   lp.Subnet.String(),
			HostA:    lp.A.Host,
			AdapterA: lp.A.Adapter,
			AddressA: lp.A.Address.String(),
			HostB:    lp.B.Host,
			AdapterB: lp.B.Adapter,
			AddressB: lp.B.Address.String(),
			MTU:      lp.MTU,
		})
	}
	for _, o := range report.Outcomes {
		oj := outcomeJSON{
			Host:       o.Host,
			Status:     string(o.Status),
			Detected:   o.DetectedCode(),
			Configured: o.ConfiguredCode(),
		}
		if o.Reason != nil {
			oj.Reason = o.Reason.Error()
		}
		out.Hosts = append(out.Hosts, oj)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// FactsJSON renders discovery facts as JSON.
func FactsJSON(w io.Writer, hosts []facts.HostFacts) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(factsJSON(hosts))
}

type adapterJSON struct {
	HCA       string `json:"hca"`
	Interface string `json:"interface,omitempty"`
	PortState string `json:"port_state"`
	OperState string `json:"oper_state,omitempty"`
	Address   string `json:"address,omitempty"`
	Subnet    string `json:"subnet,omitempty"`
	MTU       int    `json:"mtu"`
	Eligible  bool   `json:"eligible"`
}

type hostJSON struct {
	Host          string        `json:"host"`
	MgmtInterface string        `json:"management_interface"`
	MgmtIP        string        `json:"management_ip,omitempty"`
	Adapters      []adapterJSON `json:"adapters"`
	UsedSubnets   []string      `json:"used_subnets,omitempty"`
	ConfigExists  bool          `json:"config_exists"`
	SudoOK        bool          `json:"sudo_ok"`
	Warnings      []string      `json:"warnings,omitempty"`
}

func factsJSON(hosts []facts.HostFacts) []hostJSON {
	out := make([]hostJSON, 0, len(hosts))
	for _, h := range hosts {
		hj := hostJSON{
			Host:          h.Host,
			MgmtInterface: h.ManagementInterface,
			MgmtIP:        h.ManagementIP,
			Adapters:      []adapterJSON{},
			UsedSubnets:   h.UsedSubnets,
			ConfigExists:  h.ExistingFabricConfigPresent,
			SudoOK:        h.PasswordlessSudoAvailable,
			Warnings:      h.Warnings,
		}
		for _, a := range h.Adapters {
			aj := adapterJSON{
				HCA:       a.HCAName,
				Interface: a.NetInterface,
				PortState: string(a.PortState),
				OperState: a.OperState,
				MTU:       a.MTU,
				Eligible:  a.Eligible(h.ManagementInterface),
			}
			if a.IPv4Address != "" {
				aj.Address = fmt.Sprintf("%s/%d", a.IPv4Address, a.PrefixLength)
				aj.Subnet = a.DerivedSubnet
			}
			hj.Adapters = append(hj.Adapters, aj)
		}
		out = append(out, hj)
	}
	return out
}

// Summary returns a one-line human summary of the run.
func Summary(report fabric.ClusterReport) string {
	counts := map[fabric.HostStatus]int{}
	for _, o := range report.Outcomes {
		counts[o.Status]++
	}
	var parts []string
	for _, s := range []fabric.HostStatus{
		fabric.StatusConfigured,
		fabric.StatusAlreadySatisfied,
		fabric.StatusNotApplicable,
		fabric.StatusFailed,
	} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	if len(parts) == 0 {
		return "no hosts"
	}
	return strings.Join(parts, ", ")
}
