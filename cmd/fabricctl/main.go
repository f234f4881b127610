// fabricctl configures a dedicated RDMA/RoCE interconnect between the
// nodes of a small compute cluster. It discovers eligible fabric
// adapters, plans non-conflicting point-to-point addressing against
// everything already routed, and materializes the result as persistent
// netplan configuration, idempotently.
//
// Usage:
//
//	fabricctl detect --output env
//	fabricctl plan --hosts h1,h2
//	fabricctl apply --hosts h1,h2 --mtu 9000
//	fabricctl status --hosts h1,h2
package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabricctl/fabricctl/pkg/fabric"
	"github.com/fabricctl/fabricctl/pkg/facts"
	"github.com/fabricctl/fabricctl/pkg/netplan"
	"github.com/fabricctl/fabricctl/pkg/plan"
	"github.com/fabricctl/fabricctl/pkg/remote"
	"github.com/fabricctl/fabricctl/pkg/report"
	"github.com/fabricctl/fabricctl/pkg/scan"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "fabricctl",
		Short: "RDMA fabric auto-configuration",
		Long:  "Discovers RDMA/RoCE adapters across cluster hosts, plans non-conflicting point-to-point addressing, and applies it as persistent network configuration.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			// Diagnostics stay on stderr; stdout carries results only.
			log.SetOutput(os.Stderr)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	root.AddCommand(
		newDetectCmd(),
		newPlanCmd(),
		newApplyCmd(),
		newApplyLocalCmd(),
		newStatusCmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  shared cluster flags
// ──────────────────────────────────────────────

type clusterFlags struct {
	hosts     []string
	user      string
	keyPath   string
	port      int
	timeout   time.Duration
	parallel  int
	topology  string
	reserved  string
	prefixLen int
	mtu       int
}

func (f *clusterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.hosts, "hosts", nil, "Cluster member hosts (comma-separated or repeated)")
	cmd.Flags().StringVar(&f.user, "user", "ubuntu", "SSH user")
	cmd.Flags().StringVar(&f.keyPath, "key", "", "SSH private key path (default ~/.ssh/id_rsa)")
	cmd.Flags().IntVar(&f.port, "port", 22, "SSH port")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 60*time.Second, "Per-host timeout for discovery and apply")
	cmd.Flags().IntVar(&f.parallel, "parallel", 0, "Max concurrent hosts (0 = one worker per host)")
	cmd.Flags().StringVar(&f.topology, "topology", "mesh", "Link topology (mesh|ring)")
	cmd.Flags().StringVar(&f.reserved, "reserved", plan.DefaultReserved, "Reserved range fabric subnets are carved from")
	cmd.Flags().IntVar(&f.prefixLen, "prefix-len", plan.DefaultLinkPrefixLen, "Per-link subnet prefix length")
	cmd.Flags().IntVar(&f.mtu, "mtu", plan.DefaultMTU, "Fabric adapter MTU")
}

func (f *clusterFlags) validate() error {
	if len(f.hosts) == 0 {
		return fmt.Errorf("no hosts given: pass --hosts")
	}
	if f.topology != "mesh" && f.topology != "ring" {
		return fmt.Errorf("unknown topology %q: use mesh or ring", f.topology)
	}
	if _, err := netip.ParsePrefix(f.reserved); err != nil {
		return fmt.Errorf("invalid reserved range %q: %w", f.reserved, err)
	}
	return nil
}

func (f *clusterFlags) orchestrator(force bool) *fabric.Orchestrator {
	runner := remote.NewSSHRunner(f.user)
	runner.Port = f.port
	runner.Timeout = f.timeout
	if f.keyPath != "" {
		runner.KeyPath = f.keyPath
	}

	o := fabric.NewOrchestrator(runner)
	o.Parallel = f.parallel
	o.HostTimeout = f.timeout
	o.PlanOptions = plan.Options{
		Reserved:      netip.MustParsePrefix(f.reserved),
		LinkPrefixLen: f.prefixLen,
		MTU:           f.mtu,
		Force:         force,
	}
	if f.topology == "ring" {
		o.Topology = plan.RingTopology
	}
	return o
}

// ──────────────────────────────────────────────
//  detect
// ──────────────────────────────────────────────

func newDetectCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Discover RDMA fabric adapters on this host",
		Long:  "Scans local hardware and routing state and reports fabric-eligible adapters. The env output format is the machine stream consumed by the orchestrator over SSH.",
		RunE: func(cmd *cobra.Command, args []string) error {
			hostname, err := os.Hostname()
			if err != nil {
				hostname = "localhost"
			}

			h, err := scan.NewScanner().Scan(hostname)
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}

			switch output {
			case "env":
				fmt.Fprint(cmd.OutOrStdout(), facts.Encode(h))
			case "json":
				return report.FactsJSON(cmd.OutOrStdout(), []facts.HostFacts{h})
			default:
				report.PrintFactsTable(cmd.OutOrStdout(), []facts.HostFacts{h})
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json|env)")
	return cmd
}

// ──────────────────────────────────────────────
//  plan
// ──────────────────────────────────────────────

func newPlanCmd() *cobra.Command {
	var (
		flags  clusterFlags
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Discover the cluster and print the link plan without applying",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validate(); err != nil {
				return err
			}

			o := flags.orchestrator(force)
			collected, outcomes := o.Discover(context.Background(), flags.hosts)

			var participants []string
			for host, h := range collected {
				if len(h.EligibleAdapters()) > 0 {
					participants = append(participants, host)
				}
			}
			if len(participants) < 2 {
				for _, oc := range outcomes {
					if oc.Reason != nil {
						log.Warnf("%s: %v", oc.Host, oc.Reason)
					}
				}
				return fmt.Errorf("need at least two hosts with eligible adapters, found %d", len(participants))
			}

			topology := plan.MeshTopology(participants)
			if flags.topology == "ring" {
				topology = plan.RingTopology(participants)
			}
			plans, err := plan.Plan(collected, topology, o.PlanOptions)
			if err != nil {
				return fmt.Errorf("planning failed: %w", err)
			}

			if output == "json" {
				return report.PrintJSON(cmd.OutOrStdout(), fabric.ClusterReport{
					Phase: fabric.PhasePlanning,
					Plan:  plans,
				})
			}
			report.PrintPlanTable(cmd.OutOrStdout(), plans)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")
	cmd.Flags().BoolVar(&force, "force", false, "Ignore existing assignments when planning")
	return cmd
}

// ──────────────────────────────────────────────
//  apply
// ──────────────────────────────────────────────

func newApplyCmd() *cobra.Command {
	var (
		flags  clusterFlags
		output string
		force  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run the full pipeline: discover, plan, apply, verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validate(); err != nil {
				return err
			}

			o := flags.orchestrator(force)

			if dryRun {
				collected, _ := o.Discover(context.Background(), flags.hosts)
				var participants []string
				for host, h := range collected {
					if len(h.EligibleAdapters()) > 0 {
						participants = append(participants, host)
					}
				}
				if len(participants) < 2 {
					return fmt.Errorf("need at least two hosts with eligible adapters, found %d", len(participants))
				}
				topology := plan.MeshTopology(participants)
				if flags.topology == "ring" {
					topology = plan.RingTopology(participants)
				}
				plans, err := plan.Plan(collected, topology, o.PlanOptions)
				if err != nil {
					return fmt.Errorf("planning failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Dry run: the following links would be configured.")
				report.PrintPlanTable(cmd.OutOrStdout(), plans)
				return nil
			}

			clusterReport := o.Run(context.Background(), flags.hosts)

			if output == "json" {
				if err := report.PrintJSON(cmd.OutOrStdout(), clusterReport); err != nil {
					return err
				}
			} else {
				report.PrintTable(cmd.OutOrStdout(), clusterReport)
			}
			log.Infof("result: %s", report.Summary(clusterReport))

			if clusterReport.Phase == fabric.PhaseFailed {
				return fmt.Errorf("fabric configuration incomplete: %s", report.Summary(clusterReport))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")
	cmd.Flags().BoolVar(&force, "force", false, "Reconfigure hosts even when current addressing is valid")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without applying anything")
	return cmd
}

// ──────────────────────────────────────────────
//  apply-local (agent mode)
// ──────────────────────────────────────────────

func newApplyLocalCmd() *cobra.Command {
	var (
		assigns    []string
		mtu        int
		configPath string
	)

	cmd := &cobra.Command{
		Use:    "apply-local",
		Short:  "Apply a plan slice on this host (invoked by the orchestrator)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoints, err := parseAssignments(assigns)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			emit := func(k, v string) { fmt.Fprintf(out, "%s=%s\n", k, v) }
			fail := func(class string, err error) error {
				emit("RDMA_APPLY_ERROR", class)
				emit("RDMA_APPLY_DETAIL", err.Error())
				return err
			}

			doc, err := netplan.Render(endpoints, mtu)
			if err != nil {
				return fail("render", err)
			}

			sudoOK := scan.NewScanner().SudoProbe()

			applier := netplan.NewApplier()
			if configPath != "" {
				applier.ConfigPath = configPath
			}

			status, err := applier.Apply(cmd.Context(), doc, sudoOK)
			if err != nil {
				if errors.Is(err, netplan.ErrInsufficientPrivilege) {
					return fail("insufficient-privilege", err)
				}
				return fail("apply", err)
			}
			emit("RDMA_APPLY_STATUS", string(status))

			if err := applier.Verify(endpoints, mtu); err != nil {
				emit("RDMA_VERIFY_OK", "0")
				return fail("verification-failed", err)
			}
			emit("RDMA_VERIFY_OK", "1")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&assigns, "assign", nil, "Adapter assignment iface=address/prefix (repeated)")
	cmd.Flags().IntVar(&mtu, "mtu", plan.DefaultMTU, "Adapter MTU")
	cmd.Flags().StringVar(&configPath, "config-path", "", "Override the persistent config path")
	_ = cmd.MarkFlagRequired("assign")

	return cmd
}

// parseAssignments turns --assign iface=address/prefix flags into
// endpoints. The prefix is per assignment: adapters on one host may
// carry different subnet sizes.
func parseAssignments(assigns []string) ([]plan.Endpoint, error) {
	if len(assigns) == 0 {
		return nil, fmt.Errorf("no adapter assignments given")
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	endpoints := make([]plan.Endpoint, 0, len(assigns))
	for _, a := range assigns {
		iface, cidr, ok := strings.Cut(a, "=")
		if !ok || iface == "" {
			return nil, fmt.Errorf("malformed assignment %q: want iface=address/prefix", a)
		}
		pfx, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("malformed address in %q: %w", a, err)
		}
		endpoints = append(endpoints, plan.Endpoint{
			Host:         hostname,
			Adapter:      iface,
			Address:      pfx.Addr(),
			PrefixLength: pfx.Bits(),
		})
	}
	return endpoints, nil
}

// ──────────────────────────────────────────────
//  status
// ──────────────────────────────────────────────

func newStatusCmd() *cobra.Command {
	var (
		flags  clusterFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report per-host fabric state without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validate(); err != nil {
				return err
			}

			o := flags.orchestrator(false)
			collected, outcomes := o.Discover(context.Background(), flags.hosts)

			var hosts []facts.HostFacts
			for _, host := range flags.hosts {
				if h, ok := collected[host]; ok {
					hosts = append(hosts, h)
				}
			}

			if output == "json" {
				return report.FactsJSON(cmd.OutOrStdout(), hosts)
			}
			report.PrintFactsTable(cmd.OutOrStdout(), hosts)
			for _, oc := range outcomes {
				if oc.Status == fabric.StatusFailed {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: unreachable (%v)\n", oc.Host, oc.Reason)
				}
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")
	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fabricctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
