// Package fabric orchestrates the cluster-wide pipeline: run discovery on
// every member, plan addressing once over the aggregated facts, then
// drive the applier on each member and aggregate the outcomes. Host-level
// steps fan out concurrently; planning is a global barrier between them.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fabricctl/fabricctl/pkg/facts"
	"github.com/fabricctl/fabricctl/pkg/netplan"
	"github.com/fabricctl/fabricctl/pkg/plan"
	"github.com/fabricctl/fabricctl/pkg/remote"
)

// Cluster-level failure reasons owned by the orchestrator. The planning
// and apply reasons live with the packages that raise them.
var (
	// ErrNotApplicable: no RDMA hardware or no active adapters. A valid
	// terminal state, not an error, but exposed as a sentinel so callers
	// can classify outcomes uniformly.
	ErrNotApplicable = errors.New("nothing to configure")
	// ErrRemoteUnreachable: a host could not be reached or timed out.
	ErrRemoteUnreachable = errors.New("host unreachable")
)

// Phase is the furthest pipeline stage the orchestrator completed.
type Phase string

const (
	PhaseDiscovering Phase = "Discovering"
	PhasePlanning    Phase = "Planning"
	PhaseApplying    Phase = "Applying"
	PhaseVerified    Phase = "Verified"
	PhaseFailed      Phase = "Failed"
)

// HostStatus classifies one host's final outcome.
type HostStatus string

const (
	// StatusConfigured: config written, applied, and verified.
	StatusConfigured HostStatus = "configured"
	// StatusAlreadySatisfied: existing config matched; nothing changed.
	StatusAlreadySatisfied HostStatus = "already-satisfied"
	// StatusNotApplicable: no eligible fabric hardware; host untouched.
	StatusNotApplicable HostStatus = "not-applicable"
	// StatusFailed: discovery, apply, or verification failed.
	StatusFailed HostStatus = "failed"
)

// HostOutcome is the per-host slice of the cluster report.
type HostOutcome struct {
	Host     string
	Status   HostStatus
	Reason   error
	Detected bool
	Verified bool
	Facts    *facts.HostFacts
}

// DetectedCode and ConfiguredCode are the per-host result codes surfaced
// to scripting callers.
func (o HostOutcome) DetectedCode() int {
	if o.Detected {
		return 1
	}
	return 0
}

func (o HostOutcome) ConfiguredCode() int {
	if o.Status == StatusConfigured || o.Status == StatusAlreadySatisfied {
		return 1
	}
	return 0
}

// ClusterReport aggregates the whole run.
type ClusterReport struct {
	Phase    Phase
	Outcomes []HostOutcome
	Plan     []plan.LinkPlan
	// FabricReady is true only when at least one link was planned and
	// every planned link verified on both endpoints.
	FabricReady bool
}

// Orchestrator drives the pipeline over the remote-execution collaborator.
// The remote agent is this same binary installed on each member.
type Orchestrator struct {
	Runner remote.Runner
	// Parallel bounds the host fan-out; 0 means one worker per host.
	Parallel int
	// HostTimeout bounds each host's discovery and apply step.
	HostTimeout time.Duration
	// PlanOptions tunes the subnet planner.
	PlanOptions plan.Options
	// Topology derives the requested links from the participating hosts.
	// Nil means a full mesh.
	Topology func(hosts []string) []plan.HostPair
	// AgentPath is the fabricctl binary on the remote hosts.
	AgentPath string
}

// NewOrchestrator returns an orchestrator with conventional defaults.
func NewOrchestrator(runner remote.Runner) *Orchestrator {
	return &Orchestrator{
		Runner:      runner,
		HostTimeout: 60 * time.Second,
		AgentPath:   "fabricctl",
	}
}

func (o *Orchestrator) topology(hosts []string) []plan.HostPair {
	if o.Topology != nil {
		return o.Topology(hosts)
	}
	return plan.MeshTopology(hosts)
}

// Discover runs the scanner remotely on every host. Unreachable hosts get
// a Failed outcome; hosts without eligible hardware get NotApplicable.
// Facts are never cached: every call re-scans.
func (o *Orchestrator) Discover(ctx context.Context, hosts []string) (map[string]facts.HostFacts, []HostOutcome) {
	command := o.AgentPath + " detect --output env"
	results := remote.RunParallel(ctx, o.Runner, hosts, command, o.Parallel, o.HostTimeout)

	collected := map[string]facts.HostFacts{}
	var outcomes []HostOutcome
	for _, res := range results {
		outcome := HostOutcome{Host: res.Host}
		switch {
		case res.Err != nil:
			outcome.Status = StatusFailed
			outcome.Reason = fmt.Errorf("%w: %v", ErrRemoteUnreachable, res.Err)
		case res.ExitCode != 0:
			outcome.Status = StatusFailed
			outcome.Reason = fmt.Errorf("%w: detect exited %d: %s", ErrRemoteUnreachable, res.ExitCode, strings.TrimSpace(res.Stderr))
		default:
			h := facts.Decode(res.Host, facts.ParseKV(res.Stdout))
			outcome.Detected = h.Detected()
			outcome.Facts = &h
			collected[res.Host] = h
			if len(h.EligibleAdapters()) == 0 {
				outcome.Status = StatusNotApplicable
				outcome.Reason = ErrNotApplicable
			}
			for _, w := range h.Warnings {
				log.Warnf("%s: %s", res.Host, w)
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return collected, outcomes
}

// Run executes the full pipeline: discover on all members, plan once,
// apply everywhere, aggregate. A failure on one host's apply does not
// roll back the others; the report says exactly who succeeded.
func (o *Orchestrator) Run(ctx context.Context, hosts []string) ClusterReport {
	report := ClusterReport{Phase: PhaseDiscovering}

	collected, outcomes := o.Discover(ctx, hosts)
	byHost := map[string]*HostOutcome{}
	for i := range outcomes {
		byHost[outcomes[i].Host] = &outcomes[i]
	}

	var participants []string
	for host, h := range collected {
		if len(h.EligibleAdapters()) > 0 {
			participants = append(participants, host)
		}
	}
	sort.Strings(participants)

	if len(participants) < 2 {
		// Nothing to link. All reachable hosts are NotApplicable; any
		// single participant has no peer.
		for _, p := range participants {
			byHost[p].Status = StatusNotApplicable
			byHost[p].Reason = fmt.Errorf("%w: no peer host with eligible adapters", ErrNotApplicable)
		}
		report.Outcomes = finish(outcomes)
		if anyFailed(outcomes) {
			report.Phase = PhaseFailed
		}
		return report
	}

	report.Phase = PhasePlanning
	linkPlans, err := plan.Plan(collected, o.topology(participants), o.PlanOptions)
	if err != nil {
		log.Errorf("planning failed: %v", err)
		for _, p := range participants {
			byHost[p].Status = StatusFailed
			byHost[p].Reason = err
		}
		report.Phase = PhaseFailed
		report.Outcomes = finish(outcomes)
		return report
	}
	report.Plan = linkPlans

	report.Phase = PhaseApplying
	o.applyAll(ctx, linkPlans, collected, byHost)

	report.Outcomes = finish(outcomes)
	failed := anyFailed(report.Outcomes)
	report.FabricReady = !failed && allVerified(report.Outcomes, participants)
	switch {
	case report.FabricReady:
		report.Phase = PhaseVerified
	case failed:
		report.Phase = PhaseFailed
	}
	return report
}

// applyAll fans the per-host plan slices out to the agents.
func (o *Orchestrator) applyAll(ctx context.Context, linkPlans []plan.LinkPlan, collected map[string]facts.HostFacts, byHost map[string]*HostOutcome) {
	planHosts := plan.Hosts(linkPlans)

	commands := make(map[string]string, len(planHosts))
	for _, host := range planHosts {
		cmd, err := o.applyCommand(linkPlans, host)
		if err != nil {
			byHost[host].Status = StatusFailed
			byHost[host].Reason = err
			continue
		}
		commands[host] = cmd
	}

	var runnable []string
	for _, host := range planHosts {
		if _, ok := commands[host]; ok {
			runnable = append(runnable, host)
		}
	}

	// One command per host; RunParallel keeps result order aligned.
	for i, res := range remote.RunParallelCommands(ctx, o.Runner, runnable, func(h string) string { return commands[h] }, o.Parallel, o.HostTimeout) {
		host := runnable[i]
		outcome := byHost[host]
		classifyApply(outcome, res, collected[host])
	}
}

// classifyApply turns one agent apply result into a host outcome.
func classifyApply(outcome *HostOutcome, res remote.Result, h facts.HostFacts) {
	if res.Err != nil {
		outcome.Status = StatusFailed
		outcome.Reason = fmt.Errorf("%w: %v", ErrRemoteUnreachable, res.Err)
		return
	}

	kv := facts.ParseKV(res.Stdout)
	switch kv["RDMA_APPLY_ERROR"] {
	case "insufficient-privilege":
		outcome.Status = StatusFailed
		outcome.Reason = fmt.Errorf("%w: %s", netplan.ErrInsufficientPrivilege, kv["RDMA_APPLY_DETAIL"])
		return
	case "verification-failed":
		outcome.Status = StatusFailed
		outcome.Reason = fmt.Errorf("%w: %s", netplan.ErrVerificationFailed, kv["RDMA_APPLY_DETAIL"])
		return
	}
	if res.ExitCode != 0 {
		outcome.Status = StatusFailed
		outcome.Reason = fmt.Errorf("apply exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		return
	}

	switch kv["RDMA_APPLY_STATUS"] {
	case string(netplan.StatusAlreadySatisfied):
		outcome.Status = StatusAlreadySatisfied
	case string(netplan.StatusApplied):
		outcome.Status = StatusConfigured
	default:
		outcome.Status = StatusFailed
		outcome.Reason = fmt.Errorf("agent reported no apply status")
		return
	}
	outcome.Verified = kv["RDMA_VERIFY_OK"] == "1"
	if !outcome.Verified {
		outcome.Status = StatusFailed
		outcome.Reason = fmt.Errorf("%w: %s", netplan.ErrVerificationFailed, kv["RDMA_APPLY_DETAIL"])
	}
}

// safeToken matches the values we embed into a remote command line:
// interface names and dotted decimals. Anything else is rejected rather
// than escaped.
var safeToken = regexp.MustCompile(`^[A-Za-z0-9._:/-]+$`)

// applyCommand builds the agent invocation for one host's plan slice.
// All values come from typed plan structs and are validated before being
// placed on a command line. The prefix length rides inside each
// assignment: links preserved for continuity keep their live subnet
// size, so a host may mix prefix lengths across its adapters.
func (o *Orchestrator) applyCommand(linkPlans []plan.LinkPlan, host string) (string, error) {
	slice := plan.HostSlice(linkPlans, host)
	if len(slice) == 0 {
		return "", fmt.Errorf("no endpoints planned for %s", host)
	}
	mtu := linkPlans[0].MTU

	var b strings.Builder
	fmt.Fprintf(&b, "%s apply-local --mtu %d", o.AgentPath, mtu)
	for _, ep := range slice {
		cidr := netip.PrefixFrom(ep.Address, ep.PrefixLength).String()
		assign := fmt.Sprintf("%s=%s", ep.Adapter, cidr)
		if !safeToken.MatchString(ep.Adapter) || !safeToken.MatchString(cidr) {
			return "", fmt.Errorf("unsafe assignment token %q for host %s", assign, host)
		}
		fmt.Fprintf(&b, " --assign %s", assign)
	}
	return b.String(), nil
}

func finish(outcomes []HostOutcome) []HostOutcome {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Host < outcomes[j].Host })
	return outcomes
}

func anyFailed(outcomes []HostOutcome) bool {
	for _, o := range outcomes {
		if o.Status == StatusFailed {
			return true
		}
	}
	return false
}

func allVerified(outcomes []HostOutcome, participants []string) bool {
	if len(participants) == 0 {
		return false
	}
	verified := map[string]bool{}
	for _, o := range outcomes {
		verified[o.Host] = o.Verified && o.Status != StatusFailed
	}
	for _, p := range participants {
		if !verified[p] {
			return false
		}
	}
	return true
}
