package fabric

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/fabricctl/fabricctl/pkg/netplan"
	"github.com/fabricctl/fabricctl/pkg/plan"
	"github.com/fabricctl/fabricctl/pkg/remote"
)

const detectTwoAdapters = `RDMA_DETECTED=1
RDMA_MGMT_IP=10.24.11.%d
RDMA_MGMT_IFACE=enP7s7
RDMA_CONFIG_EXISTS=0
RDMA_SUDO_OK=1
RDMA_IFACE_COUNT=2
RDMA_IFACE_0_NAME=enp1s0f0np0
RDMA_IFACE_0_HCA=rocep1s0f0
RDMA_IFACE_0_PORT=ACTIVE
RDMA_IFACE_0_STATE=up
RDMA_IFACE_0_IP=
RDMA_IFACE_0_PREFIX=
RDMA_IFACE_0_SUBNET=
RDMA_IFACE_0_MTU=1500
RDMA_IFACE_1_NAME=enP2p1s0f0np0
RDMA_IFACE_1_HCA=roceP2p1s0f0
RDMA_IFACE_1_PORT=ACTIVE
RDMA_IFACE_1_STATE=up
RDMA_IFACE_1_IP=
RDMA_IFACE_1_PREFIX=
RDMA_IFACE_1_SUBNET=
RDMA_IFACE_1_MTU=1500
RDMA_USED_SUBNETS=10.24.11.0/24,172.17.0.0/16
`

const detectNoHardware = "RDMA_DETECTED=0\n"

const applyOK = `RDMA_APPLY_STATUS=applied
RDMA_VERIFY_OK=1
`

const applySatisfied = `RDMA_APPLY_STATUS=already-satisfied
RDMA_VERIFY_OK=1
`

// scriptedRunner answers by host and command prefix.
type scriptedRunner struct {
	mu     sync.Mutex
	detect map[string]remote.Result
	apply  map[string]remote.Result
	ran    []string
}

func (s *scriptedRunner) Run(_ context.Context, host, command string) remote.Result {
	s.mu.Lock()
	s.ran = append(s.ran, host+": "+command)
	s.mu.Unlock()
	var res remote.Result
	var ok bool
	if strings.Contains(command, "detect") {
		res, ok = s.detect[host]
	} else {
		res, ok = s.apply[host]
	}
	if !ok {
		return remote.Result{Host: host, Err: fmt.Errorf("unscripted host %s", host)}
	}
	res.Host = host
	return res
}

func detectResult(octet int) remote.Result {
	return remote.Result{Stdout: fmt.Sprintf(detectTwoAdapters, octet)}
}

func newTwoHostRunner() *scriptedRunner {
	return &scriptedRunner{
		detect: map[string]remote.Result{
			"h1": detectResult(13),
			"h2": detectResult(14),
		},
		apply: map[string]remote.Result{
			"h1": {Stdout: applyOK},
			"h2": {Stdout: applyOK},
		},
	}
}

func outcome(t *testing.T, report ClusterReport, host string) HostOutcome {
	t.Helper()
	for _, o := range report.Outcomes {
		if o.Host == host {
			return o
		}
	}
	t.Fatalf("no outcome for host %s in %+v", host, report.Outcomes)
	return HostOutcome{}
}

// ──────────────────────────────────────────────
//  full pipeline
// ──────────────────────────────────────────────

func TestRun_TwoHostsConfiguredAndVerified(t *testing.T) {
	o := NewOrchestrator(newTwoHostRunner())
	report := o.Run(context.Background(), []string{"h1", "h2"})

	if report.Phase != PhaseVerified {
		t.Errorf("Phase = %s, want Verified", report.Phase)
	}
	if !report.FabricReady {
		t.Error("fabric should be ready")
	}
	if len(report.Plan) != 1 {
		t.Fatalf("expected 1 planned link, got %d", len(report.Plan))
	}
	if report.Plan[0].Subnet.String() != "10.200.0.0/30" {
		t.Errorf("Subnet = %s, want 10.200.0.0/30", report.Plan[0].Subnet)
	}
	for _, host := range []string{"h1", "h2"} {
		oc := outcome(t, report, host)
		if oc.Status != StatusConfigured {
			t.Errorf("%s status = %s, want configured", host, oc.Status)
		}
		if oc.DetectedCode() != 1 || oc.ConfiguredCode() != 1 {
			t.Errorf("%s codes = %d/%d, want 1/1", host, oc.DetectedCode(), oc.ConfiguredCode())
		}
	}
}

func TestRun_AlreadySatisfiedCluster(t *testing.T) {
	r := newTwoHostRunner()
	r.apply["h1"] = remote.Result{Stdout: applySatisfied}
	r.apply["h2"] = remote.Result{Stdout: applySatisfied}

	o := NewOrchestrator(r)
	report := o.Run(context.Background(), []string{"h1", "h2"})

	if !report.FabricReady {
		t.Error("an already-satisfied cluster is still ready")
	}
	if oc := outcome(t, report, "h1"); oc.Status != StatusAlreadySatisfied {
		t.Errorf("status = %s, want already-satisfied", oc.Status)
	}
}

func TestRun_NoHardwareIsNotApplicable(t *testing.T) {
	r := &scriptedRunner{
		detect: map[string]remote.Result{
			"h1": {Stdout: detectNoHardware},
			"h2": {Stdout: detectNoHardware},
		},
	}
	o := NewOrchestrator(r)
	report := o.Run(context.Background(), []string{"h1", "h2"})

	if report.Phase == PhaseFailed {
		t.Error("absent hardware must not fail the run")
	}
	for _, host := range []string{"h1", "h2"} {
		oc := outcome(t, report, host)
		if oc.Status != StatusNotApplicable {
			t.Errorf("%s status = %s, want not-applicable", host, oc.Status)
		}
		if !errors.Is(oc.Reason, ErrNotApplicable) {
			t.Errorf("%s reason = %v, want ErrNotApplicable", host, oc.Reason)
		}
		if oc.DetectedCode() != 0 {
			t.Errorf("%s DetectedCode = %d, want 0", host, oc.DetectedCode())
		}
	}
	if report.FabricReady {
		t.Error("nothing was linked, fabric cannot be ready")
	}
}

func TestRun_UnreachableHostExcludedNotFatal(t *testing.T) {
	r := newTwoHostRunner()
	r.detect["h3"] = remote.Result{Err: fmt.Errorf("connection timed out")}

	o := NewOrchestrator(r)
	report := o.Run(context.Background(), []string{"h1", "h2", "h3"})

	oc := outcome(t, report, "h3")
	if oc.Status != StatusFailed {
		t.Errorf("h3 status = %s, want failed", oc.Status)
	}
	if !errors.Is(oc.Reason, ErrRemoteUnreachable) {
		t.Errorf("h3 reason = %v, want ErrRemoteUnreachable", oc.Reason)
	}
	// h1 and h2 still get linked.
	if len(report.Plan) != 1 {
		t.Fatalf("expected 1 link over the reachable hosts, got %d", len(report.Plan))
	}
	if outcome(t, report, "h1").Status != StatusConfigured {
		t.Error("h1 should still be configured")
	}
	// A failed host means the run cannot claim overall success.
	if report.Phase != PhaseFailed {
		t.Errorf("Phase = %s, want Failed when a member was unreachable", report.Phase)
	}
}

func TestRun_VerificationFailureIsNeverConfigured(t *testing.T) {
	r := newTwoHostRunner()
	r.apply["h2"] = remote.Result{Stdout: "RDMA_APPLY_STATUS=applied\nRDMA_VERIFY_OK=0\nRDMA_APPLY_DETAIL=enp1s0f0np0: address mismatch\n"}

	o := NewOrchestrator(r)
	report := o.Run(context.Background(), []string{"h1", "h2"})

	oc := outcome(t, report, "h2")
	if oc.Status != StatusFailed {
		t.Errorf("h2 status = %s, want failed", oc.Status)
	}
	if !errors.Is(oc.Reason, netplan.ErrVerificationFailed) {
		t.Errorf("h2 reason = %v, want ErrVerificationFailed", oc.Reason)
	}
	if oc.ConfiguredCode() != 0 {
		t.Error("a host that failed verification must not report Configured=1")
	}
	if report.FabricReady {
		t.Error("fabric must not be ready when a link failed verification")
	}
	if report.Phase != PhaseFailed {
		t.Errorf("Phase = %s, want Failed", report.Phase)
	}
}

func TestRun_InsufficientPrivilegeClassified(t *testing.T) {
	r := newTwoHostRunner()
	r.apply["h1"] = remote.Result{
		Stdout:   "RDMA_APPLY_ERROR=insufficient-privilege\nRDMA_APPLY_DETAIL=passwordless sudo unavailable\n",
		ExitCode: 1,
	}

	o := NewOrchestrator(r)
	report := o.Run(context.Background(), []string{"h1", "h2"})

	oc := outcome(t, report, "h1")
	if !errors.Is(oc.Reason, netplan.ErrInsufficientPrivilege) {
		t.Errorf("reason = %v, want ErrInsufficientPrivilege", oc.Reason)
	}
}

func TestRun_PlanningFailureMarksParticipants(t *testing.T) {
	r := newTwoHostRunner()
	o := NewOrchestrator(r)
	// One mesh link per pair but a reserved range fully covered by a used
	// subnet forces SubnetExhaustion.
	o.PlanOptions = plan.Options{
		Reserved:      mustPrefix(t, "10.24.11.0/28"),
		LinkPrefixLen: 30,
	}

	report := o.Run(context.Background(), []string{"h1", "h2"})
	if report.Phase != PhaseFailed {
		t.Fatalf("Phase = %s, want Failed", report.Phase)
	}
	for _, host := range []string{"h1", "h2"} {
		oc := outcome(t, report, host)
		if !errors.Is(oc.Reason, plan.ErrSubnetExhaustion) {
			t.Errorf("%s reason = %v, want ErrSubnetExhaustion", host, oc.Reason)
		}
	}
	// Planning failed, so no apply command may have run.
	for _, line := range r.ran {
		if strings.Contains(line, "apply-local") {
			t.Errorf("apply ran despite planning failure: %s", line)
		}
	}
}

// ──────────────────────────────────────────────
//  apply command construction
// ──────────────────────────────────────────────

func TestApplyCommand_ContainsAssignments(t *testing.T) {
	o := NewOrchestrator(newTwoHostRunner())
	collected, _ := o.Discover(context.Background(), []string{"h1", "h2"})
	plans, err := plan.Plan(collected, plan.MeshTopology([]string{"h1", "h2"}), plan.Options{})
	if err != nil {
		t.Fatal(err)
	}

	cmd, err := o.applyCommand(plans, "h1")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"fabricctl apply-local",
		"--mtu 9000",
		"--assign enp1s0f0np0=10.200.0.1/30",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command missing %q: %s", want, cmd)
		}
	}
}

func TestApplyCommand_MixedPrefixesCarriedPerAssignment(t *testing.T) {
	// h1<->h2 keep their live /24 fabric; h3 joins with fresh /30 links.
	// h1's agent command must carry each adapter's own subnet size, not a
	// single global prefix.
	configured := func(octet int) remote.Result {
		return remote.Result{Stdout: fmt.Sprintf(`RDMA_DETECTED=1
RDMA_MGMT_IFACE=enP7s7
RDMA_SUDO_OK=1
RDMA_IFACE_COUNT=2
RDMA_IFACE_0_NAME=enp1s0f0np0
RDMA_IFACE_0_HCA=rocep1s0f0
RDMA_IFACE_0_PORT=ACTIVE
RDMA_IFACE_0_IP=192.168.11.%d
RDMA_IFACE_0_PREFIX=24
RDMA_IFACE_0_SUBNET=192.168.11.0/24
RDMA_IFACE_1_NAME=enP2p1s0f0np0
RDMA_IFACE_1_HCA=roceP2p1s0f0
RDMA_IFACE_1_PORT=ACTIVE
RDMA_USED_SUBNETS=10.24.11.0/24
`, octet)}
	}
	r := &scriptedRunner{
		detect: map[string]remote.Result{
			"h1": configured(13),
			"h2": configured(14),
			"h3": detectResult(15),
		},
	}

	o := NewOrchestrator(r)
	collected, _ := o.Discover(context.Background(), []string{"h1", "h2", "h3"})
	plans, err := plan.Plan(collected, plan.MeshTopology([]string{"h1", "h2", "h3"}), plan.Options{})
	if err != nil {
		t.Fatal(err)
	}

	cmd, err := o.applyCommand(plans, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cmd, "--assign enp1s0f0np0=192.168.11.13/24") {
		t.Errorf("preserved link must keep its /24: %s", cmd)
	}
	if !strings.Contains(cmd, "--assign enP2p1s0f0np0=10.200.0.1/30") {
		t.Errorf("fresh link must carry its /30: %s", cmd)
	}
	if strings.Contains(cmd, "--prefix-len") {
		t.Errorf("no global prefix may override per-link sizes: %s", cmd)
	}
}

func TestApplyCommand_RejectsUnsafeTokens(t *testing.T) {
	o := NewOrchestrator(nil)
	plans := []plan.LinkPlan{{
		A:            plan.Endpoint{Host: "h1", Adapter: "ib0; rm -rf /", Address: mustAddr(t, "10.200.0.1"), PrefixLength: 30},
		B:            plan.Endpoint{Host: "h2", Adapter: "ib0", Address: mustAddr(t, "10.200.0.2"), PrefixLength: 30},
		PrefixLength: 30,
		MTU:          9000,
	}}
	if _, err := o.applyCommand(plans, "h1"); err == nil {
		t.Error("shell metacharacters in an adapter name must be rejected")
	}
}

// ──────────────────────────────────────────────
//  helpers
// ──────────────────────────────────────────────

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}
