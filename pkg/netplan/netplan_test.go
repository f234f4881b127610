package netplan

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fabricctl/fabricctl/pkg/plan"
)

func sampleEndpoints() []plan.Endpoint {
	return []plan.Endpoint{
		{Host: "h1", Adapter: "enp1s0f0np0", HCA: "rocep1s0f0", Address: netip.MustParseAddr("10.200.0.1"), PrefixLength: 30},
		{Host: "h1", Adapter: "enP2p1s0f0np0", HCA: "roceP2p1s0f0", Address: netip.MustParseAddr("10.200.0.5"), PrefixLength: 30},
	}
}

// fakeLinks is a canned LinkReader.
type fakeLinks map[string]struct {
	addr string
	mtu  int
}

func (f fakeLinks) AddrAndMTU(ifName string) (string, int, error) {
	l, ok := f[ifName]
	if !ok {
		return "", 0, fmt.Errorf("link %s not found", ifName)
	}
	return l.addr, l.mtu, nil
}

func newTestApplier(t *testing.T) (*Applier, *[]string) {
	t.Helper()
	var commands []string
	a := &Applier{
		ConfigPath: filepath.Join(t.TempDir(), "90-rdma-fabric.yaml"),
		Run: func(_ context.Context, name string, args ...string) error {
			commands = append(commands, name+" "+strings.Join(args, " "))
			return nil
		},
	}
	return a, &commands
}

// ──────────────────────────────────────────────
//  Render
// ──────────────────────────────────────────────

func TestRender_Deterministic(t *testing.T) {
	d1, err := Render(sampleEndpoints(), 9000)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Render(sampleEndpoints(), 9000)
	if err != nil {
		t.Fatal(err)
	}
	if string(d1) != string(d2) {
		t.Error("identical input must render byte-identical output")
	}
}

func TestRender_Content(t *testing.T) {
	doc, err := Render(sampleEndpoints(), 9000)
	if err != nil {
		t.Fatal(err)
	}
	out := string(doc)

	for _, want := range []string{
		"version: 2",
		"enp1s0f0np0:",
		"enP2p1s0f0np0:",
		"10.200.0.1/30",
		"10.200.0.5/30",
		"dhcp4: false",
		"dhcp6: false",
		"link-local: []",
		"mtu: 9000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered document missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "dhcp4: true") {
		t.Error("fabric adapters must never use DHCP")
	}
}

func TestRender_Empty(t *testing.T) {
	if _, err := Render(nil, 9000); err == nil {
		t.Error("expected error for empty endpoint list")
	}
}

func TestRender_DuplicateAdapter(t *testing.T) {
	eps := []plan.Endpoint{
		{Host: "h1", Adapter: "ib0", Address: netip.MustParseAddr("10.200.0.1"), PrefixLength: 30},
		{Host: "h1", Adapter: "ib0", Address: netip.MustParseAddr("10.200.0.5"), PrefixLength: 30},
	}
	if _, err := Render(eps, 9000); err == nil {
		t.Error("expected error for doubly assigned adapter")
	}
}

func TestRender_PerEndpointPrefix(t *testing.T) {
	// A continuity-preserved /24 link and a freshly carved /30 on the
	// same host must each render with their own subnet size.
	eps := []plan.Endpoint{
		{Host: "h1", Adapter: "ib0", Address: netip.MustParseAddr("192.168.11.1"), PrefixLength: 24},
		{Host: "h1", Adapter: "ib1", Address: netip.MustParseAddr("10.200.0.1"), PrefixLength: 30},
	}
	doc, err := Render(eps, 9000)
	if err != nil {
		t.Fatal(err)
	}
	out := string(doc)
	if !strings.Contains(out, "192.168.11.1/24") {
		t.Errorf("preserved link lost its /24:\n%s", out)
	}
	if !strings.Contains(out, "10.200.0.1/30") {
		t.Errorf("fresh link lost its /30:\n%s", out)
	}
}

func TestRender_MissingPrefixRejected(t *testing.T) {
	eps := []plan.Endpoint{
		{Host: "h1", Adapter: "ib0", Address: netip.MustParseAddr("10.200.0.1")},
	}
	if _, err := Render(eps, 9000); err == nil {
		t.Error("an endpoint without a prefix length must not render")
	}
}

// ──────────────────────────────────────────────
//  Apply
// ──────────────────────────────────────────────

func TestApply_WritesConfigAndRunsNetplan(t *testing.T) {
	a, commands := newTestApplier(t)
	doc, _ := Render(sampleEndpoints(), 9000)

	status, err := a.Apply(context.Background(), doc, true)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusApplied {
		t.Errorf("status = %q, want %q", status, StatusApplied)
	}
	if len(*commands) != 1 || (*commands)[0] != "netplan apply" {
		t.Errorf("expected a single 'netplan apply', got %v", *commands)
	}

	written, err := os.ReadFile(a.ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(written) != string(doc) {
		t.Error("written config differs from rendered document")
	}

	info, err := os.Stat(a.ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config permissions = %o, want 0600", perm)
	}
}

func TestApply_IdenticalFileSkipsReconfiguration(t *testing.T) {
	a, commands := newTestApplier(t)
	doc, _ := Render(sampleEndpoints(), 9000)

	if _, err := a.Apply(context.Background(), doc, true); err != nil {
		t.Fatal(err)
	}
	status, err := a.Apply(context.Background(), doc, true)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusAlreadySatisfied {
		t.Errorf("status = %q, want %q", status, StatusAlreadySatisfied)
	}
	if len(*commands) != 1 {
		t.Errorf("second apply must not run netplan again, got %v", *commands)
	}
}

func TestApply_NoSudoFailsBeforeTouchingAnything(t *testing.T) {
	a, commands := newTestApplier(t)
	doc, _ := Render(sampleEndpoints(), 9000)

	_, err := a.Apply(context.Background(), doc, false)
	if !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("expected ErrInsufficientPrivilege, got %v", err)
	}
	if _, statErr := os.Stat(a.ConfigPath); !os.IsNotExist(statErr) {
		t.Error("no file may be written without privileges")
	}
	if len(*commands) != 0 {
		t.Errorf("no command may run without privileges, got %v", *commands)
	}
}

func TestApply_NetplanFailureSurfaces(t *testing.T) {
	a, _ := newTestApplier(t)
	a.Run = func(context.Context, string, ...string) error {
		return fmt.Errorf("netplan exploded")
	}
	doc, _ := Render(sampleEndpoints(), 9000)

	if _, err := a.Apply(context.Background(), doc, true); err == nil {
		t.Error("network manager failure must be reported")
	}
}

// ──────────────────────────────────────────────
//  Verify
// ──────────────────────────────────────────────

func TestVerify_Match(t *testing.T) {
	a, _ := newTestApplier(t)
	a.Links = fakeLinks{
		"enp1s0f0np0":   {"10.200.0.1/30", 9000},
		"enP2p1s0f0np0": {"10.200.0.5/30", 9000},
	}
	if err := a.Verify(sampleEndpoints(), 9000); err != nil {
		t.Errorf("expected clean verification, got %v", err)
	}
}

func TestVerify_AddressMismatch(t *testing.T) {
	a, _ := newTestApplier(t)
	a.Links = fakeLinks{
		"enp1s0f0np0":   {"", 9000}, // apply silently failed
		"enP2p1s0f0np0": {"10.200.0.5/30", 9000},
	}
	err := a.Verify(sampleEndpoints(), 9000)
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "enp1s0f0np0") {
		t.Errorf("error should name the offending adapter: %v", err)
	}
}

func TestVerify_MTUMismatch(t *testing.T) {
	a, _ := newTestApplier(t)
	a.Links = fakeLinks{
		"enp1s0f0np0":   {"10.200.0.1/30", 1500},
		"enP2p1s0f0np0": {"10.200.0.5/30", 9000},
	}
	if err := a.Verify(sampleEndpoints(), 9000); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestVerify_UnreadableLink(t *testing.T) {
	a, _ := newTestApplier(t)
	a.Links = fakeLinks{}
	if err := a.Verify(sampleEndpoints(), 9000); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestVerify_PerEndpointPrefix(t *testing.T) {
	eps := []plan.Endpoint{
		{Host: "h1", Adapter: "ib0", Address: netip.MustParseAddr("192.168.11.1"), PrefixLength: 24},
		{Host: "h1", Adapter: "ib1", Address: netip.MustParseAddr("10.200.0.1"), PrefixLength: 30},
	}
	a, _ := newTestApplier(t)
	a.Links = fakeLinks{
		"ib0": {"192.168.11.1/24", 9000},
		"ib1": {"10.200.0.1/30", 9000},
	}
	if err := a.Verify(eps, 9000); err != nil {
		t.Errorf("mixed prefixes must verify against their own sizes, got %v", err)
	}

	// The same live state read back at the wrong size is a mismatch.
	a.Links = fakeLinks{
		"ib0": {"192.168.11.1/24", 9000},
		"ib1": {"10.200.0.1/24", 9000},
	}
	if err := a.Verify(eps, 9000); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
}
