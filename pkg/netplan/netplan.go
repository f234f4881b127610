// Package netplan renders the persistent fabric network configuration and
// applies it to the host. Rendering is byte-deterministic: the document is
// built from typed structs and marshalled, never assembled by text
// interpolation, so an unchanged plan produces an unchanged file and the
// applier can skip the live reconfiguration entirely.
package netplan

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"sigs.k8s.io/yaml"

	"github.com/fabricctl/fabricctl/pkg/plan"
)

// Apply-phase failure reasons.
var (
	// ErrInsufficientPrivilege: passwordless elevated privileges are not
	// available; nothing was touched.
	ErrInsufficientPrivilege = errors.New("insufficient privilege")
	// ErrVerificationFailed: the live state read back after apply does not
	// match the plan.
	ErrVerificationFailed = errors.New("verification failed")
)

// DefaultConfigPath is the well-known persistent fabric config file.
// The 90- prefix keeps it ordered after distro-managed netplan files.
const DefaultConfigPath = "/etc/netplan/90-rdma-fabric.yaml"

// Status is the outcome of an apply attempt.
type Status string

const (
	// StatusApplied: the config was written and the network manager ran.
	StatusApplied Status = "applied"
	// StatusAlreadySatisfied: the rendered config was byte-identical to
	// the existing file; no live reconfiguration happened.
	StatusAlreadySatisfied Status = "already-satisfied"
)

// document is the netplan YAML layout. sigs.k8s.io/yaml marshals through
// JSON, so map keys come out sorted and output is deterministic.
type document struct {
	Network network `json:"network"`
}

type network struct {
	Version   int                 `json:"version"`
	Ethernets map[string]ethernet `json:"ethernets"`
}

type ethernet struct {
	DHCP4     bool     `json:"dhcp4"`
	DHCP6     bool     `json:"dhcp6"`
	LinkLocal []string `json:"link-local"`
	MTU       int      `json:"mtu,omitempty"`
	Addresses []string `json:"addresses"`
}

// Render produces the persistent config document for a host's endpoints.
// Static addressing only; link-local auto-addressing is explicitly
// disabled per adapter so the fabric can never fall back to auto-assigned
// addresses. Each endpoint carries its own prefix length: links kept for
// continuity may use a different subnet size than freshly planned ones.
// Identical input yields byte-identical output.
func Render(endpoints []plan.Endpoint, mtu int) ([]byte, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints to render")
	}

	eths := make(map[string]ethernet, len(endpoints))
	for _, ep := range endpoints {
		if ep.Adapter == "" || !ep.Address.IsValid() {
			return nil, fmt.Errorf("endpoint for %s is incomplete: %+v", ep.Host, ep)
		}
		if ep.PrefixLength <= 0 || ep.PrefixLength > ep.Address.BitLen() {
			return nil, fmt.Errorf("endpoint %s/%s has invalid prefix length %d", ep.Host, ep.Adapter, ep.PrefixLength)
		}
		if _, dup := eths[ep.Adapter]; dup {
			return nil, fmt.Errorf("adapter %s assigned twice", ep.Adapter)
		}
		eths[ep.Adapter] = ethernet{
			DHCP4:     false,
			DHCP6:     false,
			LinkLocal: []string{},
			MTU:       mtu,
			Addresses: []string{netip.PrefixFrom(ep.Address, ep.PrefixLength).String()},
		}
	}

	return yaml.Marshal(document{Network: network{Version: 2, Ethernets: eths}})
}

// CommandRunner runs a host command; injectable for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// LinkReader reads back live adapter state for verification.
type LinkReader interface {
	// AddrAndMTU returns the first IPv4 address (CIDR form) and MTU of a
	// link. addr is empty when the link has no IPv4 address.
	AddrAndMTU(ifName string) (addr string, mtu int, err error)
}

// Applier writes the rendered document to the well-known path and drives
// the OS network manager. It is the only writer of the config file.
type Applier struct {
	ConfigPath string
	Run        CommandRunner
	Links      LinkReader
}

// NewApplier returns an Applier using the real netplan binary and netlink.
func NewApplier() *Applier {
	return &Applier{
		ConfigPath: DefaultConfigPath,
		Run: func(ctx context.Context, name string, args ...string) error {
			cmd := exec.CommandContext(ctx, name, args...)
			out, err := cmd.CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
			}
			return nil
		},
		Links: netlinkReader{},
	}
}

// Apply writes doc to the config path and asks the network manager to
// realize it. sudoAvailable is checked before any file is touched. A
// byte-identical existing file short-circuits to StatusAlreadySatisfied.
func (a *Applier) Apply(ctx context.Context, doc []byte, sudoAvailable bool) (Status, error) {
	if !sudoAvailable {
		return "", fmt.Errorf("%w: passwordless sudo is required to write %s", ErrInsufficientPrivilege, a.ConfigPath)
	}

	if existing, err := os.ReadFile(a.ConfigPath); err == nil && string(existing) == string(doc) {
		log.Infof("%s unchanged, skipping apply", a.ConfigPath)
		return StatusAlreadySatisfied, nil
	}

	if err := a.writeAtomic(doc); err != nil {
		return "", err
	}

	if err := a.Run(ctx, "netplan", "apply"); err != nil {
		return "", fmt.Errorf("netplan apply failed: %w", err)
	}
	log.Infof("applied fabric config %s", a.ConfigPath)
	return StatusApplied, nil
}

// writeAtomic writes the document with owner-only permissions via a
// temp-file-and-rename so an interrupted process never leaves a
// half-written config. The file encodes internal topology and must not be
// world-readable.
func (a *Applier) writeAtomic(doc []byte) error {
	dir := filepath.Dir(a.ConfigPath)
	tmp, err := os.CreateTemp(dir, ".fabric-*.yaml")
	if err != nil {
		return fmt.Errorf("cannot create temp file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot restrict permissions on %s: %w", tmp.Name(), err)
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), a.ConfigPath); err != nil {
		return fmt.Errorf("cannot move config into place: %w", err)
	}
	return nil
}

// Verify reads back live address and MTU for every endpoint and compares
// against the plan. Mismatches are reported, never silently accepted.
func (a *Applier) Verify(endpoints []plan.Endpoint, mtu int) error {
	var mismatches []string
	for _, ep := range endpoints {
		want := netip.PrefixFrom(ep.Address, ep.PrefixLength).String()
		addr, liveMTU, err := a.Links.AddrAndMTU(ep.Adapter)
		if err != nil {
			mismatches = append(mismatches, fmt.Sprintf("%s: cannot read live state: %v", ep.Adapter, err))
			continue
		}
		if addr != want {
			mismatches = append(mismatches, fmt.Sprintf("%s: address %q, plan wants %q", ep.Adapter, addr, want))
		}
		if liveMTU != mtu {
			mismatches = append(mismatches, fmt.Sprintf("%s: MTU %d, plan wants %d", ep.Adapter, liveMTU, mtu))
		}
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, strings.Join(mismatches, "; "))
	}
	return nil
}

// AdapterNames returns the sorted adapters a rendered document would
// cover, for logging.
func AdapterNames(endpoints []plan.Endpoint) []string {
	names := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		names = append(names, ep.Adapter)
	}
	sort.Strings(names)
	return names
}

type netlinkReader struct{}

func (netlinkReader) AddrAndMTU(ifName string) (string, int, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return "", 0, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", 0, err
	}
	mtu := link.Attrs().MTU
	if len(addrs) == 0 || addrs[0].IPNet == nil {
		return "", mtu, nil
	}
	return addrs[0].IPNet.String(), mtu, nil
}
