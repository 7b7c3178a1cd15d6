// Package firewall installs host-level drop rules for blocked addresses.
package firewall

import (
	"context"
	"net/netip"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

var ErrInvalidAddress = errors.New("invalid IP address")

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type IPTablesConfig struct {
	// Sudo prefixes every command with sudo.
	Sudo bool
	// DryRun logs the command instead of running it.
	DryRun bool
	Chain  string
}

func DefaultIPTablesConfig() IPTablesConfig {
	return IPTablesConfig{
		Sudo:  true,
		Chain: "INPUT",
	}
}

// IPTables blocks addresses with iptables (IPv4) or ip6tables (IPv6) and
// remembers which addresses it blocked.
//
// Thread Safety: Safe for concurrent use.
type IPTables struct {
	config IPTablesConfig
	run    Runner

	mu      sync.RWMutex
	blocked map[string]struct{}
}

func NewIPTables(config IPTablesConfig) *IPTables {
	return NewIPTablesWithRunner(config, execRunner)
}

func NewIPTablesWithRunner(config IPTablesConfig, run Runner) *IPTables {
	if config.Chain == "" {
		config.Chain = "INPUT"
	}
	return &IPTables{
		config:  config,
		run:     run,
		blocked: make(map[string]struct{}),
	}
}

// Block appends a DROP rule for ip. Only literal IPv4/IPv6 addresses are
// accepted so nothing else ever reaches the command line.
func (t *IPTables) Block(ctx context.Context, ip string) error {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return errors.Wrapf(ErrInvalidAddress, "%q", ip)
	}
	addr = addr.Unmap()
	canonical := addr.String()

	name, args := t.command(addr)
	if t.config.DryRun {
		log.Info().Str("ip", canonical).Str("command", name+" "+strings.Join(args, " ")).Msg("Dry run: skipping firewall rule")
	} else {
		out, err := t.run(ctx, name, args...)
		if err != nil {
			return errors.Wrapf(err, "%s: %s", name, strings.TrimSpace(string(out)))
		}
		log.Info().Str("ip", canonical).Msg("Firewall rule added")
	}

	t.mu.Lock()
	t.blocked[canonical] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *IPTables) command(addr netip.Addr) (string, []string) {
	binary := "iptables"
	if addr.Is6() {
		binary = "ip6tables"
	}
	args := []string{"-A", t.config.Chain, "-s", addr.String(), "-j", "DROP"}
	if t.config.Sudo {
		return "sudo", append([]string{binary}, args...)
	}
	return binary, args
}

// Blocked returns the addresses blocked by this process, sorted.
func (t *IPTables) Blocked() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ips := make([]string, 0, len(t.blocked))
	for ip := range t.blocked {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}
