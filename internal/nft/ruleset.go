package nft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const (
	Family          = "inet"
	TableName       = "xctf"
	ChainInput      = "sandbox_access"
	ChainPrerouting = "sandbox_access_prerouting"
	MapPortToIP     = "sandbox_port_to_ip"
	SetStaticPorts  = "static_ports"
	SetSandboxPorts = "sandbox_ports"
)

// ErrRuleApply is returned when the kernel rejects a mapping mutation.
// Provisioning treats it as fatal and rolls back the whole instance.
var ErrRuleApply = errors.New("packet filter rejected rule")

// Mapping is one public-port route to a container address.
type Mapping struct {
	PublicPort  int
	ContainerIP string
}

// ResourceOutcome records the fate of one table resource during TeardownAll.
type ResourceOutcome struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Removed bool   `json:"removed"`
	Error   string `json:"error,omitempty"`
}

// TeardownReport summarizes a best-effort teardown: which resources were
// actually deleted, which were already gone, and which failed.
type TeardownReport struct {
	Outcomes []ResourceOutcome `json:"outcomes"`
}

func (r *TeardownReport) RemovedCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Removed {
			n++
		}
	}
	return n
}

func (r *TeardownReport) Failures() []ResourceOutcome {
	var failed []ResourceOutcome
	for _, o := range r.Outcomes {
		if o.Error != "" {
			failed = append(failed, o)
		}
	}
	return failed
}

// RuleSetManager performs idempotent create/update/delete of the xctf
// table, chains, map and sets. One mutex serializes every mutation: the
// kernel ruleset is a single shared resource.
type RuleSetManager struct {
	mu        sync.Mutex
	runner    Runner
	rulesFile string
	logger    *slog.Logger
}

func NewRuleSetManager(runner Runner, rulesFile string) *RuleSetManager {
	return &RuleSetManager{
		runner:    runner,
		rulesFile: rulesFile,
		logger:    slog.Default().With("component", "ruleset_manager"),
	}
}

// EnsureBase idempotently creates the table, map, sets, chains and their
// rules. Safe to call before every mutation: a concurrent FullTeardown may
// have deleted them.
func (m *RuleSetManager) EnsureBase(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureBaseLocked(ctx)
}

func (m *RuleSetManager) ensureBaseLocked(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, "list", "table", Family, TableName); err == nil {
		return nil
	}

	steps := [][]string{
		{"add", "table", Family, TableName},
		{"add", "map", Family, TableName, MapPortToIP,
			"{", "type", "inet_service", ".", "ipv4_addr", ":", "verdict;", "}"},
		{"add", "set", Family, TableName, SetStaticPorts,
			"{", "type", "inet_service;", "flags", "interval;", "}"},
		{"add", "set", Family, TableName, SetSandboxPorts,
			"{", "type", "inet_service;", "flags", "interval;", "}"},

		{"add", "chain", Family, TableName, ChainPrerouting,
			"{", "type", "filter", "hook", "prerouting", "priority", "-300;", "policy", "accept;", "}"},
		{"add", "rule", Family, TableName, ChainPrerouting,
			"tcp", "dport", "!=", "@" + SetSandboxPorts, "counter", "accept"},
		{"add", "rule", Family, TableName, ChainPrerouting,
			"tcp", "dport", "@" + SetStaticPorts,
			"counter", "log", "prefix", "[XCTF-PREROUTING-STATIC] ", "accept"},
		{"add", "rule", Family, TableName, ChainPrerouting,
			"tcp", "dport", "@" + SetSandboxPorts,
			"tcp", "dport", "!=", "@" + SetStaticPorts,
			"counter", "tcp", "dport", ".", "ip", "saddr", "vmap", "@" + MapPortToIP},
		{"add", "rule", Family, TableName, ChainPrerouting,
			"tcp", "dport", "@" + SetSandboxPorts,
			"tcp", "dport", "!=", "@" + SetStaticPorts,
			"counter", "log", "prefix", "[XCTF-PREROUTING-REJECT] ",
			"reject", "with", "tcp", "reset"},

		{"add", "chain", Family, TableName, ChainInput,
			"{", "type", "filter", "hook", "input", "priority", "-100;", "policy", "accept;", "}"},
		{"add", "rule", Family, TableName, ChainInput,
			"tcp", "dport", "!=", "@" + SetSandboxPorts,
			"counter", "log", "prefix", "[XCTF-ACCEPT-NON-SANDBOX] ", "accept"},
		{"add", "rule", Family, TableName, ChainInput,
			"tcp", "dport", "@" + SetStaticPorts,
			"counter", "log", "prefix", "[XCTF-ACCEPT-STATIC] ", "accept"},
		{"add", "rule", Family, TableName, ChainInput,
			"tcp", "dport", "@" + SetSandboxPorts,
			"tcp", "dport", "!=", "@" + SetStaticPorts,
			"counter", "tcp", "dport", ".", "ip", "saddr", "vmap", "@" + MapPortToIP},
		{"add", "rule", Family, TableName, ChainInput,
			"tcp", "dport", "@" + SetSandboxPorts,
			"tcp", "dport", "!=", "@" + SetStaticPorts,
			"counter", "log", "prefix", "[XCTF-REJECT] ",
			"reject", "with", "tcp", "reset"},
	}

	for _, args := range steps {
		if _, err := m.runner.Run(ctx, args...); err != nil {
			return fmt.Errorf("failed to create base ruleset: %w", err)
		}
	}
	m.logger.Info("base ruleset created", "table", TableName)
	return nil
}

// AddMapping installs a route for inbound traffic on the mapping's public
// port. Either the mapping becomes fully visible in the packet filter or
// nothing is applied.
func (m *RuleSetManager) AddMapping(ctx context.Context, mapping Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureBaseLocked(ctx); err != nil {
		return err
	}

	port := strconv.Itoa(mapping.PublicPort)
	if _, err := m.runner.Run(ctx, "add", "element", Family, TableName, SetSandboxPorts,
		"{", port, "}"); err != nil {
		return fmt.Errorf("%w: add port %d to %s: %v", ErrRuleApply, mapping.PublicPort, SetSandboxPorts, err)
	}

	if _, err := m.runner.Run(ctx, "add", "element", Family, TableName, MapPortToIP,
		"{", port, ".", mapping.ContainerIP, ":", "accept", "}"); err != nil {
		// Keep the set and the map consistent: a port in sandbox_ports with
		// no vmap entry would reject instead of route.
		m.deleteQuiet(ctx, "delete", "element", Family, TableName, SetSandboxPorts, "{", port, "}")
		return fmt.Errorf("%w: map port %d to %s: %v", ErrRuleApply, mapping.PublicPort, mapping.ContainerIP, err)
	}

	m.logger.Info("mapping installed", "public_port", mapping.PublicPort, "container_ip", mapping.ContainerIP)
	return nil
}

// mapEntryPattern matches "PORT . A.B.C.D : accept" lines from list map output.
var mapEntryPattern = regexp.MustCompile(`(\d+)\s+\.\s+(\d+\.\d+\.\d+\.\d+)\s+:\s+accept`)

// RemoveMapping deletes every map entry and set element for publicPort.
// Removing a non-existent entry succeeds silently.
func (m *RuleSetManager) RemoveMapping(ctx context.Context, publicPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	port := strconv.Itoa(publicPort)

	out, err := m.runner.Run(ctx, "list", "map", Family, TableName, MapPortToIP)
	if err == nil {
		for _, match := range mapEntryPattern.FindAllStringSubmatch(out, -1) {
			if match[1] != port {
				continue
			}
			m.deleteQuiet(ctx, "delete", "element", Family, TableName, MapPortToIP,
				"{", port, ".", match[2], ":", "accept", "}")
		}
	} else if !isNotFound(err) {
		m.logger.Warn("failed to list port map", "error", err)
	}

	m.deleteQuiet(ctx, "delete", "element", Family, TableName, SetSandboxPorts, "{", port, "}")
	m.deleteQuiet(ctx, "delete", "element", Family, TableName, SetStaticPorts, "{", port, "}")

	m.logger.Info("mapping removed", "public_port", publicPort)
	return nil
}

// AddStaticPort adds publicPort to the static allowlist set. Traffic to
// static ports is accepted directly instead of going through the vmap.
func (m *RuleSetManager) AddStaticPort(ctx context.Context, publicPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureBaseLocked(ctx); err != nil {
		return err
	}
	if _, err := m.runner.Run(ctx, "add", "element", Family, TableName, SetStaticPorts,
		"{", strconv.Itoa(publicPort), "}"); err != nil {
		return fmt.Errorf("%w: add static port %d: %v", ErrRuleApply, publicPort, err)
	}
	m.logger.Info("static port added", "public_port", publicPort)
	return nil
}

// RemoveStaticPort removes publicPort from the static allowlist. Idempotent.
func (m *RuleSetManager) RemoveStaticPort(ctx context.Context, publicPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteQuiet(ctx, "delete", "element", Family, TableName, SetStaticPorts,
		"{", strconv.Itoa(publicPort), "}")
	m.logger.Info("static port removed", "public_port", publicPort)
	return nil
}

// MappedPorts returns the ports currently present in the vmap. Used by the
// sweeper to detect rules with no backing store entry.
func (m *RuleSetManager) MappedPorts(ctx context.Context) (map[int]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.runner.Run(ctx, "list", "map", Family, TableName, MapPortToIP)
	if err != nil {
		if isNotFound(err) {
			return map[int]string{}, nil
		}
		return nil, fmt.Errorf("failed to list port map: %w", err)
	}

	ports := make(map[int]string)
	for _, match := range mapEntryPattern.FindAllStringSubmatch(out, -1) {
		port, convErr := strconv.Atoi(match[1])
		if convErr != nil {
			continue
		}
		ports[port] = match[2]
	}
	return ports, nil
}

// TeardownAll attempts removal of every xctf resource independently: both
// chains, the map, both sets, then the table. Failure of one attempt never
// skips the rest, and "already gone" is success.
func (m *RuleSetManager) TeardownAll(ctx context.Context) *TeardownReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	resources := []struct {
		kind string
		name string
		args []string
	}{
		{"chain", ChainInput, []string{"delete", "chain", Family, TableName, ChainInput}},
		{"chain", ChainPrerouting, []string{"delete", "chain", Family, TableName, ChainPrerouting}},
		{"map", MapPortToIP, []string{"delete", "map", Family, TableName, MapPortToIP}},
		{"set", SetStaticPorts, []string{"delete", "set", Family, TableName, SetStaticPorts}},
		{"set", SetSandboxPorts, []string{"delete", "set", Family, TableName, SetSandboxPorts}},
		{"table", TableName, []string{"delete", "table", Family, TableName}},
	}

	report := &TeardownReport{}
	for _, res := range resources {
		outcome := ResourceOutcome{Kind: res.kind, Name: res.name}
		if _, err := m.runner.Run(ctx, res.args...); err != nil {
			if isNotFound(err) {
				m.logger.Debug("resource already absent", "kind", res.kind, "name", res.name)
			} else {
				outcome.Error = err.Error()
				m.logger.Warn("failed to delete resource", "kind", res.kind, "name", res.name, "error", err)
			}
		} else {
			outcome.Removed = true
			m.logger.Info("resource deleted", "kind", res.kind, "name", res.name)
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	return report
}

// TablePresent reports whether the xctf table still exists. The cleanup
// command uses it as the final existence check.
func (m *RuleSetManager) TablePresent(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.runner.Run(ctx, "list", "table", Family, TableName)
	return err == nil
}

// SaveRules snapshots the live table to the configured rules file so the
// ruleset survives host reboots.
func (m *RuleSetManager) SaveRules(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.runner.Run(ctx, "list", "table", Family, TableName)
	if err != nil {
		return fmt.Errorf("failed to list table for snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.rulesFile), 0o755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}
	content := fmt.Sprintf("# X-CTF Firewall Rules\n# Generated at %s\n\n%s\n",
		time.Now().UTC().Format(time.RFC3339), out)
	if err := os.WriteFile(m.rulesFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write rules file: %w", err)
	}
	m.logger.Info("ruleset saved", "path", m.rulesFile)
	return nil
}

// deleteQuiet runs a deletion and suppresses "not found" outcomes. Other
// failures are logged and reported so callers can surface partial teardown.
func (m *RuleSetManager) deleteQuiet(ctx context.Context, args ...string) bool {
	if _, err := m.runner.Run(ctx, args...); err != nil {
		if !isNotFound(err) {
			m.logger.Warn("delete failed", "error", err)
		}
		return false
	}
	return true
}
