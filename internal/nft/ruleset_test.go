package nft

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner records every issued command and fails commands whose joined
// form contains a configured substring.
type fakeRunner struct {
	commands []string
	fail     map[string]error
	output   map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		fail:   map[string]error{},
		output: map[string]string{},
	}
}

func (f *fakeRunner) Run(_ context.Context, args ...string) (string, error) {
	cmd := strings.Join(args, " ")
	f.commands = append(f.commands, cmd)
	for pattern, err := range f.fail {
		if strings.Contains(cmd, pattern) {
			return "", err
		}
	}
	for pattern, out := range f.output {
		if strings.Contains(cmd, pattern) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) issued(pattern string) bool {
	for _, cmd := range f.commands {
		if strings.Contains(cmd, pattern) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) count(pattern string) int {
	n := 0
	for _, cmd := range f.commands {
		if strings.Contains(cmd, pattern) {
			n++
		}
	}
	return n
}

func notFoundErr(what string) error {
	return fmt.Errorf("nft delete: Error: %s not found", what)
}

func TestEnsureBaseCreatesEverythingWhenTableAbsent(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["list table"] = notFoundErr("table")
	m := NewRuleSetManager(runner, "")

	if err := m.EnsureBase(context.Background()); err != nil {
		t.Fatalf("EnsureBase() error = %v", err)
	}

	for _, want := range []string{
		"add table inet xctf",
		"add map inet xctf sandbox_port_to_ip",
		"add set inet xctf static_ports",
		"add set inet xctf sandbox_ports",
		"add chain inet xctf sandbox_access_prerouting",
		"add chain inet xctf sandbox_access",
		"vmap @sandbox_port_to_ip",
	} {
		if !runner.issued(want) {
			t.Fatalf("EnsureBase() did not issue %q; commands: %v", want, runner.commands)
		}
	}
}

func TestEnsureBaseIsNoOpWhenTableExists(t *testing.T) {
	runner := newFakeRunner()
	m := NewRuleSetManager(runner, "")

	if err := m.EnsureBase(context.Background()); err != nil {
		t.Fatalf("EnsureBase() error = %v", err)
	}
	if len(runner.commands) != 1 || !strings.Contains(runner.commands[0], "list table") {
		t.Fatalf("EnsureBase() on existing table issued %v, want probe only", runner.commands)
	}
}

func TestAddMappingInstallsSetElementAndMapEntry(t *testing.T) {
	runner := newFakeRunner()
	m := NewRuleSetManager(runner, "")

	if err := m.AddMapping(context.Background(), Mapping{PublicPort: 33000, ContainerIP: "10.0.5.2"}); err != nil {
		t.Fatalf("AddMapping() error = %v", err)
	}
	if !runner.issued("add element inet xctf sandbox_ports { 33000 }") {
		t.Fatalf("sandbox_ports element missing; commands: %v", runner.commands)
	}
	if !runner.issued("add element inet xctf sandbox_port_to_ip { 33000 . 10.0.5.2 : accept }") {
		t.Fatalf("map entry missing; commands: %v", runner.commands)
	}
}

func TestAddMappingRollsBackSetElementOnMapFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["add element inet xctf sandbox_port_to_ip"] = errors.New("nft add: Error: Could not process rule")
	m := NewRuleSetManager(runner, "")

	err := m.AddMapping(context.Background(), Mapping{PublicPort: 33000, ContainerIP: "10.0.5.2"})
	if !errors.Is(err, ErrRuleApply) {
		t.Fatalf("AddMapping() error = %v, want ErrRuleApply", err)
	}
	if !runner.issued("delete element inet xctf sandbox_ports { 33000 }") {
		t.Fatalf("set element not rolled back; commands: %v", runner.commands)
	}
}

func TestRemoveMappingDeletesAllEntriesForPort(t *testing.T) {
	runner := newFakeRunner()
	runner.output["list map"] = `table inet xctf {
	map sandbox_port_to_ip {
		type inet_service . ipv4_addr : verdict
		elements = { 33000 . 10.0.5.2 : accept, 33001 . 10.0.5.3 : accept }
	}
}`
	m := NewRuleSetManager(runner, "")

	if err := m.RemoveMapping(context.Background(), 33000); err != nil {
		t.Fatalf("RemoveMapping() error = %v", err)
	}
	if !runner.issued("delete element inet xctf sandbox_port_to_ip { 33000 . 10.0.5.2 : accept }") {
		t.Fatalf("map entry delete missing; commands: %v", runner.commands)
	}
	if runner.issued("delete element inet xctf sandbox_port_to_ip { 33001") {
		t.Fatalf("deleted another port's map entry; commands: %v", runner.commands)
	}
	if !runner.issued("delete element inet xctf sandbox_ports { 33000 }") {
		t.Fatalf("sandbox_ports delete missing; commands: %v", runner.commands)
	}
	if !runner.issued("delete element inet xctf static_ports { 33000 }") {
		t.Fatalf("static_ports delete missing; commands: %v", runner.commands)
	}
}

func TestRemoveMappingIsQuietWhenNothingExists(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["list map"] = notFoundErr("map")
	runner.fail["delete element"] = notFoundErr("element")
	m := NewRuleSetManager(runner, "")

	if err := m.RemoveMapping(context.Background(), 40000); err != nil {
		t.Fatalf("RemoveMapping() on empty state error = %v", err)
	}
}

func TestTeardownAllAttemptsEveryResourceIndependently(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["delete chain inet xctf sandbox_access_prerouting"] = notFoundErr("chain")
	runner.fail["delete map"] = errors.New("nft delete: Error: Device or resource busy")
	m := NewRuleSetManager(runner, "")

	report := m.TeardownAll(context.Background())
	if len(report.Outcomes) != 6 {
		t.Fatalf("TeardownAll() outcomes = %d, want 6", len(report.Outcomes))
	}
	// Failure of the map deletion must not skip the sets and the table.
	if !runner.issued("delete set inet xctf static_ports") ||
		!runner.issued("delete set inet xctf sandbox_ports") ||
		!runner.issued("delete table inet xctf") {
		t.Fatalf("later deletions skipped; commands: %v", runner.commands)
	}
	if got := report.RemovedCount(); got != 4 {
		t.Fatalf("RemovedCount() = %d, want 4", got)
	}
	failures := report.Failures()
	if len(failures) != 1 || failures[0].Kind != "map" {
		t.Fatalf("Failures() = %+v, want single map failure", failures)
	}
	// Already-absent prerouting chain is neither removed nor failed.
	for _, o := range report.Outcomes {
		if o.Name == ChainPrerouting && (o.Removed || o.Error != "") {
			t.Fatalf("already-absent chain misreported: %+v", o)
		}
	}
}

func TestTeardownAllThenEnsureBaseRoundTrip(t *testing.T) {
	runner := newFakeRunner()
	m := NewRuleSetManager(runner, "")

	if report := m.TeardownAll(context.Background()); report.RemovedCount() != 6 {
		t.Fatalf("TeardownAll() removed %d resources, want 6", report.RemovedCount())
	}

	runner.fail["list table"] = notFoundErr("table")
	if err := m.EnsureBase(context.Background()); err != nil {
		t.Fatalf("EnsureBase() after teardown error = %v", err)
	}
	if !runner.issued("add table inet xctf") {
		t.Fatalf("base table not recreated; commands: %v", runner.commands)
	}
}

func TestMappedPortsParsesMapOutput(t *testing.T) {
	runner := newFakeRunner()
	runner.output["list map"] = `elements = { 33000 . 10.0.5.2 : accept,
		41234 . 10.0.5.7 : accept }`
	m := NewRuleSetManager(runner, "")

	ports, err := m.MappedPorts(context.Background())
	if err != nil {
		t.Fatalf("MappedPorts() error = %v", err)
	}
	if len(ports) != 2 || ports[33000] != "10.0.5.2" || ports[41234] != "10.0.5.7" {
		t.Fatalf("MappedPorts() = %v", ports)
	}
}

func TestMappedPortsEmptyWhenMapAbsent(t *testing.T) {
	runner := newFakeRunner()
	runner.fail["list map"] = notFoundErr("map")
	m := NewRuleSetManager(runner, "")

	ports, err := m.MappedPorts(context.Background())
	if err != nil {
		t.Fatalf("MappedPorts() error = %v", err)
	}
	if len(ports) != 0 {
		t.Fatalf("MappedPorts() = %v, want empty", ports)
	}
}

func TestSaveRulesWritesSnapshot(t *testing.T) {
	runner := newFakeRunner()
	runner.output["list table"] = "table inet xctf {\n}"
	path := filepath.Join(t.TempDir(), "rules", "xctf-rules.conf")
	m := NewRuleSetManager(runner, path)

	if err := m.SaveRules(context.Background()); err != nil {
		t.Fatalf("SaveRules() error = %v", err)
	}
	if runner.count("list table") != 1 {
		t.Fatalf("SaveRules() listed table %d times, want 1", runner.count("list table"))
	}
}
