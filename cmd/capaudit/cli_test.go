package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"capaudit/internal/capability"
	"capaudit/internal/keystore"
)

// testApp returns an app rooted at a fresh project directory with its own
// key home, plus its captured stdout.
func testApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	t.Setenv(keystore.EnvHome, t.TempDir())
	for _, name := range []string{"RULES", "POLICY", "ATTESTATIONS", "KEYRING", "FORMAT", "WORKERS", "CHARGE_HANDLE_IO", "DENY"} {
		t.Setenv("CAPAUDIT_"+name, "")
	}
	var out bytes.Buffer
	return &app{
		ctx:    context.Background(),
		root:   t.TempDir(),
		stdout: &out,
		stderr: &bytes.Buffer{},
		logger: zap.NewNop(),
	}, &out
}

// writePlan writes a two-package plan whose artifacts no symbol source can
// read, so both packages start out unrestricted.
func writePlan(t *testing.T, root string) string {
	t.Helper()
	for _, name := range []string{"app.bin", "lib.bin"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("opaque "+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(root, "plan.yaml")
	plan := `packages:
  - name: app
    version: 1.0.0
    artifacts: [app.bin]
    deps: [lib]
  - name: lib
    version: 0.3.1
    artifacts: [lib.bin]
`
	if err := os.WriteFile(path, []byte(plan), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---------------------------------------------------------------------------
// help and dispatch
// ---------------------------------------------------------------------------

func TestHelpContainsAllCommands(t *testing.T) {
	var sb strings.Builder
	printUsage(&sb)
	help := sb.String()
	if !strings.Contains(help, "Usage:") {
		t.Error("help output missing 'Usage:' header")
	}
	for _, cmd := range commands {
		if !strings.Contains(help, cmd.name) {
			t.Errorf("help output missing command %q", cmd.name)
		}
		if !strings.Contains(help, cmd.short) {
			t.Errorf("help output missing short description %q", cmd.short)
		}
	}
}

func TestLongHelpForKnownCommands(t *testing.T) {
	for _, cmd := range commands {
		t.Run(cmd.name, func(t *testing.T) {
			var sb strings.Builder
			printCommandHelp(&sb, cmd.name)
			if !strings.Contains(sb.String(), cmd.usage) {
				t.Errorf("long help for %q missing usage line %q\ngot: %s", cmd.name, cmd.usage, sb.String())
			}
		})
	}
}

func TestLongHelpUnknownCommand(t *testing.T) {
	var sb strings.Builder
	printCommandHelp(&sb, "no-such-command")
	if !strings.Contains(sb.String(), "unknown command") {
		t.Errorf("expected unknown-command message, got: %s", sb.String())
	}
}

func TestDispatchHelp(t *testing.T) {
	for _, args := range [][]string{nil, {"--help"}, {"-h"}, {"help"}, {"help", "check"}} {
		a, out := testApp(t)
		if err := dispatch(a, args); err != nil {
			t.Errorf("dispatch(%q) returned error: %v", args, err)
		}
		if out.Len() == 0 {
			t.Errorf("dispatch(%q) printed nothing", args)
		}
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	a, _ := testApp(t)
	err := dispatch(a, []string{"no-such-command-xyz"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestSubcommandBadArgsGivesUsage(t *testing.T) {
	for _, name := range []string{"check", "caps", "symbols", "keygen", "attest"} {
		t.Run(name, func(t *testing.T) {
			a, _ := testApp(t)
			err := dispatch(a, []string{name})
			if err == nil {
				t.Fatalf("dispatch(%q) with no args should return error", name)
			}
			if !strings.Contains(err.Error(), "usage: capaudit "+name) {
				t.Errorf("dispatch(%q) = %v, want usage error", name, err)
			}
		})
	}
}

func TestSubcommandHelpFlagPrintsLongHelp(t *testing.T) {
	for _, cmd := range commands {
		switch cmd.name {
		case "symbols", "keygen", "gomod":
			continue // no flags
		}
		t.Run(cmd.name, func(t *testing.T) {
			a, _ := testApp(t)
			stderr := a.stderr.(*bytes.Buffer)
			err := dispatch(a, []string{cmd.name, "-h"})
			if !errors.Is(err, flag.ErrHelp) {
				t.Fatalf("dispatch(%q, -h) = %v, want flag.ErrHelp", cmd.name, err)
			}
			if !strings.Contains(stderr.String(), cmd.usage) {
				t.Errorf("help for %q missing usage line %q\ngot: %s", cmd.name, cmd.usage, stderr)
			}
		})
	}
}

func TestSplitGlobal(t *testing.T) {
	rest, verbose := splitGlobal([]string{"--verbose", "check", "plan.yaml"})
	if !verbose || len(rest) != 2 || rest[0] != "check" {
		t.Errorf("splitGlobal = %q, %v", rest, verbose)
	}
	if _, verbose := splitGlobal([]string{"check"}); verbose {
		t.Error("verbose set without flag")
	}
}

func TestCommandsHaveRequiredFields(t *testing.T) {
	for _, cmd := range commands {
		if cmd.name == "" || cmd.short == "" || cmd.usage == "" || cmd.run == nil {
			t.Errorf("command %+v is incomplete", cmd.name)
		}
	}
}

// ---------------------------------------------------------------------------
// init / check / keygen / attest
// ---------------------------------------------------------------------------

func TestInitWritesPolicy(t *testing.T) {
	a, out := testApp(t)
	if err := dispatch(a, []string{"init"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(a.root, ".capaudit", "policy.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "caps: [alloc, panic, time]") {
		t.Errorf("unexpected policy:\n%s", data)
	}
	if !strings.Contains(out.String(), "wrote") {
		t.Errorf("unexpected output: %s", out)
	}
	if err := dispatch(a, []string{"init"}); err == nil {
		t.Error("second init should refuse to overwrite")
	}
	if err := dispatch(a, []string{"init", "--force"}); err != nil {
		t.Errorf("init --force: %v", err)
	}
}

func TestCheckAttestRoundTrip(t *testing.T) {
	a, out := testApp(t)
	plan := writePlan(t, a.root)

	err := dispatch(a, []string{"check", plan})
	if !errors.Is(err, errViolations) {
		t.Fatalf("check = %v, want violations", err)
	}
	if !strings.Contains(out.String(), "2 policy violation(s)") {
		t.Errorf("unexpected report:\n%s", out)
	}

	if err := dispatch(a, []string{"keygen", "alice"}); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := dispatch(a, []string{"keygen", "alice"}); !errors.Is(err, keystore.ErrKeyExists) {
		t.Errorf("second keygen = %v, want ErrKeyExists", err)
	}
	for pkg, caps := range map[string]string{"lib": "fs", "app": "stdio"} {
		if err := dispatch(a, []string{"attest", "--notes", "reviewed", plan, pkg, caps}); err != nil {
			t.Fatalf("attest %s: %v", pkg, err)
		}
	}

	policyPath := filepath.Join(a.root, ".capaudit", "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("rules:\n  - packages: [\"*\"]\n    caps: [stdio, fs]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := dispatch(a, []string{"check", "--format", "text", plan}); err != nil {
		t.Fatalf("check after attest: %v\n%s", err, out)
	}
	if !strings.Contains(out.String(), "No policy violations.") {
		t.Errorf("unexpected report:\n%s", out)
	}

	// A changed artifact invalidates its attestation.
	if err := os.WriteFile(filepath.Join(a.root, "lib.bin"), []byte("rebuilt"), 0o644); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := dispatch(a, []string{"check", plan}); !errors.Is(err, errViolations) {
		t.Fatalf("check after rebuild = %v, want violations", err)
	}
	if !strings.Contains(out.String(), "HashMismatch") {
		t.Errorf("expected HashMismatch diagnostic:\n%s", out)
	}
}

func TestCheckRejectsUnknownFormat(t *testing.T) {
	a, _ := testApp(t)
	plan := writePlan(t, a.root)
	if err := dispatch(a, []string{"check", "--format", "xml", plan}); err == nil || errors.Is(err, errViolations) {
		t.Fatalf("check --format xml = %v, want format error", err)
	}
}

func TestCapsOnUnsupportedArtifact(t *testing.T) {
	a, _ := testApp(t)
	path := filepath.Join(a.root, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := dispatch(a, []string{"caps", path}); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestGoModPrintsPlan(t *testing.T) {
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go command not available")
	}
	a, out := testApp(t)
	if err := os.WriteFile(filepath.Join(a.root, "go.mod"), []byte("module example.com/tool\n\ngo 1.22\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(a.root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := dispatch(a, []string{"gomod", a.root}); err != nil {
		t.Fatalf("gomod: %v", err)
	}
	if !strings.Contains(out.String(), "name: example.com/tool") {
		t.Errorf("unexpected plan:\n%s", out)
	}
}

// ---------------------------------------------------------------------------
// baseline prompt
// ---------------------------------------------------------------------------

func TestBaselinePrompt(t *testing.T) {
	m := newBaselineModel(capability.Of(capability.Alloc))
	m.input.SetValue("net, bogus")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(baselineModel)
	if m.done || m.errMsg == "" {
		t.Fatalf("invalid input accepted: %+v", m.caps)
	}

	m.input.SetValue("net, fs")
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(baselineModel)
	want := capability.Of(capability.Network, capability.FileSystem)
	if !m.done || !m.caps.Equal(want) {
		t.Errorf("caps = %s, want %s", m.caps, want)
	}
}
