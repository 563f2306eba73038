package config

// config_test.go: tests for settings loading, env overrides and deny
// matching.

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// clearEnv makes sure no CAPAUDIT_* variable from the outer environment
// leaks into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"RULES", "POLICY", "ATTESTATIONS", "KEYRING", "FORMAT", "WORKERS", "CHARGE_HANDLE_IO", "DENY"} {
		t.Setenv(EnvPrefix+name, "")
		os.Unsetenv(EnvPrefix + name)
	}
}

// ---------------------------------------------------------------------------
// parseDenyRule / matchDenyPattern
// ---------------------------------------------------------------------------

func TestParseDenyRule(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Read(./target/**)", "target/**"},
		{"./target/**", "target/**"},
		{"target/**", "target/**"},
		{"Read(vendor/**)", "vendor/**"},
		{"  Read(./a.o)  ", "a.o"},
	}
	for _, tc := range tests {
		if got := parseDenyRule(tc.input); got != tc.want {
			t.Errorf("parseDenyRule(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestMatchDenyPattern(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"target/**", "target", true},
		{"target/**", "target/debug/libfoo.rlib", true},
		{"target/**", "other/target/foo", false},
		{"*.rlib", "libfoo.rlib", true},
		{"*.rlib", "deps/libfoo.rlib", false},
		{"**/*.rmeta", "target/debug/deps/libfoo.rmeta", true},
		{"**/*.rmeta", "libfoo.rmeta", true},
		{"**/*.rmeta", "libfoo.rlib", false},
		{"vendor", "vendor", true},
		{"vendor", "vendor/x.go", false},
	}
	for _, tc := range tests {
		if got := matchDenyPattern(tc.pattern, tc.path); got != tc.want {
			t.Errorf("matchDenyPattern(%q, %q) = %v, want %v", tc.pattern, tc.path, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// IsDenied / Filter
// ---------------------------------------------------------------------------

func TestSettings_IsDenied(t *testing.T) {
	s := &Settings{Permissions: Permissions{Deny: []string{"Read(./target/debug/build/**)", "*.so"}}}
	tests := []struct {
		path string
		want bool
	}{
		{"target/debug/build/foo/out/libfoo.a", true},
		{"./target/debug/build", true},
		{"libssl.so", true},
		{"target/debug/deps/libfoo.rlib", false},
	}
	for _, tc := range tests {
		if got := s.IsDenied(tc.path); got != tc.want {
			t.Errorf("IsDenied(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestSettings_NilReceiver(t *testing.T) {
	var s *Settings
	if s.IsDenied("anything") {
		t.Error("nil settings must deny nothing")
	}
	if f := s.Filter(); f.IncludeLocal || f.IncludeAllKinds {
		t.Errorf("nil settings filter = %+v, want zero", f)
	}
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestLoad_Missing(t *testing.T) {
	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s != nil {
		t.Fatalf("Load = %+v, want nil", s)
	}
}

func TestLoad_Valid(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, Dir, "settings.yaml"), `
rules: rules.yaml
workers: 4
charge_handle_io: true
symbols:
  include_local: true
permissions:
  deny:
    - "Read(./target/**)"
`)
	s, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Rules != "rules.yaml" || s.Workers != 4 || !s.ChargeHandleIO {
		t.Errorf("unexpected settings: %+v", s)
	}
	if !s.Filter().IncludeLocal {
		t.Error("symbols.include_local not honored")
	}
	if !s.IsDenied("target/x.o") {
		t.Error("deny rule not loaded")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":      "workers: [",
		"bad format":    "format: xml\n",
		"negative pool": "workers: -1\n",
		"empty deny":    "permissions:\n  deny: [\"\"]\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, Dir, "settings.yaml"), body)
			if _, err := Load(root); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestResolve_Defaults(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	s, err := Resolve(root)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(root, Dir, "policy.yaml"); s.Policy != want {
		t.Errorf("Policy = %q, want %q", s.Policy, want)
	}
	if want := filepath.Join(root, Dir, "attestations"); s.Attestations != want {
		t.Errorf("Attestations = %q, want %q", s.Attestations, want)
	}
	if s.Format != "text" || s.Rules != "" || s.Keyring != "" {
		t.Errorf("unexpected defaults: %+v", s)
	}
}

func TestResolve_Precedence(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, Dir, "settings.yaml"), "workers: 2\nformat: yaml\nkeyring: keys.yaml\n")
	writeFile(t, filepath.Join(root, ".env"), "CAPAUDIT_WORKERS=6\nCAPAUDIT_FORMAT=json\nCAPAUDIT_DENY=target/**, *.so\n")
	t.Setenv("CAPAUDIT_FORMAT", "text")

	s, err := Resolve(root)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Workers != 6 {
		t.Errorf("Workers = %d, want 6 from .env", s.Workers)
	}
	if s.Format != "text" {
		t.Errorf("Format = %q, want process env to win", s.Format)
	}
	if want := filepath.Join(root, "keys.yaml"); s.Keyring != want {
		t.Errorf("Keyring = %q, want %q", s.Keyring, want)
	}
	if !s.IsDenied("target/a.o") || !s.IsDenied("libz.so") {
		t.Errorf("CAPAUDIT_DENY not applied: %v", s.Permissions.Deny)
	}
}

func TestResolve_BadEnv(t *testing.T) {
	for name, value := range map[string]string{
		"WORKERS":          "many",
		"CHARGE_HANDLE_IO": "sometimes",
		"FORMAT":           "xml",
	} {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(EnvPrefix+name, value)
			if _, err := Resolve(t.TempDir()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
