// Package config loads capaudit settings from .capaudit/settings.yaml, an
// optional .env file and CAPAUDIT_* environment variables.
//
// The deny list follows the familiar permission form: patterns may be bare
// globs ("target/debug/build/**") or wrapped in a Read() verb
// ("Read(./target/debug/build/**)"). Denied artifacts are never opened.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"capaudit/internal/symbol"
)

// Dir is the per-project configuration directory.
const Dir = ".capaudit"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAPAUDIT_"

var validate = validator.New()

// Settings holds capaudit configuration. Relative paths are resolved
// against the project root.
type Settings struct {
	// Rules names an extra rule table whose rules take precedence over the
	// built-in ones.
	Rules        string `yaml:"rules,omitempty"`
	Policy       string `yaml:"policy,omitempty"`
	Attestations string `yaml:"attestations,omitempty"`
	Keyring      string `yaml:"keyring,omitempty"`
	Workers      int    `yaml:"workers,omitempty" validate:"gte=0,lte=1024"`
	// ChargeHandleIO makes reads and writes on already-open handles count
	// against the package instead of carrying no capability.
	ChargeHandleIO bool           `yaml:"charge_handle_io,omitempty"`
	Format         string         `yaml:"format,omitempty" validate:"omitempty,oneof=text yaml json mermaid"`
	Symbols        SymbolSettings `yaml:"symbols,omitempty"`
	Permissions    Permissions    `yaml:"permissions,omitempty"`
}

// SymbolSettings widens the default symbol filter.
type SymbolSettings struct {
	IncludeLocal    bool `yaml:"include_local,omitempty"`
	IncludeAllKinds bool `yaml:"include_all_kinds,omitempty"`
}

// Permissions controls which artifacts capaudit reads.
type Permissions struct {
	// Deny is a list of glob patterns for artifacts capaudit should not
	// read. Example: ["Read(./target/debug/build/**)"]
	Deny []string `yaml:"deny,omitempty" validate:"dive,required"`
}

// Defaults returns the settings used when nothing is configured.
func Defaults() *Settings {
	return &Settings{
		Policy:       filepath.Join(Dir, "policy.yaml"),
		Attestations: filepath.Join(Dir, "attestations"),
		Format:       "text",
	}
}

// Load reads .capaudit/settings.yaml relative to root. It returns nil (not
// an error) if the file does not exist.
func Load(root string) (*Settings, error) {
	path := filepath.Join(root, Dir, "settings.yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &s, nil
}

// Resolve returns the effective settings for root: defaults, overlaid by
// the settings file, overlaid by CAPAUDIT_* variables from the process
// environment or root/.env (the process wins). Paths come back absolute.
func Resolve(root string) (*Settings, error) {
	s := Defaults()
	file, err := Load(root)
	if err != nil {
		return nil, err
	}
	if file != nil {
		s.merge(file)
	}

	dotenv, err := godotenv.Read(filepath.Join(root, ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read .env: %w", err)
	}
	lookup := func(name string) (string, bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			return v, true
		}
		v, ok := dotenv[EnvPrefix+name]
		return v, ok
	}
	if err := s.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := validate.Struct(s); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for _, p := range []*string{&s.Rules, &s.Policy, &s.Attestations, &s.Keyring} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(abs, *p)
		}
	}
	return s, nil
}

func (s *Settings) merge(o *Settings) {
	for _, f := range []struct{ dst, src *string }{
		{&s.Rules, &o.Rules},
		{&s.Policy, &o.Policy},
		{&s.Attestations, &o.Attestations},
		{&s.Keyring, &o.Keyring},
		{&s.Format, &o.Format},
	} {
		if *f.src != "" {
			*f.dst = *f.src
		}
	}
	if o.Workers != 0 {
		s.Workers = o.Workers
	}
	s.ChargeHandleIO = s.ChargeHandleIO || o.ChargeHandleIO
	s.Symbols = o.Symbols
	s.Permissions.Deny = append(s.Permissions.Deny, o.Permissions.Deny...)
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	for name, dst := range map[string]*string{
		"RULES":        &s.Rules,
		"POLICY":       &s.Policy,
		"ATTESTATIONS": &s.Attestations,
		"KEYRING":      &s.Keyring,
		"FORMAT":       &s.Format,
	} {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sWORKERS: %w", EnvPrefix, err)
		}
		s.Workers = n
	}
	if v, ok := lookup("CHARGE_HANDLE_IO"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %sCHARGE_HANDLE_IO: %w", EnvPrefix, err)
		}
		s.ChargeHandleIO = b
	}
	if v, ok := lookup("DENY"); ok && v != "" {
		for _, rule := range strings.Split(v, ",") {
			if rule = strings.TrimSpace(rule); rule != "" {
				s.Permissions.Deny = append(s.Permissions.Deny, rule)
			}
		}
	}
	return nil
}

// Filter returns the symbol filter these settings select. Safe to call on
// a nil receiver.
func (s *Settings) Filter() symbol.Filter {
	if s == nil {
		return symbol.Filter{}
	}
	return symbol.Filter{
		IncludeLocal:    s.Symbols.IncludeLocal,
		IncludeAllKinds: s.Symbols.IncludeAllKinds,
	}
}

// IsDenied reports whether relPath (forward-slash, relative to the project
// root) matches any deny rule. Safe to call on a nil receiver.
func (s *Settings) IsDenied(relPath string) bool {
	if s == nil {
		return false
	}
	relPath = strings.TrimPrefix(filepath.ToSlash(relPath), "./")
	for _, rule := range s.Permissions.Deny {
		if matchDenyPattern(parseDenyRule(rule), relPath) {
			return true
		}
	}
	return false
}

// parseDenyRule extracts the path glob from a deny rule.
//
//	"Read(./target/**)" → "target/**"
//	"target/**"         → "target/**"
func parseDenyRule(rule string) string {
	rule = strings.TrimSpace(rule)
	if inner, ok := strings.CutPrefix(rule, "Read("); ok {
		rule = strings.TrimSuffix(inner, ")")
	}
	return strings.TrimPrefix(rule, "./")
}

// matchDenyPattern reports whether path matches a deny glob. "prefix/**"
// matches the prefix itself and everything beneath it; "**/name" matches
// name at any depth; anything else uses filepath.Match.
func matchDenyPattern(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	if suffix, ok := strings.CutPrefix(pattern, "**/"); ok {
		for p := path; ; {
			if matched, _ := filepath.Match(suffix, p); matched {
				return true
			}
			_, rest, found := strings.Cut(p, "/")
			if !found {
				return false
			}
			p = rest
		}
	}
	matched, _ := filepath.Match(pattern, path)
	return matched
}
