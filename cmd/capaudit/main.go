package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"capaudit/internal/analysis"
	"capaudit/internal/attest"
	"capaudit/internal/buildplan"
	"capaudit/internal/capability"
	"capaudit/internal/config"
	"capaudit/internal/demangle"
	"capaudit/internal/keystore"
	"capaudit/internal/policy"
	"capaudit/internal/rules"
	"capaudit/internal/symbol"
)

// errViolations makes check exit non-zero without an error message.
var errViolations = errors.New("policy violations found")

// app carries what every command needs. Commands write results to stdout
// and progress to stderr.
type app struct {
	ctx    context.Context
	root   string
	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

// command describes a CLI subcommand.
type command struct {
	name  string
	short string
	usage string
	long  string
	run   func(a *app, args []string) error
}

// commands is filled in init: the table refers to the run functions, whose
// flag sets print help from the table.
var commands []command

func init() {
	commands = []command{
		{
			name:  "init",
			short: "Write a starter policy file",
			usage: "capaudit init [--force]",
			long: `Write a commented policy file at the configured policy path
(default .capaudit/policy.yaml) granting a baseline set of capabilities to
every package.

When stdin is a terminal, prompts for the baseline; otherwise uses
alloc, panic, time. Refuses to overwrite an existing policy unless --force
is given.
`,
			run: runInit,
		},
		{
			name:  "check",
			short: "Audit a build plan against the policy",
			usage: "capaudit check [--format text|yaml|json|mermaid] <plan>",
			long: `Extract, classify and propagate capabilities for every package of the
build plan, apply verified attestations, and compare each package's
effective set with the policy.

Exits 1 when any package exceeds its allowance.
`,
			run: runCheck,
		},
		{
			name:  "caps",
			short: "Classify the symbols of one artifact",
			usage: "capaudit caps [--all] <artifact>",
			long: `Print the intrinsic capability set of one compiled artifact or Go package
directory, followed by the rule behind each classified symbol.

--all also lists symbols that classify as none.
`,
			run: runCaps,
		},
		{
			name:  "symbols",
			short: "List the demangled symbols of one artifact",
			usage: "capaudit symbols <artifact>",
			long: `Print every symbol the artifact defines or references, with its
mangling scheme and demangled path.
`,
			run: runSymbols,
		},
		{
			name:  "keygen",
			short: "Create a signing key and trust it",
			usage: "capaudit keygen <signer>",
			long: `Generate an ed25519 key for signer, store the private key under
$CAPAUDIT_HOME/keys (default ~/.capaudit/keys) and add the public key to
the keyring.

Errors if the signer already has a key.
`,
			run: runKeygen,
		},
		{
			name:  "attest",
			short: "Sign a capability claim for a built package",
			usage: "capaudit attest [--signer <id>] [--notes <text>] <plan> <package> <caps>",
			long: `Hash the package's artifacts as built by the plan and record a signed
claim that the package uses only caps (comma separated, or "*").

The claim replaces the package's computed intrinsic set in later checks for
as long as the artifacts are unchanged. --signer may be omitted when exactly
one key exists.
`,
			run: runAttest,
		},
		{
			name:  "gomod",
			short: "Print a build plan for a Go module",
			usage: "capaudit gomod [dir] [packages...]",
			long: `Load the packages of the Go module in dir (default: the current
directory) and print a build plan for them in YAML. Packages default to
./... and standard library packages are left out.
`,
			run: runGoMod,
		},
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "capaudit: supply-chain capability auditor\n\n")
	fmt.Fprintf(w, "Usage:\n  capaudit [--verbose] <command> [arguments]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.short)
	}
	fmt.Fprintf(w, "\nRun 'capaudit help <command>' for details on a specific command.\n")
}

func printCommandHelp(w io.Writer, name string) {
	for _, cmd := range commands {
		if cmd.name == name {
			fmt.Fprintf(w, "Usage: %s\n\n%s", cmd.usage, cmd.long)
			return
		}
	}
	fmt.Fprintf(w, "capaudit: unknown command %q\n\nRun 'capaudit help' for usage.\n", name)
}

func dispatch(a *app, args []string) error {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(a.stdout)
		return nil
	}
	if args[0] == "help" {
		if len(args) >= 2 {
			printCommandHelp(a.stdout, args[1])
		} else {
			printUsage(a.stdout)
		}
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(a, args[1:])
		}
	}
	return fmt.Errorf("unknown command %q\n\nRun 'capaudit help' for usage.", args[0])
}

// splitGlobal removes the global flags from args.
func splitGlobal(args []string) (rest []string, verbose bool) {
	for _, arg := range args {
		switch arg {
		case "--verbose", "-v":
			verbose = true
		default:
			rest = append(rest, arg)
		}
	}
	return rest, verbose
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// flags returns a flag set that reports errors instead of exiting.
func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() { printCommandHelp(a.stderr, name) }
	return fs
}

// ---------------------------------------------------------------------------
// workspace
// ---------------------------------------------------------------------------

func (a *app) settings() (*config.Settings, error) {
	return config.Resolve(a.root)
}

func (a *app) classifier(s *config.Settings) (*rules.Classifier, error) {
	table := rules.Default()
	if s.Rules != "" {
		extra, err := rules.Load(s.Rules)
		if err != nil {
			return nil, err
		}
		table = table.Extend(extra)
	}
	return rules.NewClassifier(table, rules.WithChargeHandleIO(s.ChargeHandleIO))
}

// policy loads the configured policy, falling back to the baseline when no
// policy file exists yet.
func (a *app) policy(s *config.Settings) (*policy.Policy, error) {
	if _, err := os.Stat(s.Policy); errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("no policy file, using baseline", zap.String("path", s.Policy))
		return policy.Default(), nil
	}
	return policy.Load(s.Policy)
}

func (a *app) keyringPath(s *config.Settings) (string, error) {
	if s.Keyring != "" {
		return s.Keyring, nil
	}
	ks, err := keystore.Open()
	if err != nil {
		return "", err
	}
	return ks.KeyringPath(), nil
}

// keyring loads the trusted signers. A missing keyring trusts nobody.
func (a *app) keyring(s *config.Settings) (*attest.Keyring, error) {
	path, err := a.keyringPath(s)
	if err != nil {
		return nil, err
	}
	kr, err := attest.LoadKeyring(path)
	if errors.Is(err, os.ErrNotExist) {
		return attest.NewKeyring(), nil
	}
	return kr, err
}

// deny adapts the settings' root-relative deny rules to artifact paths.
func (a *app) deny(s *config.Settings) func(string) bool {
	return func(path string) bool {
		if rel, err := filepath.Rel(a.root, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
		return s.IsDenied(path)
	}
}

// ---------------------------------------------------------------------------
// init
// ---------------------------------------------------------------------------

func runInit(a *app, args []string) error {
	fs := a.flags("init")
	force := fs.Bool("force", false, "overwrite an existing policy")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("usage: capaudit init [--force]")
	}
	s, err := a.settings()
	if err != nil {
		return err
	}
	if _, err := os.Stat(s.Policy); err == nil && !*force {
		return fmt.Errorf("policy %s already exists (use --force to overwrite)", s.Policy)
	}

	baseline := policy.Baseline
	if interactive() {
		baseline, err = promptBaseline(policy.Baseline)
		if err != nil {
			return fmt.Errorf("prompt: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.Policy), 0o755); err != nil {
		return fmt.Errorf("create policy dir: %w", err)
	}
	if err := os.WriteFile(s.Policy, policy.Scaffold(baseline), 0o644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	fmt.Fprintf(a.stdout, "wrote %s (baseline: %s)\n", s.Policy, baseline)
	return nil
}

// ---------------------------------------------------------------------------
// check
// ---------------------------------------------------------------------------

func runCheck(a *app, args []string) error {
	fs := a.flags("check")
	format := fs.String("format", "", "report format: text, yaml, json or mermaid")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: capaudit check [--format text|yaml|json|mermaid] <plan>")
	}
	s, err := a.settings()
	if err != nil {
		return err
	}
	if *format == "" {
		*format = s.Format
	}

	plan, err := buildplan.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	classifier, err := a.classifier(s)
	if err != nil {
		return err
	}
	pol, err := a.policy(s)
	if err != nil {
		return err
	}
	kr, err := a.keyring(s)
	if err != nil {
		return err
	}

	runner := &analysis.Runner{
		Rules:   classifier,
		Policy:  pol,
		Keyring: kr,
		Store:   &attest.Store{Dir: s.Attestations},
		Workers: s.Workers,
		Filter:  s.Filter(),
		Deny:    a.deny(s),
		Logger:  a.logger,
	}
	report, err := runner.Run(a.ctx, plan)
	if err != nil {
		return err
	}
	if err := report.Render(a.stdout, *format); err != nil {
		return err
	}
	if !report.OK() {
		return errViolations
	}
	return nil
}

// ---------------------------------------------------------------------------
// caps / symbols
// ---------------------------------------------------------------------------

func runCaps(a *app, args []string) error {
	fs := a.flags("caps")
	all := fs.Bool("all", false, "also list symbols classified as none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: capaudit caps [--all] <artifact>")
	}
	s, err := a.settings()
	if err != nil {
		return err
	}
	classifier, err := a.classifier(s)
	if err != nil {
		return err
	}
	recs, source, err := symbol.Collect(a.ctx, fs.Arg(0), s.Filter())
	if err != nil {
		return err
	}

	in := classifier.Intrinsic(recs)
	fmt.Fprintf(a.stdout, "%s (%s, %d symbols): %s\n", fs.Arg(0), source, in.Symbols, in.Caps)
	if reason := in.AnyReason(); reason != "" {
		fmt.Fprintf(a.stdout, "  unrestricted: %s\n", reason)
	}

	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		p, _ := demangle.Demangle(r.Name)
		res := classifier.Classify(p)
		if res.Caps.IsEmpty() && !*all {
			continue
		}
		why := fmt.Sprintf("rule %d %q", res.Rule, res.Pattern)
		switch {
		case res.Default:
			why = "no rule matched"
		case res.HandleIO:
			why += " (handle I/O)"
		}
		fmt.Fprintf(a.stdout, "  %-12s %s  [%s]\n", res.Caps, p, why)
	}
	return nil
}

func runSymbols(a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: capaudit symbols <artifact>")
	}
	s, err := a.settings()
	if err != nil {
		return err
	}
	recs, _, err := symbol.Collect(a.ctx, args[0], s.Filter())
	if err != nil {
		return err
	}
	for _, r := range recs {
		p, ok := demangle.Demangle(r.Name)
		scheme := p.Scheme.String()
		if !ok {
			scheme = "raw"
		}
		state := "U"
		if r.Defined {
			state = "D"
		}
		fmt.Fprintf(a.stdout, "%s %-11s %s\n", state, scheme, p)
	}
	return nil
}

// ---------------------------------------------------------------------------
// keygen / attest
// ---------------------------------------------------------------------------

func runKeygen(a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: capaudit keygen <signer>")
	}
	signer := args[0]
	s, err := a.settings()
	if err != nil {
		return err
	}
	ks, err := keystore.Open()
	if err != nil {
		return err
	}
	pub, priv, err := attest.GenerateKey(nil)
	if err != nil {
		return err
	}
	keyPath, err := ks.WriteKey(signer, attest.EncodeKey(priv))
	if err != nil {
		return err
	}

	krPath, err := a.keyringPath(s)
	if err != nil {
		return err
	}
	kr, err := a.keyring(s)
	if err != nil {
		return err
	}
	kr.Add(signer, pub)
	if err := os.MkdirAll(filepath.Dir(krPath), 0o755); err != nil {
		return fmt.Errorf("create keyring dir: %w", err)
	}
	if err := kr.Save(krPath); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "created key for %s at %s\ntrusted in %s\npublic key: %s\n",
		signer, keyPath, krPath, attest.EncodeKey(pub))
	return nil
}

func runAttest(a *app, args []string) error {
	fs := a.flags("attest")
	signer := fs.String("signer", "", "signer id (default: the only stored key)")
	notes := fs.String("notes", "", "free-form justification stored with the claim")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("usage: capaudit attest [--signer <id>] [--notes <text>] <plan> <package> <caps>")
	}
	s, err := a.settings()
	if err != nil {
		return err
	}
	caps, err := capability.ParseCSV(fs.Arg(2))
	if err != nil {
		return err
	}

	plan, err := buildplan.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	pkg, err := plan.Find(fs.Arg(1))
	if err != nil {
		return err
	}
	g, err := plan.Graph()
	if err != nil {
		return err
	}
	n := g.Node(pkg.Identity().Key())
	hash, err := analysis.HashPackage(n, a.deny(s))
	if err != nil {
		return err
	}

	ks, err := keystore.Open()
	if err != nil {
		return err
	}
	if *signer == "" {
		signers, err := ks.Signers()
		if err != nil {
			return err
		}
		if len(signers) != 1 {
			return fmt.Errorf("found %d stored keys; pass --signer", len(signers))
		}
		*signer = signers[0]
	}
	encoded, err := ks.ReadKey(*signer)
	if err != nil {
		return err
	}
	priv, err := attest.DecodePrivateKey(encoded)
	if err != nil {
		return err
	}

	att := attest.Sign(priv, attest.Attestation{
		Package:  n.ID,
		Hash:     hash,
		Caps:     caps,
		Signer:   *signer,
		IssuedAt: time.Now(),
	})
	store := &attest.Store{Dir: s.Attestations}
	path, err := store.Write(att, *notes)
	if err != nil {
		return err
	}
	a.logger.Debug("attestation written", zap.String("package", n.Key()), zap.String("path", path))
	fmt.Fprintf(a.stdout, "attested %s as [%s] by %s\n  %s\n", n.Key(), caps, *signer, path)
	return nil
}

// ---------------------------------------------------------------------------
// gomod
// ---------------------------------------------------------------------------

func runGoMod(a *app, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir, args = args[0], args[1:]
	}
	plan, err := buildplan.FromGoModule(a.ctx, dir, args...)
	if err != nil {
		return err
	}
	data, err := plan.Marshal()
	if err != nil {
		return err
	}
	_, err = a.stdout.Write(data)
	return err
}

func main() {
	args, verbose := splitGlobal(os.Args[1:])
	logger, err := newLogger(verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "capaudit:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "capaudit:", err)
		os.Exit(2)
	}

	a := &app{ctx: ctx, root: root, stdout: os.Stdout, stderr: os.Stderr, logger: logger}
	err = dispatch(a, args)
	switch {
	case err == nil:
		return
	case errors.Is(err, errViolations):
		stop()
		logger.Sync()
		os.Exit(1)
	case errors.Is(err, flag.ErrHelp):
		return
	default:
		fmt.Fprintln(os.Stderr, "capaudit:", err)
		stop()
		logger.Sync()
		os.Exit(2)
	}
}
