// Package main is the entry point for the kmsctl CLI.
//
// The CLI drives declarative Cloud KMS keyring deployments: applying a
// configuration, previewing changes, validating deployed resources, and
// tearing down the asserted IAM and tag binding surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/erabusi/cloud-foundation-fabric/pkg/kms"
	"github.com/erabusi/cloud-foundation-fabric/pkg/providers/gcp"
)

const (
	exitError           = 1
	exitValidationError = 2
)

// envSettings are ambient settings read from KMSCTL_* variables. Flags
// override them.
type envSettings struct {
	StatePath string `envconfig:"STATE_PATH"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	var env envSettings
	if err := envconfig.Process("kmsctl", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if env.StatePath == "" {
		env.StatePath = kms.DefaultStateStorePath()
	}

	log := newLogger(env.LogLevel)

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "apply":
		return cmdApply(ctx, cmdArgs, env, log, false)
	case "plan":
		return cmdApply(ctx, cmdArgs, env, log, true)
	case "validate":
		return cmdValidate(ctx, cmdArgs, env, log)
	case "destroy":
		return cmdDestroy(ctx, cmdArgs, env, log)
	case "outputs":
		return cmdOutputs(ctx, cmdArgs, env, log)
	case "list":
		return cmdList(ctx, cmdArgs, env)
	case "describe":
		return cmdDescribe(ctx, cmdArgs, env)
	case "providers":
		return cmdProviders()
	case "version":
		return cmdVersion()
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nRun 'kmsctl help' for usage", cmd)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
}

func printUsage() {
	fmt.Println(`kmsctl - Declarative Cloud KMS keyring management

Usage:
  kmsctl <command> [options]

Commands:
  apply       Reconcile a keyring configuration against the cloud provider
  plan        Preview the changes apply would make (alias for apply --dry-run)
  validate    Validate a deployed keyring against its recorded resources
  destroy     Remove the asserted IAM members and tag bindings
  outputs     Print the identifiers a configuration exposes
  list        List tracked deployments
  describe    Show details of a tracked deployment
  providers   List available providers and their capabilities
  version     Show version information
  help        Show this help message

Apply/Plan Options:
  -f, --file <path>       Configuration file (JSON)
  --dry-run               Show what would be done without making changes
  --state <path>          State file path (default: ~/.kmsctl/state.json)
  --label <key=value>     Extra label for created keys (repeatable)
  -v, --verbose           Verbose output

Validate Options:
  --ref <id>              Deployment reference ID
  --check <id>            Run only the named check (repeatable)
  --timeout <duration>    Validation timeout (e.g., 30s, 1m)

Destroy Options:
  -f, --file <path>       Configuration file (JSON)
  --dry-run               Show what would be removed without making changes
  --force                 Destroy even deployments not tracked in state
  --yes                   Skip confirmation prompt

Environment:
  KMSCTL_STATE_PATH       State file path
  KMSCTL_LOG_LEVEL        Log level (trace, debug, info, warn, error)

Examples:
  # Apply a keyring configuration
  kmsctl apply -f keyring.json

  # Preview without changing anything
  kmsctl plan -f keyring.json

  # Validate a tracked deployment
  kmsctl validate --ref kms_keyring-gcp-abc12345

  # Remove asserted IAM members and tag bindings
  kmsctl destroy -f keyring.json --yes

  # List tracked deployments
  kmsctl list

A configuration file looks like:
  {
    "project": "my-project",
    "keyring": {"location": "europe-west1", "name": "test"},
    "keyring_create": false,
    "keys": {"key-a": null, "key-b": {"rotation_period": "2160h"}},
    "iam": {"roles/cloudkms.admin": ["group:owners@example.com"]},
    "key_purpose": {
      "key-c": {
        "purpose": "ASYMMETRIC_SIGN",
        "version_template": {"algorithm": "EC_SIGN_P384_SHA384"}
      }
    }
  }`)
}

// CLI options for apply and plan
type applyOpts struct {
	configFile string
	dryRun     bool
	statePath  string
	verbose    bool
	labels     map[string]string
}

func parseApplyOpts(args []string, env envSettings) (*applyOpts, error) {
	opts := &applyOpts{
		statePath: env.StatePath,
		labels:    make(map[string]string),
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f", "--file":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--file requires a path argument")
			}
			opts.configFile = args[i+1]
			i++
		case "--dry-run":
			opts.dryRun = true
		case "--state":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--state requires a path argument")
			}
			opts.statePath = args[i+1]
			i++
		case "--label":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--label requires a key=value argument")
			}
			key, value, ok := strings.Cut(args[i+1], "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid label: %s", args[i+1])
			}
			opts.labels[key] = value
			i++
		case "-v", "--verbose":
			opts.verbose = true
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	if opts.configFile == "" {
		return nil, fmt.Errorf("--file is required")
	}

	return opts, nil
}

func cmdApply(ctx context.Context, args []string, env envSettings, log zerolog.Logger, forceDryRun bool) error {
	opts, err := parseApplyOpts(args, env)
	if err != nil {
		return err
	}
	if forceDryRun {
		opts.dryRun = true
	}

	cfg, err := kms.LoadConfig(opts.configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !opts.dryRun {
		if err := gcp.Configure(ctx); err != nil {
			return fmt.Errorf("failed to configure GCP clients: %w", err)
		}
	}

	stateStore, err := kms.NewFileStateStore(opts.statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	manager := kms.NewManager(
		kms.WithStateStore(stateStore),
		kms.WithLogger(log),
	)

	if opts.verbose {
		fmt.Printf("Applying keyring %s/%s in project %s\n",
			cfg.Keyring.Location, cfg.Keyring.Name, cfg.Project)
		if opts.dryRun {
			fmt.Println("Dry-run mode: no changes will be made")
		}
	}

	outputs, err := manager.Apply(ctx, cfg, kms.ApplyOptions{
		DryRun: opts.dryRun,
		Labels: opts.labels,
	})
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	if opts.dryRun {
		fmt.Println("\n=== Plan ===")
		if outputs.Plan != nil {
			for _, action := range outputs.Plan.Actions {
				fmt.Printf("  %s %s %s\n", action.Operation, action.ResourceType, action.ResourceID)
			}
			fmt.Printf("\n%s\n", outputs.Plan.Summary)
		} else {
			fmt.Println("No changes")
		}
		return nil
	}

	fmt.Println("\n=== Apply Complete ===")
	fmt.Printf("Deployment ID: %s\n", outputs.Ref.ID)
	fmt.Printf("Keyring: %s\n", outputs.KeyringID)
	if len(outputs.KeyIDs) > 0 {
		fmt.Println("\nKeys:")
		for _, name := range sortedNames(outputs.KeyIDs) {
			fmt.Printf("  %s: %s\n", name, outputs.KeyIDs[name])
		}
	}
	return nil
}

type validateCmdOpts struct {
	refID     string
	checkIDs  []string
	timeout   time.Duration
	statePath string
}

func parseValidateOpts(args []string, env envSettings) (*validateCmdOpts, error) {
	opts := &validateCmdOpts{
		statePath: env.StatePath,
		timeout:   30 * time.Second,
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--ref":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--ref requires an ID argument")
			}
			opts.refID = args[i+1]
			i++
		case "--check":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--check requires an argument")
			}
			opts.checkIDs = append(opts.checkIDs, args[i+1])
			i++
		case "--timeout":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeout requires a duration argument")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid timeout duration: %w", err)
			}
			opts.timeout = d
			i++
		case "--state":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--state requires a path argument")
			}
			opts.statePath = args[i+1]
			i++
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	if opts.refID == "" {
		return nil, fmt.Errorf("--ref is required")
	}

	return opts, nil
}

func cmdValidate(ctx context.Context, args []string, env envSettings, log zerolog.Logger) error {
	opts, err := parseValidateOpts(args, env)
	if err != nil {
		return err
	}

	if err := gcp.Configure(ctx); err != nil {
		return fmt.Errorf("failed to configure GCP clients: %w", err)
	}

	stateStore, err := kms.NewFileStateStore(opts.statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	ref, err := stateStore.Get(ctx, opts.refID)
	if err != nil {
		return fmt.Errorf("deployment not found: %w", err)
	}

	manager := kms.NewManager(
		kms.WithStateStore(stateStore),
		kms.WithLogger(log),
	)

	fmt.Printf("Validating deployment: %s\n", ref.ID)

	report, err := manager.Validate(ctx, *ref, kms.ValidateOptions{
		CheckIDs: opts.checkIDs,
		Timeout:  opts.timeout,
	})
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Println("\n=== Validation Report ===")
	fmt.Printf("Deployment: %s\n", report.Ref.ID)
	fmt.Printf("Valid: %t\n", report.IsValid())
	fmt.Printf("Checks: %d passed, %d failed, %d skipped\n",
		report.Summary.PassedChecks,
		report.Summary.FailedChecks,
		report.Summary.SkippedChecks)

	for _, check := range report.Checks {
		status := "✓"
		switch check.Status {
		case kms.CheckStatusFailed:
			status = "✗"
		case kms.CheckStatusSkipped:
			status = "○"
		}

		fmt.Printf("\n%s %s [%s]\n", status, check.Name, check.Severity)
		if check.Status == kms.CheckStatusFailed && check.Remediation != "" {
			fmt.Printf("  Remediation: %s\n", check.Remediation)
		}
	}

	if !report.IsValid() {
		os.Exit(exitValidationError)
	}

	return nil
}

type destroyOpts struct {
	configFile string
	dryRun     bool
	force      bool
	yes        bool
	statePath  string
}

func parseDestroyOpts(args []string, env envSettings) (*destroyOpts, error) {
	opts := &destroyOpts{
		statePath: env.StatePath,
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f", "--file":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--file requires a path argument")
			}
			opts.configFile = args[i+1]
			i++
		case "--dry-run":
			opts.dryRun = true
		case "--force":
			opts.force = true
		case "--yes", "-y":
			opts.yes = true
		case "--state":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--state requires a path argument")
			}
			opts.statePath = args[i+1]
			i++
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	if opts.configFile == "" {
		return nil, fmt.Errorf("--file is required")
	}

	return opts, nil
}

func cmdDestroy(ctx context.Context, args []string, env envSettings, log zerolog.Logger) error {
	opts, err := parseDestroyOpts(args, env)
	if err != nil {
		return err
	}

	cfg, err := kms.LoadConfig(opts.configFile)
	if err != nil {
		return err
	}

	if !opts.dryRun {
		if err := gcp.Configure(ctx); err != nil {
			return fmt.Errorf("failed to configure GCP clients: %w", err)
		}
	}

	stateStore, err := kms.NewFileStateStore(opts.statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	manager := kms.NewManager(
		kms.WithStateStore(stateStore),
		kms.WithLogger(log),
	)

	destroyOptions := kms.DestroyOptions{
		DryRun: opts.dryRun,
		Force:  opts.force,
	}

	if !opts.yes {
		destroyOptions.Confirm = func(plan kms.Plan) bool {
			fmt.Println(plan.Summary)
			fmt.Println("Keyrings and crypto keys cannot be deleted and will remain.")
			fmt.Print("\nAre you sure? [y/N]: ")

			var response string
			fmt.Scanln(&response)
			return response == "y" || response == "Y" || response == "yes"
		}
	}

	if opts.dryRun {
		fmt.Println("Dry-run mode: no changes will be made")
	}

	if err := manager.Destroy(ctx, cfg, destroyOptions); err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}

	if opts.dryRun {
		fmt.Println("Would remove asserted IAM members and tag bindings")
	} else {
		fmt.Printf("Removed asserted surface of keyring %s/%s\n",
			cfg.Keyring.Location, cfg.Keyring.Name)
	}

	return nil
}

// cmdOutputs prints the identifiers a configuration would expose,
// computed offline via a dry-run.
func cmdOutputs(ctx context.Context, args []string, env envSettings, log zerolog.Logger) error {
	opts, err := parseApplyOpts(args, env)
	if err != nil {
		return err
	}

	cfg, err := kms.LoadConfig(opts.configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	manager := kms.NewManager(kms.WithLogger(log))
	outputs, err := manager.Apply(ctx, cfg, kms.ApplyOptions{DryRun: true})
	if err != nil {
		return err
	}

	result := map[string]interface{}{
		"id":       outputs.KeyringID,
		"location": outputs.Location,
		"name":     outputs.Name,
		"key_ids":  outputs.KeyIDs,
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

type listOpts struct {
	output    string
	statePath string
}

func parseListOpts(args []string, env envSettings) (*listOpts, error) {
	opts := &listOpts{
		statePath: env.StatePath,
		output:    "table",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--output", "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--output requires an argument")
			}
			opts.output = args[i+1]
			i++
		case "--state":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--state requires a path argument")
			}
			opts.statePath = args[i+1]
			i++
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	return opts, nil
}

func cmdList(ctx context.Context, args []string, env envSettings) error {
	opts, err := parseListOpts(args, env)
	if err != nil {
		return err
	}

	stateStore, err := kms.NewFileStateStore(opts.statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	refs, err := stateStore.List(ctx, kms.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	if len(refs) == 0 {
		fmt.Println("No deployments found")
		return nil
	}

	switch opts.output {
	case "json":
		data, _ := json.MarshalIndent(refs, "", "  ")
		fmt.Println(string(data))
	case "table":
		fmt.Printf("%-30s %-12s %-10s %-6s %s\n", "ID", "KIND", "PROVIDER", "OWNED", "CREATED")
		for _, ref := range refs {
			owned := "no"
			if ref.Owned {
				owned = "yes"
			}
			fmt.Printf("%-30s %-12s %-10s %-6s %s\n",
				truncate(ref.ID, 30),
				truncate(string(ref.Kind), 12),
				ref.Provider,
				owned,
				ref.CreatedAt.Format("2006-01-02"),
			)
		}
	default:
		return fmt.Errorf("unknown output format: %s", opts.output)
	}

	return nil
}

func cmdDescribe(ctx context.Context, args []string, env envSettings) error {
	if len(args) == 0 {
		return fmt.Errorf("deployment ID required")
	}

	refID := args[0]
	statePath := env.StatePath
	for i := 1; i < len(args); i++ {
		if args[i] == "--state" && i+1 < len(args) {
			statePath = args[i+1]
			break
		}
	}

	stateStore, err := kms.NewFileStateStore(statePath)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	ref, err := stateStore.Get(ctx, refID)
	if err != nil {
		return fmt.Errorf("deployment not found: %w", err)
	}

	fmt.Println("=== Deployment Details ===")
	fmt.Printf("ID: %s\n", ref.ID)
	fmt.Printf("Kind: %s\n", ref.Kind)
	fmt.Printf("Provider: %s\n", ref.Provider)
	fmt.Printf("Owned: %t\n", ref.Owned)
	fmt.Printf("Created: %s\n", ref.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Version: %d\n", ref.Version)

	if len(ref.ResourceIDs) > 0 {
		fmt.Println("\nResources:")
		for _, k := range sortedNames(ref.ResourceIDs) {
			fmt.Printf("  %s: %s\n", k, ref.ResourceIDs[k])
		}
	}

	return nil
}

func cmdProviders() error {
	providers := kms.DescribeProviders()

	fmt.Println("=== Available Providers ===")
	fmt.Printf("%-10s %-12s %s\n", "NAME", "LIFECYCLE", "CAPABILITIES")

	for _, p := range providers {
		lifecycle := "no"
		if p.IsLifecycle {
			lifecycle = "yes"
		}

		caps := make([]string, 0, len(p.Capabilities))
		for _, c := range p.Capabilities {
			caps = append(caps, string(c))
		}

		fmt.Printf("%-10s %-12s %s\n", p.Name, lifecycle, strings.Join(caps, ", "))
	}

	return nil
}

func cmdVersion() error {
	fmt.Println("kmsctl version 0.3.0")
	fmt.Println("  Core: keyring lifecycle management")
	fmt.Println("  Providers: gcp")
	return nil
}

// Helper functions

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
