// Package main is the entry point for the oci-auth CLI.
//
// The CLI wraps the credential core: it discovers credential contexts
// from the instance metadata endpoint and the local profile file, probes
// their validity, and dispatches authenticated calls over signed REST
// with CLI fallback.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anirudhbiyani/oci-auth/pkg/ociauth"
)

const (
	exitError    = 1
	exitNotValid = 2
)

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
	case "report":
		return cmdReport(ctx, cmdArgs)
	case "profiles":
		return cmdProfiles(ctx, cmdArgs)
	case "test":
		return cmdTest(ctx, cmdArgs)
	case "test-all":
		return cmdTestAll(ctx, cmdArgs)
	case "refresh":
		return cmdRefresh(ctx, cmdArgs)
	case "export":
		return cmdExport(ctx, cmdArgs)
	case "import":
		return cmdImport(ctx, cmdArgs)
	case "call":
		return cmdCall(ctx, cmdArgs)
	case "version":
		return cmdVersion()
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nRun 'oci-auth help' for usage", cmd)
	}
}

func printUsage() {
	fmt.Println(`oci-auth - OCI credential context discovery and dispatch

Usage:
  oci-auth <command> [options]

Commands:
  report      Probe every context and print a capability summary
  profiles    List discovered credential contexts
  test        Test validity of one context
  test-all    Test validity of every context
  refresh     Re-read the profile file and rebuild the registry
  export      Write a registry snapshot to a file
  import      Merge a registry snapshot from a file
  call        Dispatch one authenticated call
  version     Show version information
  help        Show this help message

Common Options:
  --settings <path>       Settings file (default: ~/.oci-auth/config.yaml)

Profiles Options:
  -o, --output <fmt>      Output format: table or json (default: table)

Test Options:
  oci-auth test <context-id>

Export Options:
  --file <path>           Snapshot destination (required)
  --include-secrets       Include secret references in the snapshot

Import Options:
  --file <path>           Snapshot source (required)

Call Options:
  --context <id>          Context to use (default: preferred context)
  --method <verb>         HTTP method for the REST path (default: GET)
  --url <url>             REST endpoint; empty disables the REST path
  --body <json>           Request body for the REST path
  --cli <args>            Space-separated CLI subcommand for the fallback path

Examples:
  # What can this process authenticate as?
  oci-auth report

  # Test a single profile
  oci-auth test DEFAULT

  # List regions under the preferred context
  oci-auth call --url https://identity.us-ashburn-1.oraclecloud.com/20160918/regions \
    --cli "iam region list"

  # Snapshot the registry without secrets
  oci-auth export --file contexts.json

For more information, visit: https://github.com/anirudhbiyani/oci-auth`)
}

// newService loads settings and wires the credential core. Every command
// starts here; registry population happens in Initialize.
func newService(ctx context.Context, settingsPath string) (*ociauth.Service, error) {
	if settingsPath == "" {
		settingsPath = ociauth.DefaultSettingsPath()
	}
	settings, err := ociauth.LoadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	svc := ociauth.NewService(settings)
	warnings, err := svc.Initialize(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}
	printWarnings(warnings)
	return svc, nil
}

func printWarnings(warnings []ociauth.IncompleteProfileWarning) {
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: profile %s skipped, missing: %s\n",
			w.Profile, strings.Join(w.Missing, ", "))
	}
}

// settingsFlag extracts --settings from an argument list, returning the
// path and the remaining arguments.
func settingsFlag(args []string) (string, []string, error) {
	var path string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--settings" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--settings requires a path argument")
			}
			path = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return path, rest, nil
}

func cmdReport(ctx context.Context, args []string) error {
	settingsPath, rest, err := settingsFlag(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unknown option: %s", rest[0])
	}

	svc, err := newService(ctx, settingsPath)
	if err != nil {
		return err
	}

	fmt.Print(svc.Prober.CapabilityReport(ctx))
	return nil
}

type profilesOpts struct {
	output string
}

func parseProfilesOpts(args []string) (*profilesOpts, error) {
	opts := &profilesOpts{output: "table"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--output", "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--output requires an argument")
			}
			opts.output = args[i+1]
			i++
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	return opts, nil
}

func cmdProfiles(ctx context.Context, args []string) error {
	settingsPath, rest, err := settingsFlag(args)
	if err != nil {
		return err
	}
	opts, err := parseProfilesOpts(rest)
	if err != nil {
		return err
	}

	svc, err := newService(ctx, settingsPath)
	if err != nil {
		return err
	}

	contexts := svc.Registry.List()
	if len(contexts) == 0 {
		fmt.Println("No credential contexts found")
		return nil
	}

	switch opts.output {
	case "json":
		data, _ := json.MarshalIndent(contexts, "", "  ")
		fmt.Println(string(data))
	case "table":
		fmt.Printf("%-16s %-18s %-28s %-16s %s\n", "ID", "SCHEME", "TENANCY", "REGION", "VALID")
		for _, cc := range contexts {
			fmt.Printf("%-16s %-18s %-28s %-16s %t\n",
				cc.ID, cc.Scheme, ociauth.TruncateID(cc.TenancyID), cc.Region, cc.Valid)
		}
	default:
		return fmt.Errorf("unknown output format: %s", opts.output)
	}

	return nil
}

func cmdTest(ctx context.Context, args []string) error {
	settingsPath, rest, err := settingsFlag(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("context ID required")
	}
	id := rest[0]

	svc, err := newService(ctx, settingsPath)
	if err != nil {
		return err
	}

	res := svc.Prober.TestOne(ctx, id)
	printProbeResult(res)
	if !res.Valid {
		os.Exit(exitNotValid)
	}
	return nil
}

func cmdTestAll(ctx context.Context, args []string) error {
	settingsPath, rest, err := settingsFlag(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unknown option: %s", rest[0])
	}

	svc, err := newService(ctx, settingsPath)
	if err != nil {
		return err
	}

	results := svc.Prober.TestAll(ctx)
	if len(results) == 0 {
		fmt.Println("No credential contexts found")
		return nil
	}

	anyValid := false
	for _, res := range results {
		printProbeResult(res)
		anyValid = anyValid || res.Valid
	}
	if !anyValid {
		os.Exit(exitNotValid)
	}
	return nil
}

func printProbeResult(res ociauth.ProbeResult) {
	status := "✗ invalid"
	if res.Valid {
		status = "✓ valid"
	}
	fmt.Printf("%-16s %-10s %s (%s)\n", res.ContextID, status, res.Message, res.Duration.Round(time.Millisecond))
}

func cmdRefresh(ctx context.Context, args []string) error {
	settingsPath, rest, err := settingsFlag(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("unknown option: %s", rest[0])
	}

	svc, err := newService(ctx, settingsPath)
	if err != nil {
		return err
	}

	warnings, err := svc.Prober.RefreshAll(ctx)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	printWarnings(warnings)

	report := svc.Registry.Report()
	fmt.Printf("Reloaded %d context(s): %d valid, %d invalid\n",
		report.Total, report.Valid, report.Invalid)
	return nil
}

type exportOpts struct {
	file           string
	includeSecrets bool
}

func parseExportOpts(args []string) (*exportOpts, error) {
	opts := &exportOpts{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file", "-f":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--file requires a path argument")
			}
			opts.file = args[i+1]
			i++
		case "--include-secrets":
			opts.includeSecrets = true
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	if opts.file == "" {
		return nil, fmt.Errorf("--file is required")
	}
	return opts, nil
}

func cmdExport(ctx context.Context, args []string) error {
	settingsPath, rest, err := settingsFlag(args)
	if err != nil {
		return err
	}
	opts, err := parseExportOpts(rest)
	if err != nil {
		return err
	}

	svc, err := newService(ctx, settingsPath)
	if err != nil {
		return err
	}

	exportOptions := ociauth.ExportOptions{IncludeSecrets: opts.includeSecrets}
	if err := svc.Registry.ExportToFile(opts.file, exportOptions); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Printf("Exported %d context(s) to %s\n", len(svc.Registry.List()), opts.file)
	if opts.includeSecrets {
		fmt.Println("Snapshot contains secret references; key material is never exported")
	}
	return nil
}

func cmdImport(ctx context.Context, args []string) error {
	settingsPath, rest, err := settingsFlag(args)
	if err != nil {
		return err
	}

	var file string
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--file", "-f":
			if i+1 >= len(rest) {
				return fmt.Errorf("--file requires a path argument")
			}
			file = rest[i+1]
			i++
		default:
			return fmt.Errorf("unknown option: %s", rest[i])
		}
	}
	if file == "" {
		return fmt.Errorf("--file is required")
	}

	svc, err := newService(ctx, settingsPath)
	if err != nil {
		return err
	}

	added, err := svc.Registry.ImportFromFile(file)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Printf("Imported %d context(s); run 'oci-auth test-all' to establish validity\n", added)
	return nil
}

type callOpts struct {
	contextID string
	method    string
	url       string
	body      string
	cliArgs   []string
}

func parseCallOpts(args []string) (*callOpts, error) {
	opts := &callOpts{method: "GET"}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--context":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--context requires an ID argument")
			}
			opts.contextID = args[i+1]
			i++
		case "--method":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--method requires an argument")
			}
			opts.method = strings.ToUpper(args[i+1])
			i++
		case "--url":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--url requires an argument")
			}
			opts.url = args[i+1]
			i++
		case "--body":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--body requires an argument")
			}
			opts.body = args[i+1]
			i++
		case "--cli":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--cli requires an argument")
			}
			opts.cliArgs = strings.Fields(args[i+1])
			i++
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	if opts.url == "" && len(opts.cliArgs) == 0 {
		return nil, fmt.Errorf("at least one of --url or --cli is required")
	}
	return opts, nil
}

func cmdCall(ctx context.Context, args []string) error {
	settingsPath, rest, err := settingsFlag(args)
	if err != nil {
		return err
	}
	opts, err := parseCallOpts(rest)
	if err != nil {
		return err
	}

	svc, err := newService(ctx, settingsPath)
	if err != nil {
		return err
	}

	outcome, err := svc.Arbiter.Call(ctx, ociauth.CallSpec{
		ContextID: opts.contextID,
		Method:    opts.method,
		URL:       opts.url,
		Body:      []byte(opts.body),
		CLIArgs:   opts.cliArgs,
	})
	if err != nil {
		return fmt.Errorf("call failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Path: %s  Context: %s\n", outcome.Path, outcome.ContextID)
	if outcome.RestFailure != "" {
		fmt.Fprintf(os.Stderr, "REST fallback reason: %s\n", outcome.RestFailure)
	}
	os.Stdout.Write(outcome.Body)
	if len(outcome.Body) > 0 && outcome.Body[len(outcome.Body)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func cmdVersion() error {
	fmt.Println("oci-auth version 0.3.0")
	fmt.Println("  Paths: signed REST with CLI fallback")
	fmt.Println("  Schemes: platform identity, user principal")
	return nil
}
