// Package ociauth provides OCI credential context management, request
// signing, and REST/CLI dispatch arbitration.
//
// # Overview
//
// ociauth authenticates against the OCI API surface using two mutually
// exclusive credential schemes, produces signed HTTP requests for the
// user-principal scheme, and arbitrates between a signed-REST execution
// path and a CLI execution path for every outbound call. Consumers ask
// for "a way to make an authenticated call" and receive either a signed
// request or CLI stdout; response parsing stays on their side.
//
// # Core Concepts
//
// ## Credential Contexts
//
// A CredentialContext is one fully-resolved credential + region + scheme
// tuple. Two schemes exist:
//   - PlatformIdentity: bound to the compute host via the instance
//     metadata service, no stored secret.
//   - UserPrincipal: backed by a named profile in the OCI credential
//     file and a long-lived API signing keypair.
//
// ## Registry
//
// The Registry holds the named contexts. It is populated once at startup
// by probing the metadata endpoint and parsing the credential file, and
// mutated only by explicit add/remove/refresh calls. Validity is a
// point-in-time annotation set by probes, never a TTL.
//
// ## Dispatch
//
// The Arbiter tries signed REST first when enabled and falls back to the
// external CLI on any failure, exactly once per call, never the other
// way around, and never both.
//
// # Usage
//
// ## Wiring the core
//
//	settings, err := ociauth.LoadSettings(ociauth.DefaultSettingsPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	svc := ociauth.NewService(settings)
//	warnings, err := svc.Initialize(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, w := range warnings {
//	    fmt.Printf("skipped profile %s: missing %v\n", w.Profile, w.Missing)
//	}
//
// ## Making a call
//
//	outcome, err := svc.Arbiter.Call(ctx, ociauth.CallSpec{
//	    Method:  "GET",
//	    URL:     "https://identity.us-phoenix-1.oraclecloud.com/20160918/regions",
//	    CLIArgs: []string{"iam", "region", "list"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("answered via %s\n", outcome.Path)
//
// ## Testing validity
//
//	for _, res := range svc.Prober.TestAll(ctx) {
//	    fmt.Printf("%s: valid=%v (%s)\n", res.ContextID, res.Valid, res.Message)
//	}
//
// # Security
//
// Private key files are read per signature and never held longer than
// one signing operation. Registry exports omit secret fields unless
// explicitly requested, and never include key bytes, only the key file
// path. Tenancy and user identifiers are truncated in reports and logs.
package ociauth
