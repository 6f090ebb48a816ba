package ociauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/oracle/oci-go-sdk/v65/common"
)

// Path identifies which execution path produced an outcome.
type Path string

const (
	// PathREST is the signed-HTTP path.
	PathREST Path = "rest"
	// PathCLI is the external command-line tool path.
	PathCLI Path = "cli"
)

// callState is the per-call dispatch state. The state machine makes the
// ordering invariant structural: REST is attempted-then-abandoned before
// the CLI runs, and the two paths never both execute for one call.
type callState int

const (
	stateStart callState = iota
	stateRestAttempt
	stateCliFallback
	stateSuccess
	stateFailure
)

const (
	// DefaultCLITimeout bounds a CLI invocation when the caller sets none.
	DefaultCLITimeout = 30 * time.Second
	// DefaultHTTPTimeout bounds one signed REST call.
	DefaultHTTPTimeout = 30 * time.Second
	// defaultCLIBinary is the external tool invoked on the fallback path.
	defaultCLIBinary = "oci"
)

// CallSpec describes one logical operation the arbiter may satisfy over
// either path.
type CallSpec struct {
	// ContextID names the credential context to use. Empty selects the
	// registry's preferred context.
	ContextID string

	// Method, URL, and Body describe the REST request. An empty URL
	// disables the REST path for this call.
	Method string
	URL    string
	Body   []byte

	// CLIArgs is the subcommand argv for the fallback path, without the
	// auth, region, or output flags; the arbiter pins those itself.
	CLIArgs []string

	// Timeout bounds the CLI invocation. Zero means DefaultCLITimeout.
	Timeout time.Duration
}

// Outcome is the terminal result of a dispatched call. The response body
// or CLI stdout is handed back unparsed.
type Outcome struct {
	Path       Path   `json:"path"`
	ContextID  string `json:"context_id"`
	RequestID  string `json:"request_id,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       []byte `json:"-"`
	Stderr     []byte `json:"-"`

	// RestFailure records why the REST attempt was abandoned when the
	// outcome came from the CLI path.
	RestFailure string `json:"rest_failure,omitempty"`
}

// HTTPDoer abstracts the HTTP client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CommandRunner abstracts subprocess execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)
}

// execRunner runs commands with os/exec, bounded by the context.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Arbiter decides, per call, between the signed-REST path and the CLI
// path. REST goes first when enabled; on any failure the call falls back
// to the CLI exactly once. The asymmetry exists because the signing
// protocol covers only user principals, while the CLI already knows how
// to exchange platform identity for a token.
type Arbiter struct {
	registry    *Registry
	signer      *Signer
	client      HTTPDoer
	runner      CommandRunner
	restEnabled bool
	cliPath     string
	cliTimeout  time.Duration
	log         *slog.Logger
}

// ArbiterOption configures an Arbiter.
type ArbiterOption func(*Arbiter)

// WithRESTEnabled toggles the signed-REST path for this deployment.
func WithRESTEnabled(enabled bool) ArbiterOption {
	return func(a *Arbiter) {
		a.restEnabled = enabled
	}
}

// WithHTTPClient sets the HTTP client for the REST path.
func WithHTTPClient(client HTTPDoer) ArbiterOption {
	return func(a *Arbiter) {
		a.client = client
	}
}

// WithCommandRunner sets the subprocess runner for the CLI path.
func WithCommandRunner(runner CommandRunner) ArbiterOption {
	return func(a *Arbiter) {
		a.runner = runner
	}
}

// WithCLIPath sets the CLI binary path.
func WithCLIPath(path string) ArbiterOption {
	return func(a *Arbiter) {
		a.cliPath = path
	}
}

// WithCLITimeout sets the default bound on one CLI invocation, used when
// a CallSpec carries no per-call timeout.
func WithCLITimeout(d time.Duration) ArbiterOption {
	return func(a *Arbiter) {
		if d > 0 {
			a.cliTimeout = d
		}
	}
}

// WithSigner sets the request signer.
func WithSigner(signer *Signer) ArbiterOption {
	return func(a *Arbiter) {
		a.signer = signer
	}
}

// WithArbiterLogger sets the logger.
func WithArbiterLogger(log *slog.Logger) ArbiterOption {
	return func(a *Arbiter) {
		a.log = log
	}
}

// NewArbiter creates an Arbiter over the given registry.
func NewArbiter(registry *Registry, opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{
		registry:    registry,
		signer:      NewSigner(),
		client:      &http.Client{Timeout: DefaultHTTPTimeout},
		runner:      execRunner{},
		restEnabled: true,
		cliPath:     defaultCLIBinary,
		cliTimeout:  DefaultCLITimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Call dispatches one operation. The returned outcome says which path
// succeeded; on failure the error distinguishes "no context available"
// from "both paths failed" from "timeout".
func (a *Arbiter) Call(ctx context.Context, spec CallSpec) (*Outcome, error) {
	cc, err := a.resolveContext(spec.ContextID)
	if err != nil {
		return nil, err
	}
	return a.dispatch(ctx, spec, cc)
}

// restFailure records why a REST attempt was abandoned, with enough
// classification to pick the right terminal error if the CLI path also
// comes up empty.
type restFailure struct {
	reason       string
	authRejected bool
	network      bool
}

// dispatch runs the per-call state machine against an already-resolved
// context.
func (a *Arbiter) dispatch(ctx context.Context, spec CallSpec, cc *CredentialContext) (*Outcome, error) {
	var (
		state    = stateStart
		outcome  *Outcome
		restFail *restFailure
		callErr  error
	)

	for {
		switch state {
		case stateStart:
			if !a.restEnabled {
				restFail = &restFailure{reason: "REST path disabled for this deployment"}
				state = stateCliFallback
			} else if spec.URL == "" {
				restFail = &restFailure{reason: "no REST endpoint for this operation"}
				state = stateCliFallback
			} else {
				state = stateRestAttempt
			}

		case stateRestAttempt:
			outcome, restFail = a.tryREST(ctx, spec, cc)
			if outcome != nil {
				state = stateSuccess
			} else {
				// Log the reason once; REST is never retried for this call.
				a.log.Info("falling back to CLI", "context", cc.ID, "reason", restFail.reason)
				restFallbacksTotal.Inc()
				state = stateCliFallback
			}

		case stateCliFallback:
			outcome, callErr = a.tryCLI(ctx, spec, cc, restFail.reason)
			if outcome != nil {
				state = stateSuccess
			} else {
				callErr = classifyTerminal(callErr, restFail, spec, cc)
				state = stateFailure
			}

		case stateSuccess:
			dispatchCallsTotal.WithLabelValues(string(outcome.Path), "success").Inc()
			return outcome, nil

		case stateFailure:
			path := PathCLI
			if len(spec.CLIArgs) == 0 {
				path = PathREST
			}
			dispatchCallsTotal.WithLabelValues(string(path), "failure").Inc()
			return nil, callErr
		}
	}
}

// classifyTerminal picks the terminal error when both paths came up
// empty. A provider rejection stays an auth error even though the CLI
// ran afterwards, and a transport failure with no CLI equivalent is a
// plain network error rather than an exhausted dispatch.
func classifyTerminal(callErr error, restFail *restFailure, spec CallSpec, cc *CredentialContext) error {
	if !IsCategory(callErr, ErrCategoryDispatch) {
		return callErr
	}
	switch {
	case restFail.authRejected:
		return ErrAuthRejected("provider rejected the credential and the CLI path could not recover").
			WithContextID(cc.ID).
			WithDetail("rest", restFail.reason).
			WithCause(callErr)
	case restFail.network && len(spec.CLIArgs) == 0:
		return ErrNetwork(restFail.reason).WithContextID(cc.ID).WithOperation("rest")
	}
	return callErr
}

// resolveContext looks up the explicit context, or the preferred one.
func (a *Arbiter) resolveContext(id string) (*CredentialContext, error) {
	if id == "" {
		cc, ok := a.registry.Preferred()
		if !ok {
			return nil, ErrNoValidContext()
		}
		return cc, nil
	}
	cc, err := a.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if !cc.Usable() {
		return nil, ErrIncompleteProfile(cc.ID, cc.missingFields()).WithContextID(id)
	}
	return cc, nil
}

// tryREST performs at most one signed request. It returns either an
// outcome or the classified reason the attempt was abandoned.
func (a *Arbiter) tryREST(ctx context.Context, spec CallSpec, cc *CredentialContext) (*Outcome, *restFailure) {
	if cc.Scheme != SchemeUserPrincipal {
		// Platform identity would need a provider-side token exchange the
		// REST path does not implement; the CLI already does it.
		return nil, &restFailure{reason: "platform identity requires a token exchange; using CLI"}
	}

	headers, err := a.signer.Sign(SigningRequest{
		Method: spec.Method,
		URL:    spec.URL,
		Body:   spec.Body,
	}, cc)
	if err != nil {
		return nil, &restFailure{reason: fmt.Sprintf("signing failed: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.URL, bytes.NewReader(spec.Body))
	if err != nil {
		return nil, &restFailure{reason: fmt.Sprintf("invalid request: %v", err)}
	}
	headers.Apply(req)
	requestID := uuid.New().String()
	req.Header.Set("Opc-Request-Id", requestID)
	if len(spec.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &restFailure{reason: fmt.Sprintf("request failed: %v", err), network: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &restFailure{reason: fmt.Sprintf("reading response failed: %v", err), network: true}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// The provider rejected the signature or credential. Flip the
		// validity annotation so Preferred stops selecting this context.
		if err := a.registry.SetValid(cc.ID, false); err != nil {
			a.log.Warn("could not mark context invalid", "context", cc.ID, "error", err)
		}
		return nil, &restFailure{
			reason:       fmt.Sprintf("authentication rejected (status %d)", resp.StatusCode),
			authRejected: true,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &restFailure{reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	return &Outcome{
		Path:       PathREST,
		ContextID:  cc.ID,
		RequestID:  requestID,
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

// tryCLI composes and runs the external tool invocation, pinned to the
// context's auth flags and region, in machine-readable output mode.
func (a *Arbiter) tryCLI(ctx context.Context, spec CallSpec, cc *CredentialContext, restReason string) (*Outcome, error) {
	if len(spec.CLIArgs) == 0 {
		return nil, ErrDispatchExhausted(restReason, "no CLI equivalent for this operation").
			WithContextID(cc.ID)
	}

	args := make([]string, 0, len(spec.CLIArgs)+6)
	args = append(args, spec.CLIArgs...)
	if cc.Scheme == SchemePlatformIdentity {
		args = append(args, "--auth", "instance_principal")
	} else {
		args = append(args, "--profile", cc.ProfileName)
	}
	args = append(args, "--region", cc.Region, "--output", "json")

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = a.cliTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, err := a.runner.Run(runCtx, a.cliPath, args)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout(fmt.Sprintf("CLI invocation exceeded %s", timeout)).
				WithContextID(cc.ID).WithOperation("cli")
		}
		cliReason := fmt.Sprintf("%v", err)
		if len(stderr) > 0 {
			cliReason = fmt.Sprintf("%v: %s", err, bytes.TrimSpace(stderr))
		}
		return nil, ErrDispatchExhausted(restReason, cliReason).WithContextID(cc.ID)
	}

	return &Outcome{
		Path:        PathCLI,
		ContextID:   cc.ID,
		Body:        stdout,
		Stderr:      stderr,
		RestFailure: restReason,
	}, nil
}

// Capability wrappers

// iamAPIVersion and telemetryAPIVersion pin the REST API versions the
// wrappers target.
const (
	iamAPIVersion       = "20160918"
	telemetryAPIVersion = "20180401"
)

// serviceEndpoint builds the regional HTTPS endpoint for a service.
func serviceEndpoint(region, service string) string {
	return "https://" + common.StringToRegion(region).Endpoint(service)
}

// listRegionsSpec is the cheapest authenticated call the system makes;
// it doubles as the validity probe.
func listRegionsSpec(cc *CredentialContext) CallSpec {
	return CallSpec{
		ContextID: cc.ID,
		Method:    http.MethodGet,
		URL:       fmt.Sprintf("%s/%s/regions", serviceEndpoint(cc.Region, "identity"), iamAPIVersion),
		CLIArgs:   []string{"iam", "region", "list"},
	}
}

// ListRegions lists the provider's regions under the given (or preferred)
// context.
func (a *Arbiter) ListRegions(ctx context.Context, contextID string) (*Outcome, error) {
	cc, err := a.resolveContext(contextID)
	if err != nil {
		return nil, err
	}
	return a.dispatch(ctx, listRegionsSpec(cc), cc)
}

// ProbeContext runs the region-listing no-op against a context value
// directly, without a registry lookup. The registry uses this to decide
// the initial validity of contexts that are not yet inserted.
func (a *Arbiter) ProbeContext(ctx context.Context, cc *CredentialContext) bool {
	_, err := a.dispatch(ctx, listRegionsSpec(cc), cc)
	return err == nil
}

// MetricsQuery describes one monitoring query for SummarizeMetrics.
type MetricsQuery struct {
	CompartmentID string `json:"-"`
	Namespace     string `json:"namespace"`
	Query         string `json:"query"`
	StartTime     string `json:"startTime,omitempty"`
	EndTime       string `json:"endTime,omitempty"`
}

// SummarizeMetrics runs a monitoring query under the given (or preferred)
// context. The response is handed back unparsed; aggregation belongs to
// the consumer.
func (a *Arbiter) SummarizeMetrics(ctx context.Context, contextID string, q MetricsQuery) (*Outcome, error) {
	cc, err := a.resolveContext(contextID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(q)
	if err != nil {
		return nil, ErrInternal("cannot encode metrics query").WithCause(err)
	}

	cliArgs := []string{
		"monitoring", "metric-data", "summarize-metrics-data",
		"--compartment-id", q.CompartmentID,
		"--namespace", q.Namespace,
		"--query-text", q.Query,
	}
	if q.StartTime != "" {
		cliArgs = append(cliArgs, "--start-time", q.StartTime)
	}
	if q.EndTime != "" {
		cliArgs = append(cliArgs, "--end-time", q.EndTime)
	}

	return a.Call(ctx, CallSpec{
		ContextID: cc.ID,
		Method:    http.MethodPost,
		URL: fmt.Sprintf("%s/%s/metrics/actions/summarizeMetricsData?compartmentId=%s",
			serviceEndpoint(cc.Region, "telemetry"), telemetryAPIVersion, q.CompartmentID),
		Body:    body,
		CLIArgs: cliArgs,
	})
}
