package ociauth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDoer serves the REST path and records that it ran.
type fakeDoer struct {
	calls    *[]string
	status   int
	body     string
	err      error
	lastReq  *http.Request
	lastBody []byte
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	*d.calls = append(*d.calls, "rest")
	d.lastReq = req
	if req.Body != nil {
		d.lastBody, _ = io.ReadAll(req.Body)
	}
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(strings.NewReader(d.body)),
	}, nil
}

// fakeRunner serves the CLI path and records that it ran.
type fakeRunner struct {
	calls        *[]string
	stdout       string
	err          error
	lastName     string
	lastArgs     []string
	lastDeadline time.Time
}

func (r *fakeRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	*r.calls = append(*r.calls, "cli")
	r.lastName = name
	r.lastArgs = args
	if d, ok := ctx.Deadline(); ok {
		r.lastDeadline = d
	}
	if r.err != nil {
		return nil, []byte("cli blew up"), r.err
	}
	return []byte(r.stdout), nil, nil
}

// dispatchFixture wires an arbiter over a registry holding one signable
// user-principal context and, optionally, a platform context.
func dispatchFixture(t *testing.T, platform bool, opts ...ArbiterOption) (*Arbiter, *Registry, *fakeDoer, *fakeRunner, *[]string) {
	t.Helper()

	keyFile, _ := testKey(t)
	content := "[DEFAULT]\ntenancy = ocid1.tenancy.oc1..aaaa\nuser = ocid1.user.oc1..bbbb\nfingerprint = 11:22:33\nkey_file = " + keyFile + "\nregion = us-phoenix-1\n"
	path := writeConfig(t, content)

	metadata := offPlatformMetadata(t)
	if platform {
		metadata = onPlatformMetadata(t)
	}
	registry := NewRegistry(WithConfigPath(path), WithMetadataClient(metadata))
	_, err := registry.Initialize(context.Background())
	require.NoError(t, err)

	calls := &[]string{}
	doer := &fakeDoer{calls: calls, status: http.StatusOK, body: `{"ok":true}`}
	runner := &fakeRunner{calls: calls, stdout: `{"data":[]}`}

	opts = append([]ArbiterOption{
		WithHTTPClient(doer),
		WithCommandRunner(runner),
	}, opts...)
	return NewArbiter(registry, opts...), registry, doer, runner, calls
}

func regionsSpec() CallSpec {
	return CallSpec{
		ContextID: "DEFAULT",
		Method:    http.MethodGet,
		URL:       "https://identity.us-phoenix-1.oraclecloud.com/20160918/regions",
		CLIArgs:   []string{"iam", "region", "list"},
	}
}

func TestCall_RestSucceedsWithoutCLI(t *testing.T) {
	arbiter, _, doer, _, calls := dispatchFixture(t, false)

	outcome, err := arbiter.Call(context.Background(), regionsSpec())
	require.NoError(t, err)

	assert.Equal(t, PathREST, outcome.Path)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Equal(t, []byte(`{"ok":true}`), outcome.Body)
	assert.Equal(t, []string{"rest"}, *calls)

	// The signed headers and request id rode along.
	req := doer.lastReq
	assert.NotEmpty(t, req.Header.Get("Authorization"))
	assert.NotEmpty(t, req.Header.Get("Date"))
	assert.NotEmpty(t, req.Header.Get("X-Content-Sha256"))
	assert.NotEmpty(t, req.Header.Get("Opc-Request-Id"))
}

func TestCall_RestFailureFallsBackToCLI(t *testing.T) {
	arbiter, _, doer, runner, calls := dispatchFixture(t, false)
	doer.err = errors.New("connection refused")

	outcome, err := arbiter.Call(context.Background(), regionsSpec())
	require.NoError(t, err)

	// REST first, then CLI, never the other way around.
	assert.Equal(t, []string{"rest", "cli"}, *calls)
	assert.Equal(t, PathCLI, outcome.Path)
	assert.Contains(t, outcome.RestFailure, "connection refused")
	assert.Equal(t, []byte(`{"data":[]}`), outcome.Body)

	// The invocation pinned profile, region, and output mode.
	args := strings.Join(runner.lastArgs, " ")
	assert.Contains(t, args, "--profile DEFAULT")
	assert.Contains(t, args, "--region us-phoenix-1")
	assert.Contains(t, args, "--output json")
	assert.NotContains(t, args, "--auth")
}

func TestCall_RestDisabledGoesStraightToCLI(t *testing.T) {
	arbiter, _, _, _, calls := dispatchFixture(t, false, WithRESTEnabled(false))

	outcome, err := arbiter.Call(context.Background(), regionsSpec())
	require.NoError(t, err)

	assert.Equal(t, []string{"cli"}, *calls)
	assert.Equal(t, PathCLI, outcome.Path)
}

func TestCall_PlatformIdentitySkipsSigning(t *testing.T) {
	arbiter, _, _, runner, calls := dispatchFixture(t, true)

	outcome, err := arbiter.Call(context.Background(), CallSpec{
		ContextID: PlatformContextID,
		Method:    http.MethodGet,
		URL:       "https://identity.us-phoenix-1.oraclecloud.com/20160918/regions",
		CLIArgs:   []string{"iam", "region", "list"},
	})
	require.NoError(t, err)

	// No REST attempt reaches the wire for platform identity; the CLI
	// performs the token exchange.
	assert.Equal(t, []string{"cli"}, *calls)
	assert.Equal(t, PathCLI, outcome.Path)
	assert.Contains(t, outcome.RestFailure, "token exchange")

	args := strings.Join(runner.lastArgs, " ")
	assert.Contains(t, args, "--auth instance_principal")
	assert.NotContains(t, args, "--profile")
}

func TestCall_BothPathsFailed(t *testing.T) {
	arbiter, _, doer, runner, calls := dispatchFixture(t, false)
	doer.err = errors.New("dial tcp: timeout")
	runner.err = errors.New("exit status 1")

	_, err := arbiter.Call(context.Background(), regionsSpec())
	require.Error(t, err)
	assert.Equal(t, []string{"rest", "cli"}, *calls)
	assert.True(t, IsCategory(err, ErrCategoryDispatch))

	// The combined error lists both failure reasons.
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, authErr.Details["rest"], "dial tcp")
	assert.Contains(t, authErr.Details["cli"], "exit status 1")
}

func TestCall_AuthRejectionMarksContextInvalid(t *testing.T) {
	arbiter, registry, doer, _, _ := dispatchFixture(t, false)
	doer.status = http.StatusUnauthorized
	doer.body = `{"code":"NotAuthenticated"}`

	outcome, err := arbiter.Call(context.Background(), regionsSpec())
	require.NoError(t, err) // the CLI still answered
	assert.Equal(t, PathCLI, outcome.Path)

	cc, err := registry.Get("DEFAULT")
	require.NoError(t, err)
	assert.False(t, cc.Valid)
}

func TestCall_NoValidContext(t *testing.T) {
	registry := NewRegistry(
		WithConfigPath(filepath.Join(t.TempDir(), "none")),
		WithMetadataClient(offPlatformMetadata(t)),
	)
	_, err := registry.Initialize(context.Background())
	require.NoError(t, err)

	arbiter := NewArbiter(registry)
	_, err = arbiter.Call(context.Background(), CallSpec{
		Method:  http.MethodGet,
		URL:     "https://identity.us-phoenix-1.oraclecloud.com/20160918/regions",
		CLIArgs: []string{"iam", "region", "list"},
	})
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryNoContext))
}

func TestCall_UnknownExplicitContext(t *testing.T) {
	arbiter, _, _, _, _ := dispatchFixture(t, false)

	_, err := arbiter.Call(context.Background(), CallSpec{
		ContextID: "nope",
		CLIArgs:   []string{"iam", "region", "list"},
	})
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryNotFound))
}

func TestCall_NoCLIEquivalent(t *testing.T) {
	arbiter, _, doer, _, _ := dispatchFixture(t, false)
	doer.status = http.StatusInternalServerError

	spec := regionsSpec()
	spec.CLIArgs = nil
	_, err := arbiter.Call(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryDispatch))
}

func TestCall_NetworkFailureWithoutCLIEquivalent(t *testing.T) {
	arbiter, _, doer, _, _ := dispatchFixture(t, false)
	doer.err = errors.New("dial tcp: connection refused")

	spec := regionsSpec()
	spec.CLIArgs = nil
	_, err := arbiter.Call(context.Background(), spec)
	require.Error(t, err)

	// A transport failure with nothing to fall back to surfaces as a
	// retryable network error, not an exhausted dispatch.
	assert.True(t, IsCategory(err, ErrCategoryNetwork))
	assert.True(t, IsRetryable(err))
}

func TestCall_AuthRejectionWithFailedCLIIsAuthError(t *testing.T) {
	arbiter, registry, doer, runner, _ := dispatchFixture(t, false)
	doer.status = http.StatusForbidden
	doer.body = `{"code":"NotAllowed"}`
	runner.err = errors.New("exit status 1")

	_, err := arbiter.Call(context.Background(), regionsSpec())
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryAuthRejected))

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, authErr.Details["rest"], "authentication rejected")

	cc, err := registry.Get("DEFAULT")
	require.NoError(t, err)
	assert.False(t, cc.Valid)
}

func TestCall_IncompleteContextRejected(t *testing.T) {
	arbiter, registry, _, _, calls := dispatchFixture(t, false)
	require.NoError(t, registry.Add("partial", CredentialContext{
		Scheme:    SchemeUserPrincipal,
		TenancyID: "ocid1.tenancy.oc1..aaaa",
		Region:    "us-phoenix-1",
		Secret:    &SecretRef{UserID: "ocid1.user.oc1..bbbb"},
	}))

	spec := regionsSpec()
	spec.ContextID = "partial"
	_, err := arbiter.Call(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryIncompleteProfile))
	assert.Contains(t, err.Error(), "fingerprint")
	assert.Contains(t, err.Error(), "key_file")
	// Neither path ran.
	assert.Empty(t, *calls)
}

func TestCall_ConfiguredCLITimeoutBoundsInvocation(t *testing.T) {
	arbiter, _, _, runner, _ := dispatchFixture(t, false,
		WithRESTEnabled(false), WithCLITimeout(5*time.Second))

	start := time.Now()
	_, err := arbiter.Call(context.Background(), regionsSpec())
	require.NoError(t, err)

	require.False(t, runner.lastDeadline.IsZero())
	remaining := runner.lastDeadline.Sub(start)
	assert.Greater(t, remaining, 4*time.Second)
	assert.LessOrEqual(t, remaining, 5*time.Second)

	// A per-call timeout still wins over the configured default.
	start = time.Now()
	spec := regionsSpec()
	spec.Timeout = time.Second
	_, err = arbiter.Call(context.Background(), spec)
	require.NoError(t, err)
	assert.LessOrEqual(t, runner.lastDeadline.Sub(start), time.Second)
}

func TestSummarizeMetrics_BuildsQueryCall(t *testing.T) {
	arbiter, _, doer, _, _ := dispatchFixture(t, false)

	q := MetricsQuery{
		CompartmentID: "ocid1.compartment.oc1..cccc",
		Namespace:     "oci_computeagent",
		Query:         "CpuUtilization[1m].mean()",
		StartTime:     "2026-03-14T00:00:00Z",
		EndTime:       "2026-03-14T01:00:00Z",
	}
	outcome, err := arbiter.SummarizeMetrics(context.Background(), "DEFAULT", q)
	require.NoError(t, err)
	assert.Equal(t, PathREST, outcome.Path)

	req := doer.lastReq
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Contains(t, req.URL.String(), "telemetry.us-phoenix-1.oraclecloud.com")
	assert.Contains(t, req.URL.String(), "summarizeMetricsData")
	assert.Contains(t, req.URL.String(), "compartmentId=ocid1.compartment.oc1..cccc")
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.True(t, bytes.Contains(doer.lastBody, []byte("oci_computeagent")))
	// The compartment travels in the query string, not the body.
	assert.False(t, bytes.Contains(doer.lastBody, []byte("ocid1.compartment")))
}

func TestListRegions_PrefersPreferredContext(t *testing.T) {
	arbiter, _, _, _, calls := dispatchFixture(t, false)

	outcome, err := arbiter.ListRegions(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "DEFAULT", outcome.ContextID)
	assert.Equal(t, []string{"rest"}, *calls)
}
