package ociauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
)

const (
	// metadataBaseURL is the link-local instance metadata service. The v2
	// endpoints require the static "Bearer Oracle" authorization header,
	// a same-host-only gate documented by the provider, not a secret.
	metadataBaseURL       = "http://169.254.169.254/opc/v2"
	metadataAuthorization = "Bearer Oracle"

	// DefaultProbeTimeout bounds the metadata probe. The endpoint either
	// answers immediately or the process is not on OCI compute.
	DefaultProbeTimeout = 2 * time.Second

	tenancyOCIDPrefix = "ocid1.tenancy"
)

// MetadataClient probes the instance metadata service to detect whether
// the process runs inside the provider's compute fabric.
type MetadataClient struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// MetadataOption configures a MetadataClient.
type MetadataOption func(*MetadataClient)

// WithMetadataBaseURL overrides the metadata endpoint, mainly for tests.
func WithMetadataBaseURL(url string) MetadataOption {
	return func(m *MetadataClient) {
		m.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithMetadataTimeout overrides the probe timeout.
func WithMetadataTimeout(d time.Duration) MetadataOption {
	return func(m *MetadataClient) {
		m.client.Timeout = d
	}
}

// WithMetadataLogger sets the logger.
func WithMetadataLogger(log *slog.Logger) MetadataOption {
	return func(m *MetadataClient) {
		m.log = log
	}
}

// NewMetadataClient creates a metadata prober with default settings.
func NewMetadataClient(opts ...MetadataOption) *MetadataClient {
	m := &MetadataClient{
		baseURL: metadataBaseURL,
		client:  &http.Client{Timeout: DefaultProbeTimeout},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// instanceDocument mirrors the metadata service response body.
type instanceDocument struct {
	ID                  string `json:"id"`
	CompartmentID       string `json:"compartmentId"`
	AvailabilityDomain  string `json:"availabilityDomain"`
	FaultDomain         string `json:"faultDomain"`
	Region              string `json:"region"`
	CanonicalRegionName string `json:"canonicalRegionName"`
	Shape               string `json:"shape"`
	DisplayName         string `json:"displayName"`
	TimeCreated         int64  `json:"timeCreated"`
	LifecycleState      string `json:"lifecycleState"`
}

// ProbePlatformIdentity issues one short-timeout GET against the metadata
// endpoint. Any failure means "not running on this platform" and yields
// (nil, false); it never returns an error to the caller.
func (m *MetadataClient) ProbePlatformIdentity(ctx context.Context) (*PlatformIdentitySnapshot, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/instance/", nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("Authorization", metadataAuthorization)

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Debug("platform identity unavailable", "error", err)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.log.Debug("platform identity unavailable", "status", resp.StatusCode)
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, false
	}

	var doc instanceDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		m.log.Debug("malformed instance metadata", "error", err)
		return nil, false
	}
	if doc.ID == "" {
		return nil, false
	}

	snap := &PlatformIdentitySnapshot{
		InstanceID:         doc.ID,
		CompartmentID:      doc.CompartmentID,
		TenancyID:          deriveTenancyID(doc.CompartmentID),
		AvailabilityDomain: doc.AvailabilityDomain,
		FaultDomain:        doc.FaultDomain,
		Region:             canonicalRegion(doc),
		Shape:              doc.Shape,
		DisplayName:        doc.DisplayName,
	}
	m.log.Debug("platform identity detected",
		"instance", TruncateID(snap.InstanceID),
		"region", snap.Region,
		"shape", snap.Shape)
	return snap, true
}

// deriveTenancyID attempts a best-effort tenancy derivation from the
// compartment OCID. Instances launched in the root compartment carry the
// tenancy OCID directly; otherwise the sentinel is returned rather than
// guessing. The sentinel is a known-lossy placeholder, not a value to
// branch logic on.
func deriveTenancyID(compartmentID string) string {
	if strings.HasPrefix(compartmentID, tenancyOCIDPrefix) {
		return compartmentID
	}
	return AutoDetectedTenancy
}

// canonicalRegion prefers the canonical region name, resolving the short
// region code ("phx") when only that is present.
func canonicalRegion(doc instanceDocument) string {
	if doc.CanonicalRegionName != "" {
		return doc.CanonicalRegionName
	}
	if doc.Region == "" {
		return ""
	}
	return string(common.StringToRegion(doc.Region))
}
