package ociauth

import (
	"time"
)

// AuthScheme identifies how a credential context authenticates.
type AuthScheme string

const (
	// SchemePlatformIdentity is bound to the compute host itself via the
	// instance metadata service; no long-lived secret is stored.
	SchemePlatformIdentity AuthScheme = "platform_identity"
	// SchemeUserPrincipal is backed by a named profile and a long-lived
	// API signing keypair.
	SchemeUserPrincipal AuthScheme = "user_principal"
)

const (
	// PlatformContextID is the reserved registry identifier for the
	// platform-identity context. Profile names cannot collide with it
	// because '@' is not valid in an OCI config section name.
	PlatformContextID = "@instance"

	// DefaultProfileName is the profile the registry prefers when no
	// platform identity is available.
	DefaultProfileName = "DEFAULT"

	// AutoDetectedTenancy is the sentinel used when the tenancy OCID could
	// not be derived from instance metadata. It is usable for calls that
	// do not require a real tenancy id, never for cross-tenancy requests.
	AutoDetectedTenancy = "auto-detected"

	// DefaultRegion is the fallback region for profiles that omit one.
	DefaultRegion = "us-ashburn-1"
)

// SecretRef holds the user-principal signing material references.
// It carries the key file path, never the key bytes.
type SecretRef struct {
	UserID      string `json:"user_id"`
	Fingerprint string `json:"fingerprint"`
	KeyFile     string `json:"key_file"`
}

// CredentialContext is one fully-resolved, independently usable
// credential + region + scheme tuple.
type CredentialContext struct {
	// ID is the registry key: the profile name for user principals,
	// PlatformContextID for the platform-identity context.
	ID string `json:"id"`

	// Scheme is the authentication scheme.
	Scheme AuthScheme `json:"scheme"`

	// TenancyID is the tenancy OCID, or AutoDetectedTenancy when the
	// platform probe could not derive one.
	TenancyID string `json:"tenancy_id"`

	// Region is the canonical region name, e.g. "us-phoenix-1".
	Region string `json:"region"`

	// ProfileName is set only for user principals.
	ProfileName string `json:"profile_name,omitempty"`

	// Valid is the optimistic cache of the last validity probe. It is a
	// point-in-time annotation, not a guarantee at call time.
	Valid bool `json:"valid"`

	// Secret is populated only for user principals.
	Secret *SecretRef `json:"-"`
}

// Usable reports whether the context can be selected for calls. A user
// principal is unusable unless tenancy, user, fingerprint, and key file
// are all present.
func (c *CredentialContext) Usable() bool {
	if c == nil {
		return false
	}
	switch c.Scheme {
	case SchemePlatformIdentity:
		return true
	case SchemeUserPrincipal:
		return c.TenancyID != "" && c.Secret != nil &&
			c.Secret.UserID != "" && c.Secret.Fingerprint != "" && c.Secret.KeyFile != ""
	}
	return false
}

// missingFields lists the user-principal credential fields the context
// lacks, named as they appear in the profile file.
func (c *CredentialContext) missingFields() []string {
	var missing []string
	if c.TenancyID == "" {
		missing = append(missing, profileKeyTenancy)
	}
	if c.Secret == nil || c.Secret.UserID == "" {
		missing = append(missing, profileKeyUser)
	}
	if c.Secret == nil || c.Secret.Fingerprint == "" {
		missing = append(missing, profileKeyFingerprint)
	}
	if c.Secret == nil || c.Secret.KeyFile == "" {
		missing = append(missing, profileKeyKeyFile)
	}
	return missing
}

// clone returns a copy so registry internals are never aliased by callers.
func (c *CredentialContext) clone() *CredentialContext {
	cp := *c
	if c.Secret != nil {
		secret := *c.Secret
		cp.Secret = &secret
	}
	return &cp
}

// PlatformIdentitySnapshot is the machine-scoped identity extracted from
// the instance metadata endpoint.
type PlatformIdentitySnapshot struct {
	InstanceID         string `json:"id"`
	CompartmentID      string `json:"compartment_id"`
	TenancyID          string `json:"tenancy_id"`
	AvailabilityDomain string `json:"availability_domain"`
	FaultDomain        string `json:"fault_domain"`
	Region             string `json:"region"`
	Shape              string `json:"shape"`
	DisplayName        string `json:"display_name"`
}

// SigningRequest describes one outbound HTTP request to be signed.
// It is consumed once and discarded.
type SigningRequest struct {
	Method string
	URL    string
	Body   []byte
}

// SignedHeaderSet holds the four headers produced by signing. All four
// must be attached to the outbound request; omitting any one makes the
// request unauthenticatable server-side.
type SignedHeaderSet struct {
	Authorization string
	Date          string
	Host          string
	ContentSHA256 string
}

// Headers returns the set keyed by wire header name.
func (h *SignedHeaderSet) Headers() map[string]string {
	return map[string]string{
		"Authorization":    h.Authorization,
		"Date":             h.Date,
		"Host":             h.Host,
		"X-Content-Sha256": h.ContentSHA256,
	}
}

// RegistryReport is the aggregate view of the registry for operators.
type RegistryReport struct {
	Total            int      `json:"total"`
	Valid            int      `json:"valid"`
	Invalid          int      `json:"invalid"`
	PlatformIdentity bool     `json:"platform_identity"`
	Profiles         []string `json:"profiles"`
	Preferred        string   `json:"preferred,omitempty"`
}

// IncompleteProfileWarning names the fields a skipped profile was missing.
type IncompleteProfileWarning struct {
	Profile string   `json:"profile"`
	Missing []string `json:"missing"`
}

// ProbeResult is the outcome of one validity probe. Tenancy is truncated
// so full identifiers never leak into logs or shared transcripts.
type ProbeResult struct {
	ContextID string        `json:"context_id"`
	Method    Path          `json:"method"`
	Tenancy   string        `json:"tenancy"`
	Region    string        `json:"region"`
	Valid     bool          `json:"valid"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
}

// truncateIDLen is how much of an identifier reports may show.
const truncateIDLen = 20

// TruncateID shortens an identifier for display. Full tenancy and user
// OCIDs must never appear in reports or log lines.
func TruncateID(id string) string {
	if len(id) <= truncateIDLen {
		return id
	}
	return id[:truncateIDLen] + "..."
}
