package ociauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ValidityProbe decides the initial validity of a freshly loaded user
// principal context. Wired to the prober's cheap no-op call; when absent,
// complete profiles are inserted optimistically valid.
type ValidityProbe func(ctx context.Context, cc *CredentialContext) bool

// Registry holds the named credential contexts. It is an explicit struct
// owned by one long-lived service object and passed by handle to every
// consumer; there is no ambient global instance.
//
// Concurrent reads are allowed; mutation (add/remove/refresh) is
// serialized by an internal lock. No entry is ever evicted by time.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]*CredentialContext
	order    []string

	configPath string
	metadata   *MetadataClient
	probe      ValidityProbe
	log        *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithConfigPath overrides the credential file location.
func WithConfigPath(path string) RegistryOption {
	return func(r *Registry) {
		r.configPath = path
	}
}

// WithMetadataClient sets the platform identity prober.
func WithMetadataClient(m *MetadataClient) RegistryOption {
	return func(r *Registry) {
		r.metadata = m
	}
}

// WithValidityProbe sets the initial-validity probe for loaded profiles.
func WithValidityProbe(p ValidityProbe) RegistryOption {
	return func(r *Registry) {
		r.probe = p
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry creates an empty registry. Call Initialize to populate it.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		contexts:   make(map[string]*CredentialContext),
		configPath: DefaultConfigPath(),
		metadata:   NewMetadataClient(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetValidityProbe replaces the initial-validity probe. The prober is
// constructed after the registry, so the wiring happens in two steps.
func (r *Registry) SetValidityProbe(p ValidityProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probe = p
}

// Initialize populates the registry: the platform-identity context first
// if the metadata endpoint is reachable, then one user-principal context
// per complete profile. Incomplete profiles are skipped and reported as
// warnings; a missing or unreadable credential file degrades to an empty
// registry rather than failing.
func (r *Registry) Initialize(ctx context.Context) ([]IncompleteProfileWarning, error) {
	snap, onPlatform := r.metadata.ProbePlatformIdentity(ctx)

	var platform *CredentialContext
	if onPlatform {
		platform = &CredentialContext{
			ID:        PlatformContextID,
			Scheme:    SchemePlatformIdentity,
			TenancyID: snap.TenancyID,
			Region:    snap.Region,
			Valid:     true,
		}
	}
	return r.rebuild(ctx, platform)
}

// Refresh performs a clear-and-reload of the user-principal contexts,
// preserving the platform-identity entry if one is present.
func (r *Registry) Refresh(ctx context.Context) ([]IncompleteProfileWarning, error) {
	r.mu.RLock()
	platform := r.contexts[PlatformContextID]
	if platform != nil {
		platform = platform.clone()
	}
	r.mu.RUnlock()

	return r.rebuild(ctx, platform)
}

// rebuild replaces the context map with the given platform entry (if any)
// plus the contexts loaded from the credential file. The profile load and
// validity probes run outside the lock; only the final swap is guarded.
func (r *Registry) rebuild(ctx context.Context, platform *CredentialContext) ([]IncompleteProfileWarning, error) {
	profiles, err := LoadProfiles(r.configPath)
	if err != nil {
		r.log.Warn("credential file unreadable, continuing with empty profile set",
			"path", r.configPath, "error", err)
		profiles = nil
	}

	contexts := make(map[string]*CredentialContext)
	var order []string
	if platform != nil {
		contexts[PlatformContextID] = platform
		order = append(order, PlatformContextID)
	}

	var warnings []IncompleteProfileWarning
	for i := range profiles {
		rec := &profiles[i]
		if missing := rec.MissingFields(); len(missing) > 0 {
			warnings = append(warnings, IncompleteProfileWarning{Profile: rec.Name, Missing: missing})
			r.log.Warn("skipping incomplete profile", "profile", rec.Name, "missing", missing)
			continue
		}
		if _, exists := contexts[rec.Name]; exists {
			r.log.Warn("duplicate profile section, keeping first", "profile", rec.Name)
			continue
		}

		cc := &CredentialContext{
			ID:          rec.Name,
			Scheme:      SchemeUserPrincipal,
			TenancyID:   rec.Tenancy,
			Region:      rec.EffectiveRegion(),
			ProfileName: rec.Name,
			Secret: &SecretRef{
				UserID:      rec.User,
				Fingerprint: rec.Fingerprint,
				KeyFile:     rec.KeyFile,
			},
		}
		if r.probe != nil {
			cc.Valid = r.probe(ctx, cc.clone())
		} else {
			cc.Valid = true
		}
		contexts[rec.Name] = cc
		order = append(order, rec.Name)
	}

	r.mu.Lock()
	r.contexts = contexts
	r.order = order
	r.mu.Unlock()

	return warnings, nil
}

// Get retrieves a context by identifier. The returned value is a copy;
// validity changes go through SetValid.
func (r *Registry) Get(id string) (*CredentialContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cc, exists := r.contexts[id]
	if !exists {
		return nil, ErrNotFound("context", id)
	}
	return cc.clone(), nil
}

// Preferred selects the context to use when the caller names none:
// the platform identity if present and valid, then the DEFAULT profile if
// present and valid, then the first valid context in insertion order.
// Platform identity leads because it requires no stored secret and is the
// least likely to rot.
func (r *Registry) Preferred() (*CredentialContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cc, ok := r.contexts[PlatformContextID]; ok && cc.Valid {
		return cc.clone(), true
	}
	if cc, ok := r.contexts[DefaultProfileName]; ok && cc.Valid && cc.Usable() {
		return cc.clone(), true
	}
	for _, id := range r.order {
		if cc := r.contexts[id]; cc.Valid && cc.Usable() {
			return cc.clone(), true
		}
	}
	return nil, false
}

// Add inserts a context under the given identifier. The context is
// inserted invalid and must be proven valid by a probe before Preferred
// will select it. At most one platform-identity context may exist, and
// only under the reserved identifier.
func (r *Registry) Add(id string, cc CredentialContext) error {
	if id == "" {
		return ErrInternal("empty context identifier")
	}
	if (cc.Scheme == SchemePlatformIdentity) != (id == PlatformContextID) {
		return ErrInternal("platform-identity contexts use the reserved identifier, user principals must not").
			WithContextID(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contexts[id]; exists {
		return ErrConflict("context", id)
	}

	cc.ID = id
	cc.Valid = false
	r.contexts[id] = cc.clone()
	r.order = append(r.order, id)
	return nil
}

// Remove deletes a context, reporting whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contexts[id]; !exists {
		return false
	}
	delete(r.contexts, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// SetValid updates the validity annotation of a context.
func (r *Registry) SetValid(id string, valid bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cc, exists := r.contexts[id]
	if !exists {
		return ErrNotFound("context", id)
	}
	cc.Valid = valid
	return nil
}

// List returns all contexts in insertion order, as copies.
func (r *Registry) List() []*CredentialContext {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CredentialContext, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.contexts[id].clone())
	}
	return out
}

// Report summarizes the registry for operators.
func (r *Registry) Report() RegistryReport {
	r.mu.RLock()
	report := RegistryReport{Total: len(r.contexts)}
	for _, id := range r.order {
		cc := r.contexts[id]
		if cc.Valid {
			report.Valid++
		} else {
			report.Invalid++
		}
		if cc.Scheme == SchemePlatformIdentity {
			report.PlatformIdentity = true
		} else {
			report.Profiles = append(report.Profiles, cc.ProfileName)
		}
	}
	r.mu.RUnlock()

	if preferred, ok := r.Preferred(); ok {
		report.Preferred = preferred.ID
	}
	return report
}

// Export / import snapshots

// SnapshotVersion is the current snapshot schema version.
const SnapshotVersion = 1

// ExportedContext is one context in a registry snapshot. Secret is
// present only when the export opted into secrets, and even then only
// carries references (user OCID, fingerprint, key file path), never the
// key bytes.
type ExportedContext struct {
	ID          string     `json:"id"`
	Scheme      AuthScheme `json:"scheme"`
	TenancyID   string     `json:"tenancy_id"`
	Region      string     `json:"region"`
	ProfileName string     `json:"profile_name,omitempty"`
	Valid       bool       `json:"valid"`
	Secret      *SecretRef `json:"secret,omitempty"`
}

// RegistrySnapshot is the serializable registry backup format.
type RegistrySnapshot struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Contexts   []ExportedContext `json:"contexts"`
}

// ExportOptions configures an Export.
type ExportOptions struct {
	// IncludeSecrets includes the secret references. Key file contents
	// are never embedded regardless.
	IncludeSecrets bool
}

// Export produces a snapshot of every context's non-secret fields, in
// insertion order.
func (r *Registry) Export(opts ExportOptions) RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RegistrySnapshot{
		Version:    SnapshotVersion,
		ExportedAt: time.Now().UTC(),
		Contexts:   make([]ExportedContext, 0, len(r.order)),
	}
	for _, id := range r.order {
		cc := r.contexts[id]
		ec := ExportedContext{
			ID:          cc.ID,
			Scheme:      cc.Scheme,
			TenancyID:   cc.TenancyID,
			Region:      cc.Region,
			ProfileName: cc.ProfileName,
			Valid:       cc.Valid,
		}
		if opts.IncludeSecrets && cc.Secret != nil {
			secret := *cc.Secret
			ec.Secret = &secret
		}
		snap.Contexts = append(snap.Contexts, ec)
	}
	return snap
}

// ExportToFile writes a snapshot atomically via a temp file rename.
func (r *Registry) ExportToFile(path string, opts ExportOptions) error {
	snap := r.Export(opts)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return ErrInternal("failed to marshal registry snapshot").WithCause(err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ErrInternal("failed to create snapshot directory").WithCause(err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return ErrInternal("failed to write snapshot file").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return ErrInternal("failed to rename snapshot file").WithCause(err)
	}
	return nil
}

// Import merges a snapshot into the registry. Imported contexts are
// always marked invalid: a snapshot's validity claim is never trusted,
// every entry must be re-proven by a probe. Entries whose identifier
// already exists are skipped. Returns the number of contexts imported.
func (r *Registry) Import(snap RegistrySnapshot) (int, error) {
	if snap.Version != SnapshotVersion {
		return 0, ErrInternal("unsupported snapshot version").
			WithDetail("version", snap.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	imported := 0
	for i := range snap.Contexts {
		ec := &snap.Contexts[i]
		if ec.ID == "" {
			continue
		}
		if (ec.Scheme == SchemePlatformIdentity) != (ec.ID == PlatformContextID) {
			continue
		}
		if _, exists := r.contexts[ec.ID]; exists {
			continue
		}
		cc := &CredentialContext{
			ID:          ec.ID,
			Scheme:      ec.Scheme,
			TenancyID:   ec.TenancyID,
			Region:      ec.Region,
			ProfileName: ec.ProfileName,
			Valid:       false,
		}
		if ec.Secret != nil {
			secret := *ec.Secret
			cc.Secret = &secret
		}
		r.contexts[ec.ID] = cc
		r.order = append(r.order, ec.ID)
		imported++
	}
	return imported, nil
}

// ImportFromFile reads a snapshot file and merges it.
func (r *Registry) ImportFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, ErrConfigUnreadable("cannot read snapshot file").
			WithCause(err).WithDetail("path", path)
	}
	var snap RegistrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, ErrConfigUnreadable("invalid snapshot file format").WithCause(err)
	}
	return r.Import(snap)
}
