package ociauth

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/oracle/oci-go-sdk/v65/common"
)

// Profile field keys as they appear in the credential file.
const (
	profileKeyTenancy     = "tenancy"
	profileKeyUser        = "user"
	profileKeyFingerprint = "fingerprint"
	profileKeyKeyFile     = "key_file"
	profileKeyRegion      = "region"
)

// ProfileRecord is one parsed section of the credential file. All fields
// are optional strings at this stage; completeness is validated when the
// registry builds a context from the record.
type ProfileRecord struct {
	Name        string
	Tenancy     string
	User        string
	Fingerprint string
	KeyFile     string
	Region      string

	// Extra retains unknown keys verbatim for forward compatibility.
	Extra map[string]string
}

// MissingFields returns the required field names the record lacks.
func (r *ProfileRecord) MissingFields() []string {
	var missing []string
	if r.Tenancy == "" {
		missing = append(missing, profileKeyTenancy)
	}
	if r.User == "" {
		missing = append(missing, profileKeyUser)
	}
	if r.Fingerprint == "" {
		missing = append(missing, profileKeyFingerprint)
	}
	if r.KeyFile == "" {
		missing = append(missing, profileKeyKeyFile)
	}
	return missing
}

// Complete reports whether all four required fields are present.
func (r *ProfileRecord) Complete() bool {
	return len(r.MissingFields()) == 0
}

// EffectiveRegion returns the profile region, or DefaultRegion when the
// profile omits one. Short region codes resolve to canonical names.
func (r *ProfileRecord) EffectiveRegion() string {
	if r.Region == "" {
		return DefaultRegion
	}
	return string(common.StringToRegion(r.Region))
}

// DefaultConfigPath returns the conventional credential file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".oci", "config")
}

// LoadProfiles parses the credential file at path into profile records.
// A missing file yields an empty list and no error. The format is
// line-oriented: "[name]" opens a section, "key = value" lines populate
// it (the first '=' is the delimiter; the value may contain '='), and a
// section closes at the next header or end of input.
func LoadProfiles(path string) ([]ProfileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ErrConfigUnreadable("cannot open credential file").
			WithCause(err).WithDetail("path", path)
	}
	defer f.Close()

	var (
		profiles []ProfileRecord
		current  *ProfileRecord
	)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if current != nil {
				profiles = append(profiles, *current)
			}
			current = &ProfileRecord{
				Name:  strings.TrimSpace(line[1 : len(line)-1]),
				Extra: make(map[string]string),
			}
			continue
		}

		// Key-value lines outside any section are ignored.
		if current == nil {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case profileKeyTenancy:
			current.Tenancy = value
		case profileKeyUser:
			current.User = value
		case profileKeyFingerprint:
			current.Fingerprint = value
		case profileKeyKeyFile:
			current.KeyFile = value
		case profileKeyRegion:
			current.Region = value
		default:
			current.Extra[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, ErrConfigUnreadable("cannot read credential file").
			WithCause(err).WithDetail("path", path)
	}

	if current != nil {
		profiles = append(profiles, *current)
	}
	return profiles, nil
}
