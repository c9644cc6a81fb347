package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role identifies the privilege level of an inbound token.
type Role string

const (
	// RoleAdmin may call the administrative endpoints.
	RoleAdmin Role = "admin"
	// RoleUser may call the search tools only.
	RoleUser Role = "user"
)

// TokenSpec is one inbound token parsed from configuration.
// ExpiresAt nil means the token never expires.
type TokenSpec struct {
	Value     string
	Owner     string
	Role      Role
	ExpiresAt *time.Time
	Active    bool
}

// neverSentinels are the case-insensitive expiry values meaning
// "never expires". An empty expiry field means the same.
var neverSentinels = map[string]struct{}{
	"never":    {},
	"infinite": {},
	"∞":        {},
	"none":     {},
	"-":        {},
}

// expiryLayouts are tried in order when parsing an expiry field.
// Date-only values expire at UTC midnight at the start of that day.
var expiryLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseExpiry parses an expiry field into a timestamp, or nil for the
// never-expires sentinels. An unparseable value is treated as "never"
// and reported through the returned warning; bad expiry syntax must
// not prevent startup.
func ParseExpiry(raw string) (*time.Time, string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ""
	}

	if _, ok := neverSentinels[strings.ToLower(trimmed)]; ok {
		return nil, ""
	}

	for _, layout := range expiryLayouts {
		t, err := time.ParseInLocation(layout, trimmed, time.UTC)
		if err == nil {
			return &t, ""
		}
	}

	return nil, fmt.Sprintf("unparseable token expiry %q, treating as never-expires", trimmed)
}

// tokenFile is the YAML shape of RELAY_TOKENS_FILE.
type tokenFile struct {
	Tokens []tokenFileEntry `yaml:"tokens"`
}

type tokenFileEntry struct {
	Token   string `yaml:"token"`
	Owner   string `yaml:"owner"`
	Expires string `yaml:"expires"`
	Active  *bool  `yaml:"active"`
}

// ParseTokens builds the inbound token list from RELAY_TOKENS and
// RELAY_TOKENS_FILE, in that order. All entries carry the user role;
// the legacy RELAY_AUTH_TOKEN admin fallback applies only when this
// list comes back empty. Duplicate values are allowed here and
// resolved last-write-wins by the registry.
//
// Returned warnings are non-fatal configuration problems the caller
// should log.
func (c *Config) ParseTokens() ([]TokenSpec, []string, error) {
	var (
		specs    []TokenSpec
		warnings []string
	)

	for _, entry := range strings.Split(c.RelayTokens, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		spec, warning := parseTokenTriple(entry)
		if warning != "" {
			warnings = append(warnings, warning)
		}

		specs = append(specs, spec)
	}

	if c.RelayTokensFile != "" {
		fileSpecs, fileWarnings, err := loadTokenFile(c.RelayTokensFile)
		if err != nil {
			return nil, nil, err
		}

		specs = append(specs, fileSpecs...)
		warnings = append(warnings, fileWarnings...)
	}

	return specs, warnings, nil
}

// parseTokenTriple parses one token[:owner[:expiry]] entry. The token
// value itself may not contain ':'; owner and expiry are optional.
func parseTokenTriple(entry string) (TokenSpec, string) {
	parts := strings.SplitN(entry, ":", 3)

	spec := TokenSpec{
		Value:  strings.TrimSpace(parts[0]),
		Role:   RoleUser,
		Active: true,
	}

	if len(parts) > 1 {
		spec.Owner = strings.TrimSpace(parts[1])
	}

	var warning string
	if len(parts) > 2 {
		spec.ExpiresAt, warning = ParseExpiry(parts[2])
	}

	return spec, warning
}

// loadTokenFile reads a YAML token file. Unlike malformed expiry
// fields, an unreadable or malformed file is a hard error: silently
// dropping a whole token list would lock every caller out.
func loadTokenFile(path string) ([]TokenSpec, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading token file: %w", err)
	}

	var tf tokenFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("parsing token file %s: %w", path, err)
	}

	var (
		specs    []TokenSpec
		warnings []string
	)

	for i, entry := range tf.Tokens {
		if strings.TrimSpace(entry.Token) == "" {
			warnings = append(warnings, fmt.Sprintf("token file entry %d has an empty token, skipping", i+1))
			continue
		}

		spec := TokenSpec{
			Value:  strings.TrimSpace(entry.Token),
			Owner:  strings.TrimSpace(entry.Owner),
			Role:   RoleUser,
			Active: true,
		}

		if entry.Active != nil {
			spec.Active = *entry.Active
		}

		var warning string

		spec.ExpiresAt, warning = ParseExpiry(entry.Expires)
		if warning != "" {
			warnings = append(warnings, warning)
		}

		specs = append(specs, spec)
	}

	return specs, warnings, nil
}
