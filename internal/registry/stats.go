package registry

import "time"

// Stats summarizes the registry for the administrative read boundary.
// ActiveTokens counts tokens that are both active and unexpired.
// ExpiredTokens counts tokens past their expiry regardless of the
// active flag, so a disabled-and-expired token is counted once, as
// expired. Disabled unexpired tokens appear only in TotalTokens.
type Stats struct {
	TotalTokens   int              `json:"total_tokens"`
	ActiveTokens  int              `json:"active_tokens"`
	ExpiredTokens int              `json:"expired_tokens"`
	TotalUsage    int64            `json:"total_usage"`
	UsageByOwner  map[string]int64 `json:"usage_by_owner"`
}

// TokenInfo is one token as exposed by the administrative listing.
// Token holds a masked prefix, never the full secret.
type TokenInfo struct {
	Token      string     `json:"token"`
	Owner      string     `json:"owner,omitempty"`
	Role       string     `json:"role"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UsageCount int64      `json:"usage_count"`
}

// maskVisible is how many leading characters of a token survive
// masking. Short tokens are masked entirely.
const maskVisible = 6

// MaskToken returns a display-safe prefix of a token value.
func MaskToken(value string) string {
	if len(value) <= maskVisible {
		return "******"
	}

	return value[:maskVisible] + "..."
}

// Stats returns usage and classification counts across all tokens.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalTokens:  len(r.records),
		UsageByOwner: make(map[string]int64),
	}

	now := r.now()

	for _, rec := range r.records {
		expired := rec.ExpiresAt != nil && !now.Before(*rec.ExpiresAt)

		switch {
		case expired:
			s.ExpiredTokens++
		case rec.Active:
			s.ActiveTokens++
		}

		s.TotalUsage += rec.UsageCount

		owner := rec.Owner
		if owner == "" {
			owner = "unowned"
		}

		s.UsageByOwner[owner] += rec.UsageCount
	}

	return s
}

// ListTokens returns every token with its value masked.
func (r *Registry) ListTokens() []TokenInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TokenInfo, 0, len(r.records))

	for _, rec := range r.records {
		info := TokenInfo{
			Token:      MaskToken(rec.Value),
			Owner:      rec.Owner,
			Role:       string(rec.Role),
			Active:     rec.Active,
			ExpiresAt:  rec.ExpiresAt,
			CreatedAt:  rec.CreatedAt,
			UsageCount: rec.UsageCount,
		}

		if !rec.LastUsedAt.IsZero() {
			lastUsed := rec.LastUsedAt
			info.LastUsedAt = &lastUsed
		}

		infos = append(infos, info)
	}

	return infos
}
