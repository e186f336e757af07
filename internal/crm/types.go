package crm

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// Scope names the tenant and optional location a call acts for.
type Scope struct {
	TenantID   string
	LocationID string
}

// RateKey is the limiter key: the location when set, otherwise the tenant.
func (s Scope) RateKey() string {
	if s.LocationID != "" {
		return s.LocationID
	}
	return s.TenantID
}

// TokenResponse is the upstream token endpoint payload. The vendor mixes
// snake_case OAuth fields with camelCase extensions.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	UserType     string `json:"userType"`
	LocationID   string `json:"locationId"`
	CompanyID    string `json:"companyId"`
	UserID       string `json:"userId"`
}

// PageRequest selects one page of an upstream listing.
type PageRequest struct {
	Limit        int
	StartAfterID string
}

func (p PageRequest) values() url.Values {
	v := url.Values{}
	if p.Limit > 0 {
		v.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.StartAfterID != "" {
		v.Set("startAfterId", p.StartAfterID)
	}
	return v
}

// PageMeta is the upstream pagination envelope.
type PageMeta struct {
	Total        int    `json:"total"`
	StartAfterID string `json:"startAfterId,omitempty"`
	NextPageURL  string `json:"nextPageUrl,omitempty"`
}

// ListResult is one page of upstream objects. Items stay raw so the mapper
// can preserve fields the canonical schema does not model.
type ListResult struct {
	Items []json.RawMessage
	Meta  PageMeta
}

// LastID returns the id of the final item on the page, used as the cursor
// for the next page when the envelope carries no explicit one.
func (r ListResult) LastID() string {
	if r.Meta.StartAfterID != "" {
		return r.Meta.StartAfterID
	}
	if len(r.Items) == 0 {
		return ""
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(r.Items[len(r.Items)-1], &probe); err != nil {
		return ""
	}
	return probe.ID
}
