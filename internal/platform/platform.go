// Package platform holds the partner platform catalog.
//
// The catalog is managed out-of-band (partner onboarding); the core only
// reads it to resolve redirect targets and to label traffic.
package platform

import (
	"context"
	"errors"
	"strings"
)

var ErrPlatformNotFound = errors.New("platform: not found")

// Platform is a partner streaming service reachable from the hub.
type Platform struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	BaseURL          string `json:"baseUrl"`
	DeepLinkTemplate string `json:"deepLinkTemplate,omitempty"`
	LogoURL          string `json:"logoUrl,omitempty"`
	Active           bool   `json:"active"`
}

// Store reads the platform catalog.
type Store interface {
	Get(ctx context.Context, id int64) (*Platform, error)
	ListActive(ctx context.Context) ([]*Platform, error)
}

// RedirectURL resolves the target a user is sent to when a session starts.
// When the platform publishes a deep-link template and the click carries a
// content id, the id is substituted; otherwise the platform landing page.
func RedirectURL(p *Platform, contentID string) string {
	if contentID != "" && p.DeepLinkTemplate != "" {
		return strings.ReplaceAll(p.DeepLinkTemplate, "{content_id}", contentID)
	}
	return p.BaseURL
}
