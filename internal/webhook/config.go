package webhook

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mattjoyce/joai-gw/internal/config"
)

// FromGlobalConfig converts config.WebhooksConfig to webhook.Config.
func FromGlobalConfig(wc *config.WebhooksConfig) (Config, error) {
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}
	size, err := config.ParseMaxBodySize(wc.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("webhooks.max_body_size: %w", err)
	}
	if size == 0 {
		size = DefaultMaxBodySize
	}
	return Config{Listen: wc.Listen, MaxBodySize: size}, nil
}

// Path is the endpoint path for a node instance.
func Path(workflowID, nodeID string) string {
	return "/webhook/" + url.PathEscape(workflowID) + "/" + url.PathEscape(nodeID)
}

// PublicURLs builds callback URLs from the externally reachable base URL.
type PublicURLs struct {
	Base string
}

func (p PublicURLs) WebhookURL(workflowID, nodeID string) string {
	return strings.TrimRight(p.Base, "/") + Path(workflowID, nodeID)
}
