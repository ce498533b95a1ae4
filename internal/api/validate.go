package api

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/tovutilabs/nexus-cards/internal/model"
)

func validateSubscription(endpoint string, events []string) error {
	if err := validateEndpointURL(endpoint); err != nil {
		return err
	}
	return validateEvents(events)
}

func validateEndpointURL(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("url must use https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url missing host")
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	for _, e := range events {
		if !model.EventType(e).Valid() {
			return fmt.Errorf("unknown event type %q", e)
		}
	}
	return nil
}

func validateCardInput(in *model.CardInput) error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("title required")
	}
	if strings.TrimSpace(in.Slug) == "" {
		return fmt.Errorf("slug required")
	}
	for _, r := range in.Slug {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			continue
		}
		return fmt.Errorf("slug must be lowercase alphanumeric with dashes")
	}
	for i := range in.Links {
		if in.Links[i].URL == "" {
			return fmt.Errorf("link %d missing url", i)
		}
	}
	return nil
}

func sseData(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
