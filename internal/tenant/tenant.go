// Package tenant holds per-tenant configuration: provider credentials,
// notification channel enablement, the monitor escalation matrix, and
// feature toggles for the optional subsystems.
package tenant

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MatrixEntry is one row of the monitor escalation matrix: a risk tier mapped
// to forced notification channels and recipient-type tokens. Matrix entries
// only ever force notification on, never suppress one the AI requested.
type MatrixEntry struct {
	Channels   []string `yaml:"channels" json:"channels"`
	Recipients []string `yaml:"recipients" json:"recipients"`
}

// Settings is the full configuration for one tenant.
type Settings struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// ProviderToken is the tenant's telemetry-provider API credential.
	// Alert processing fails with a configuration error when empty.
	ProviderToken string `yaml:"provider_token" json:"-"`

	Locale string `yaml:"locale" json:"locale"`

	// EnabledChannels gates notification channels; a channel absent from
	// the map is disabled.
	EnabledChannels map[string]bool `yaml:"enabled_channels" json:"enabled_channels"`

	// MonitorMatrix maps a risk_escalation tier to forced notification.
	MonitorMatrix map[string]MatrixEntry `yaml:"monitor_matrix" json:"monitor_matrix"`

	DefaultRecheckMinutes int `yaml:"default_recheck_minutes" json:"default_recheck_minutes"`
	AckSLAMinutes         int `yaml:"ack_sla_minutes" json:"ack_sla_minutes"`

	AttentionEnabled    bool `yaml:"attention_enabled" json:"attention_enabled"`
	MeteringEnabled     bool `yaml:"metering_enabled" json:"metering_enabled"`
	DomainEventsEnabled bool `yaml:"domain_events_enabled" json:"domain_events_enabled"`
}

// ChannelEnabled reports whether a notification channel is enabled for the tenant.
func (s *Settings) ChannelEnabled(channel string) bool {
	return s.EnabledChannels[channel]
}

// Provider resolves tenant settings by tenant id.
type Provider interface {
	Get(ctx context.Context, tenantID string) (*Settings, bool, error)
}

// Registry is a static, file-backed Provider.
type Registry struct {
	tenants map[string]*Settings
}

// NewRegistry builds a Registry from the given settings.
func NewRegistry(tenants []*Settings) *Registry {
	m := make(map[string]*Settings, len(tenants))
	for _, t := range tenants {
		m[t.ID] = t
	}
	return &Registry{tenants: m}
}

// LoadFile reads a YAML tenant registry file.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: path is from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}

	var doc struct {
		Tenants []*Settings `yaml:"tenants"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}

	for _, t := range doc.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenants file %s: tenant with empty id", path)
		}
	}
	return NewRegistry(doc.Tenants), nil
}

// Len reports the number of registered tenants.
func (r *Registry) Len() int {
	return len(r.tenants)
}

// Get resolves settings for a tenant. An empty tenant id resolves to nothing
// (fail-closed isolation).
func (r *Registry) Get(_ context.Context, tenantID string) (*Settings, bool, error) {
	if tenantID == "" {
		return nil, false, nil
	}
	s, ok := r.tenants[tenantID]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}
