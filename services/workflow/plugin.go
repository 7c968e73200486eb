package workflow

import (
	"context"
	"time"
)

// PluginStatus is the publication state of a plugin.
type PluginStatus string

const (
	PluginDraft     PluginStatus = "draft"
	PluginPublished PluginStatus = "published"
)

// Plugin is a user-authored analysis pipeline.
type Plugin struct {
	ID               string       `json:"id"`
	Slug             string       `json:"slug"`
	Team             string       `json:"team"`
	Name             string       `json:"name"`
	Workflow         Workflow     `json:"workflow"`
	Status           PluginStatus `json:"status"`
	Validated        bool         `json:"validated"`
	ValidationErrors []string     `json:"validationErrors"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// PluginRepo abstracts plugin persistence. Lookups return nil, nil when the
// plugin does not exist.
type PluginRepo interface {
	FindBySlug(ctx context.Context, slug string) (*Plugin, error)
	FindByID(ctx context.Context, id string) (*Plugin, error)
	Save(ctx context.Context, p *Plugin) error
}
