// Package provider defines the backlog provider collaborator: the external
// system that owns the items sessions are bound to. muster ships a local
// SQLite-backed provider; remote trackers plug in behind the same interface.
package provider

import (
	"context"

	"github.com/mstanton/muster/internal/fault"
	"github.com/mstanton/muster/internal/models"
	"github.com/mstanton/muster/internal/store"
)

// CreateTaskFields are the inputs for creating a new backlog item.
type CreateTaskFields struct {
	Title       string
	Description string
	Prompt      string
	Tag         string
}

// Provider is the backlog collaborator contract.
type Provider interface {
	Type() string
	GetTask(ctx context.Context, id string) (*models.BacklogItem, error)
	CreateTask(ctx context.Context, fields CreateTaskFields) (string, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.BacklogStatus) error
}

// Local is a backlog provider backed by muster's own SQLite store.
type Local struct {
	store store.Store
}

// NewLocal returns a Local provider.
func NewLocal(s store.Store) *Local {
	return &Local{store: s}
}

func (p *Local) Type() string { return "local" }

func (p *Local) GetTask(ctx context.Context, id string) (*models.BacklogItem, error) {
	item, err := p.store.GetBacklogItem(ctx, id)
	if err != nil {
		return nil, fault.NotFound("backlog item %s: %v", id, err)
	}
	return item, nil
}

func (p *Local) CreateTask(ctx context.Context, fields CreateTaskFields) (string, error) {
	if fields.Title == "" {
		return "", fault.Validation("backlog item title is required")
	}
	item := &models.BacklogItem{
		Title:       fields.Title,
		Description: fields.Description,
		Prompt:      fields.Prompt,
		Tag:         fields.Tag,
	}
	if err := p.store.CreateBacklogItem(ctx, item); err != nil {
		return "", err
	}
	return item.ID, nil
}

func (p *Local) UpdateTaskStatus(ctx context.Context, id string, status models.BacklogStatus) error {
	return p.store.UpdateBacklogStatus(ctx, id, status)
}

// New resolves a provider by configured name.
func New(name string, s store.Store) (Provider, error) {
	switch name {
	case "", "local":
		return NewLocal(s), nil
	default:
		return nil, fault.Validation("unknown provider: %s", name)
	}
}
