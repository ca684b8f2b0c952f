package knowledge

import (
	"context"
	"fmt"

	"github.com/nidhogg/flowforge/internal/schema"
	"github.com/nidhogg/flowforge/internal/schemacache"
	"go.uber.org/zap"
)

// NodeSchemaStore resolves node schemas by type name.
type NodeSchemaStore struct{ *Provider }

// Get returns a private copy of the schema for typeName.
func (s *NodeSchemaStore) Get(ctx context.Context, typeName string, tr *Tracker) (*schema.NodeSchema, error) {
	doc, err := s.Resolve(ctx, typeName, tr)
	if err != nil {
		return nil, err
	}
	var ns schema.NodeSchema
	if err := schemacache.Decode(doc, &ns); err != nil {
		return nil, fmt.Errorf("decode node schema %s: %w", typeName, err)
	}
	return &ns, nil
}

// CredentialStore resolves credential metadata by id.
type CredentialStore struct{ *Provider }

func (s *CredentialStore) Get(ctx context.Context, id string, tr *Tracker) (*schema.Credential, error) {
	doc, err := s.Resolve(ctx, id, tr)
	if err != nil {
		return nil, err
	}
	cred, err := schema.DecodeCredential(doc)
	if err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", id, err)
	}
	return cred, nil
}

// TemplateStore resolves marketplace templates by name.
type TemplateStore struct{ *Provider }

func (s *TemplateStore) Get(ctx context.Context, name string, tr *Tracker) (*schema.Template, error) {
	doc, err := s.Resolve(ctx, name, tr)
	if err != nil {
		return nil, err
	}
	var t schema.Template
	if err := schemacache.Decode(doc, &t); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", name, err)
	}
	return &t, nil
}

// Stores bundles one provider per kind over a shared cache and origin.
type Stores struct {
	Nodes       *NodeSchemaStore
	Credentials *CredentialStore
	Templates   *TemplateStore
}

// NewStores builds the typed stores.
func NewStores(cache *schemacache.Cache, fetcher Fetcher, logger *zap.Logger) *Stores {
	return &Stores{
		Nodes:       &NodeSchemaStore{NewProvider(schema.KindNode, cache, fetcher, logger)},
		Credentials: &CredentialStore{NewProvider(schema.KindCredential, cache, fetcher, logger)},
		Templates:   &TemplateStore{NewProvider(schema.KindTemplate, cache, fetcher, logger)},
	}
}

// Provider returns the provider serving kind.
func (s *Stores) Provider(kind schema.Kind) *Provider {
	switch kind {
	case schema.KindNode:
		return s.Nodes.Provider
	case schema.KindCredential:
		return s.Credentials.Provider
	case schema.KindTemplate:
		return s.Templates.Provider
	}
	return nil
}
