// Package schema defines the origin object types the compiler works with:
// node schemas, credential metadata, and marketplace templates.
package schema

import (
	"encoding/json"
	"time"
)

// Kind identifies one of the record families cached from the origin.
type Kind string

const (
	KindNode       Kind = "node"
	KindCredential Kind = "credential"
	KindTemplate   Kind = "template"
)

// AllKinds lists every kind in refresh order.
var AllKinds = []Kind{KindNode, KindCredential, KindTemplate}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindNode, KindCredential, KindTemplate:
		return true
	}
	return false
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, k.Valid()
}

// Param types the renderer treats specially.
const (
	ParamString       = "string"
	ParamNumber       = "number"
	ParamBoolean      = "boolean"
	ParamOptions      = "options"
	ParamMultiOptions = "multiOptions"
	ParamAsyncOptions = "asyncOptions"
	ParamCredential   = "credential"
	ParamJSON         = "json"
	ParamPassword     = "password"
)

// Option is a single entry of a closed choice list.
type Option struct {
	Label       string `json:"label"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Param describes one configurable parameter on a node.
type Param struct {
	Label           string   `json:"label"`
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Default         any      `json:"default,omitempty"`
	Optional        bool     `json:"optional,omitempty"`
	Options         []Option `json:"options,omitempty"`
	LoadMethod      *string  `json:"loadMethod,omitempty"`
	CredentialNames []string `json:"credentialNames,omitempty"`
	Description     string   `json:"description,omitempty"`
}

// MarshalJSON keeps an explicitly empty option list on the wire; the
// renderer crashes on a choice param without one.
func (p Param) MarshalJSON() ([]byte, error) {
	type alias Param
	out := struct {
		alias
		Options *[]Option `json:"options,omitempty"`
	}{alias: alias(p)}
	if p.Options != nil {
		opts := p.Options
		out.Options = &opts
	}
	return json.Marshal(out)
}

// IsChoice reports whether the param renders as a closed choice list.
func (p Param) IsChoice() bool {
	return p.Type == ParamOptions || p.Type == ParamMultiOptions
}

// Anchor is a named connection point on a node.
type Anchor struct {
	Label    string   `json:"label,omitempty"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Optional bool     `json:"optional,omitempty"`
	List     bool     `json:"list,omitempty"`
	Types    []string `json:"types,omitempty"`
}

// NodeSchema is the normalized form of an origin node definition.
type NodeSchema struct {
	Name          string   `json:"name"`
	Label         string   `json:"label"`
	Version       float64  `json:"version"`
	Type          string   `json:"type"`
	Category      string   `json:"category,omitempty"`
	Description   string   `json:"description,omitempty"`
	BaseClasses   []string `json:"baseClasses,omitempty"`
	Params        []Param  `json:"params"`
	InputAnchors  []Anchor `json:"inputAnchors"`
	OutputAnchors []Anchor `json:"outputAnchors"`
	// Credential is the node-level credential requirement. Some origin
	// schemas declare it here without a matching entry in Params.
	Credential *Param `json:"credential,omitempty"`
}

// Param returns the named parameter.
func (s *NodeSchema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// InputAnchor returns the input connection point with exactly this name.
func (s *NodeSchema) InputAnchor(name string) (Anchor, bool) {
	for _, a := range s.InputAnchors {
		if a.Name == name {
			return a, true
		}
	}
	return Anchor{}, false
}

// CredentialParam returns the first credential-typed parameter, if any.
func (s *NodeSchema) CredentialParam() (Param, bool) {
	for _, p := range s.Params {
		if p.Type == ParamCredential {
			return p, true
		}
	}
	return Param{}, false
}

// RequiresCredential reports whether the node declares a credential need.
func (s *NodeSchema) RequiresCredential() bool {
	if s.Credential != nil {
		return true
	}
	_, ok := s.CredentialParam()
	return ok
}

// Clone returns a deep copy safe to mutate inside a single compile.
func (s *NodeSchema) Clone() *NodeSchema {
	c := *s
	c.BaseClasses = cloneSlice(s.BaseClasses)
	if s.Params != nil {
		c.Params = make([]Param, len(s.Params))
		for i, p := range s.Params {
			c.Params[i] = p.clone()
		}
	}
	c.InputAnchors = cloneSlice(s.InputAnchors)
	c.OutputAnchors = cloneSlice(s.OutputAnchors)
	if s.Credential != nil {
		cp := s.Credential.clone()
		c.Credential = &cp
	}
	return &c
}

// cloneSlice copies s, keeping nil and empty distinct.
func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

func (p Param) clone() Param {
	c := p
	if p.Options != nil {
		c.Options = append([]Option{}, p.Options...)
	}
	if p.LoadMethod != nil {
		lm := *p.LoadMethod
		c.LoadMethod = &lm
	}
	c.CredentialNames = cloneSlice(p.CredentialNames)
	return c
}

// Credential is the allow-listed view of an origin credential record.
type Credential struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CredentialName string    `json:"credentialName"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Template is marketplace template metadata.
type Template struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        string          `json:"type,omitempty"`
	Categories  []string        `json:"categories,omitempty"`
	Badge       string          `json:"badge,omitempty"`
	FlowData    json.RawMessage `json:"flowData,omitempty"`
}
