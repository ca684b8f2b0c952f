package schema

import (
	"fmt"
	"sort"
	"time"
)

// CredentialFields is the complete set of keys a cached credential record
// may carry. Secrets never reach the cache.
var CredentialFields = map[string]bool{
	"id":              true,
	"credential_id":   true,
	"name":            true,
	"credential_name": true,
	"credentialName":  true,
	"type":            true,
	"tags":            true,
	"created_at":      true,
	"updated_at":      true,
	"createdDate":     true,
	"updatedDate":     true,
}

// DisallowedCredentialFields returns the sorted keys of doc that fall
// outside the allow-list.
func DisallowedCredentialFields(doc map[string]any) []string {
	var bad []string
	for k := range doc {
		if !CredentialFields[k] {
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return bad
}

// ProjectCredential keeps only allow-listed keys of an origin record.
// It is the one place where secret material is removed.
func ProjectCredential(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if CredentialFields[k] {
			out[k] = v
		}
	}
	return out
}

// DecodeCredential reads a cached credential document. Origins disagree on
// key names, so each field accepts its known aliases.
func DecodeCredential(doc map[string]any) (*Credential, error) {
	c := &Credential{
		ID:             firstString(doc, "id", "credential_id"),
		Name:           firstString(doc, "name"),
		CredentialName: firstString(doc, "credentialName", "credential_name", "type"),
	}
	if c.ID == "" {
		return nil, fmt.Errorf("credential document has no id")
	}
	if tags, ok := doc["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				c.Tags = append(c.Tags, s)
			}
		}
	}
	c.CreatedAt = firstTime(doc, "created_at", "createdDate")
	c.UpdatedAt = firstTime(doc, "updated_at", "updatedDate")
	return c, nil
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := doc[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstTime(doc map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		if s, ok := doc[k].(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
