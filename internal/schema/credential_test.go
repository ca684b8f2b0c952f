package schema

import (
	"encoding/json"
	"testing"
)

func TestDisallowedCredentialFields(t *testing.T) {
	bad := DisallowedCredentialFields(map[string]any{
		"id":            "c1",
		"encryptedData": "secret",
		"plainDataObj":  map[string]any{"apiKey": "k"},
	})
	if len(bad) != 2 || bad[0] != "encryptedData" || bad[1] != "plainDataObj" {
		t.Fatalf("got %v, want [encryptedData plainDataObj]", bad)
	}
	if bad := DisallowedCredentialFields(map[string]any{"credential_id": "c1", "name": "K", "type": "x"}); len(bad) != 0 {
		t.Fatalf("got %v, want none", bad)
	}
}

func TestProjectCredential(t *testing.T) {
	out := ProjectCredential(map[string]any{
		"id":             "c1",
		"name":           "OpenAI",
		"credentialName": "openAIApi",
		"encryptedData":  "xyz",
	})
	if _, ok := out["encryptedData"]; ok {
		t.Fatal("encryptedData survived projection")
	}
	if len(out) != 3 {
		t.Fatalf("got %d fields, want 3", len(out))
	}
}

func TestDecodeCredentialAliases(t *testing.T) {
	c, err := DecodeCredential(map[string]any{"credential_id": "c1", "name": "K", "type": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID != "c1" || c.Name != "K" || c.CredentialName != "x" {
		t.Errorf("got %+v", c)
	}

	if _, err := DecodeCredential(map[string]any{"name": "K"}); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestParamMarshalKeepsEmptyOptions(t *testing.T) {
	p := Param{Name: "mode", Type: ParamOptions, Options: []Option{}}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	opts, ok := m["options"].([]any)
	if !ok || len(opts) != 0 {
		t.Fatalf("options = %v, want empty list", m["options"])
	}

	data, _ = json.Marshal(Param{Name: "temp", Type: ParamNumber})
	m = nil
	_ = json.Unmarshal(data, &m)
	if _, ok := m["options"]; ok {
		t.Error("options emitted for a non-choice param with no list")
	}
}

func TestNodeSchemaCloneIsDeep(t *testing.T) {
	lm := "listModels"
	s := &NodeSchema{
		Name:   "chatOpenAI",
		Params: []Param{{Name: "model", Type: ParamAsyncOptions, LoadMethod: &lm}},
	}
	c := s.Clone()
	*c.Params[0].LoadMethod = "changed"
	c.Params[0].Name = "other"
	if *s.Params[0].LoadMethod != "listModels" || s.Params[0].Name != "model" {
		t.Fatal("clone shares state with original")
	}
}
