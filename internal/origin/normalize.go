package origin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/flowforge/internal/schema"
)

// primitiveTypes are input types rendered as editable params. Any other
// input type names a class and is an incoming connection point.
var primitiveTypes = map[string]bool{
	schema.ParamString:       true,
	schema.ParamNumber:       true,
	schema.ParamBoolean:      true,
	schema.ParamOptions:      true,
	schema.ParamMultiOptions: true,
	schema.ParamAsyncOptions: true,
	"asyncMultiOptions":      true,
	schema.ParamCredential:   true,
	schema.ParamJSON:         true,
	schema.ParamPassword:     true,
	"code":                   true,
	"file":                   true,
	"date":                   true,
	"folder":                 true,
	"tabs":                   true,
	"array":                  true,
	"datagrid":               true,
}

type rawInput struct {
	Label           string          `json:"label"`
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Default         any             `json:"default"`
	Optional        bool            `json:"optional"`
	List            bool            `json:"list"`
	Options         []schema.Option `json:"options"`
	LoadMethod      *string         `json:"loadMethod"`
	CredentialNames []string        `json:"credentialNames"`
	Description     string          `json:"description"`
}

type rawOutput struct {
	Label       string   `json:"label"`
	Name        string   `json:"name"`
	BaseClasses []string `json:"baseClasses"`
}

type rawNode struct {
	Label       string      `json:"label"`
	Name        string      `json:"name"`
	Version     float64     `json:"version"`
	Type        string      `json:"type"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	BaseClasses []string    `json:"baseClasses"`
	Inputs      []rawInput  `json:"inputs"`
	Outputs     []rawOutput `json:"outputs"`
	Credential  *rawInput   `json:"credential"`
}

func (in rawInput) param() schema.Param {
	return schema.Param{
		Label:           in.Label,
		Name:            in.Name,
		Type:            in.Type,
		Default:         in.Default,
		Optional:        in.Optional,
		Options:         in.Options,
		LoadMethod:      in.LoadMethod,
		CredentialNames: in.CredentialNames,
		Description:     in.Description,
	}
}

func splitTypes(t string) []string {
	var out []string
	for _, part := range strings.Split(t, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NormalizeNode converts an origin node definition into a NodeSchema,
// splitting inputs into params and input connection points and deriving
// output connection points.
func NormalizeNode(raw map[string]any) (*schema.NodeSchema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var rn rawNode
	if err := json.Unmarshal(data, &rn); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	if rn.Name == "" {
		return nil, fmt.Errorf("node definition has no name")
	}

	ns := &schema.NodeSchema{
		Name:          rn.Name,
		Label:         rn.Label,
		Version:       rn.Version,
		Type:          rn.Type,
		Category:      rn.Category,
		Description:   rn.Description,
		BaseClasses:   rn.BaseClasses,
		Params:        []schema.Param{},
		InputAnchors:  []schema.Anchor{},
		OutputAnchors: []schema.Anchor{},
	}
	for _, in := range rn.Inputs {
		if primitiveTypes[in.Type] {
			ns.Params = append(ns.Params, in.param())
			continue
		}
		ns.InputAnchors = append(ns.InputAnchors, schema.Anchor{
			Label:    in.Label,
			Name:     in.Name,
			Type:     in.Type,
			Optional: in.Optional,
			List:     in.List,
			Types:    splitTypes(in.Type),
		})
	}
	if rn.Credential != nil {
		p := rn.Credential.param()
		if p.Type == "" {
			p.Type = schema.ParamCredential
		}
		ns.Credential = &p
	}

	if len(rn.Outputs) > 0 {
		for _, out := range rn.Outputs {
			ns.OutputAnchors = append(ns.OutputAnchors, schema.Anchor{
				Label: out.Label,
				Name:  out.Name,
				Type:  strings.Join(out.BaseClasses, " | "),
				Types: out.BaseClasses,
			})
		}
	} else {
		ns.OutputAnchors = append(ns.OutputAnchors, schema.Anchor{
			Label: rn.Label,
			Name:  rn.Name,
			Type:  strings.Join(rn.BaseClasses, " | "),
			Types: rn.BaseClasses,
		})
	}
	return ns, nil
}

// NormalizeTemplate converts a marketplace entry into template metadata.
// flowData arrives either as an object or as a JSON-encoded string.
func NormalizeTemplate(raw map[string]any) (*schema.Template, error) {
	t := &schema.Template{
		Name:        str(raw["templateName"]),
		Description: str(raw["description"]),
		Type:        str(raw["type"]),
		Badge:       str(raw["badge"]),
	}
	if t.Name == "" {
		t.Name = str(raw["name"])
	}
	if t.Name == "" {
		return nil, fmt.Errorf("template has no name")
	}
	switch cats := raw["categories"].(type) {
	case []any:
		for _, c := range cats {
			if s := str(c); s != "" {
				t.Categories = append(t.Categories, s)
			}
		}
	case string:
		for _, c := range strings.Split(cats, ",") {
			if s := strings.TrimSpace(c); s != "" {
				t.Categories = append(t.Categories, s)
			}
		}
	}
	switch fd := raw["flowData"].(type) {
	case nil:
	case string:
		if json.Valid([]byte(fd)) {
			t.FlowData = json.RawMessage(fd)
		}
	default:
		data, err := json.Marshal(fd)
		if err != nil {
			return nil, fmt.Errorf("encode flowData: %w", err)
		}
		t.FlowData = data
	}
	return t, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
