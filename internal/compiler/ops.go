package compiler

import "fmt"

// OpKind names a Patch IR operation.
type OpKind string

const (
	OpAddNode        OpKind = "add_node"
	OpSetParam       OpKind = "set_param"
	OpConnect        OpKind = "connect"
	OpBindCredential OpKind = "bind_credential"
)

// Op is one Patch IR operation. Which fields are meaningful depends on Op.
type Op struct {
	Op           OpKind `json:"op" yaml:"op"`
	NodeID       string `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	TypeName     string `json:"type_name,omitempty" yaml:"type_name,omitempty"`
	Param        string `json:"param,omitempty" yaml:"param,omitempty"`
	Value        any    `json:"value,omitempty" yaml:"value,omitempty"`
	SourceID     string `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	TargetID     string `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	TargetAnchor string `json:"target_anchor,omitempty" yaml:"target_anchor,omitempty"`
	CredentialID string `json:"credential_id,omitempty" yaml:"credential_id,omitempty"`
}

func AddNode(id, typeName string) Op {
	return Op{Op: OpAddNode, NodeID: id, TypeName: typeName}
}

func SetParam(id, param string, value any) Op {
	return Op{Op: OpSetParam, NodeID: id, Param: param, Value: value}
}

func Connect(sourceID, targetID, targetAnchor string) Op {
	return Op{Op: OpConnect, SourceID: sourceID, TargetID: targetID, TargetAnchor: targetAnchor}
}

func BindCredential(id, credentialID string) Op {
	return Op{Op: OpBindCredential, NodeID: id, CredentialID: credentialID}
}

// Validate checks that the fields an op needs are present.
func (o Op) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%s requires %s", o.Op, field)
	}
	switch o.Op {
	case OpAddNode:
		if o.NodeID == "" {
			return missing("node_id")
		}
		if o.TypeName == "" {
			return missing("type_name")
		}
	case OpSetParam:
		if o.NodeID == "" {
			return missing("node_id")
		}
		if o.Param == "" {
			return missing("param")
		}
	case OpConnect:
		if o.SourceID == "" {
			return missing("source_id")
		}
		if o.TargetID == "" {
			return missing("target_id")
		}
		if o.TargetAnchor == "" {
			return missing("target_anchor")
		}
	case OpBindCredential:
		if o.NodeID == "" {
			return missing("node_id")
		}
		if o.CredentialID == "" {
			return missing("credential_id")
		}
	default:
		return fmt.Errorf("unknown op %q", o.Op)
	}
	return nil
}

// subject is the node id an error about this op is reported against.
func (o Op) subject() string {
	if o.Op == OpConnect {
		return o.TargetID
	}
	return o.NodeID
}
