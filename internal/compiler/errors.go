package compiler

import (
	"errors"
	"fmt"
)

// Code classifies a compile failure.
type Code string

const (
	CodeInvalidOp         Code = "INVALID_OP"
	CodeDanglingReference Code = "DANGLING_REFERENCE"
	CodeDuplicateNodeID   Code = "DUPLICATE_NODE_ID"
	CodeUnknownNodeType   Code = "UNKNOWN_NODE_TYPE"
	CodeUnknownParam      Code = "UNKNOWN_PARAM"
	CodeUnknownAnchor     Code = "UNKNOWN_ANCHOR"
	CodeUnknownCredential Code = "UNKNOWN_CREDENTIAL"
	CodeRepairExhausted   Code = "REPAIR_EXHAUSTED"
	CodeSchemaUnavailable Code = "SCHEMA_UNAVAILABLE"
	CodeRenderSafety      Code = "RENDER_SAFETY"
)

// CompileError describes why a compile produced no graph.
type CompileError struct {
	Code     Code   `json:"code"`
	OpIndex  int    `json:"op_index"` // -1 when not tied to an op
	Op       OpKind `json:"op,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	TypeName string `json:"type_name,omitempty"`
	Param    string `json:"param,omitempty"`
	Anchor   string `json:"anchor,omitempty"`
	Message  string `json:"error"`
	Err      error  `json:"-"`
}

func (e *CompileError) Error() string {
	if e.OpIndex >= 0 {
		return fmt.Sprintf("op %d (%s): %s: %s", e.OpIndex, e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CompileError) Unwrap() error { return e.Err }

// IsStructural reports whether err is a defect in the op sequence itself,
// as opposed to a budget or origin availability problem that a retry or a
// refresh could fix.
func IsStructural(err error) bool {
	var ce *CompileError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case CodeRepairExhausted, CodeSchemaUnavailable:
		return false
	}
	return true
}

// ErrRenderSafety is the sentinel behind every render-safety failure.
var ErrRenderSafety = errors.New("render safety violation")

// RenderSafetyError names the first construct the renderer would crash on.
type RenderSafetyError struct {
	NodeID string
	Reason string
}

func (e *RenderSafetyError) Error() string {
	if e.NodeID == "" {
		return "render safety: " + e.Reason
	}
	return fmt.Sprintf("render safety: node %s: %s", e.NodeID, e.Reason)
}

func (e *RenderSafetyError) Unwrap() error { return ErrRenderSafety }
