package entity

import "fmt"

// SourceOperationType selects what a source-tag operation mutates.
type SourceOperationType string

const (
	SourceTagOp         SourceOperationType = "SOURCE_TAG"
	SourceDescriptionOp SourceOperationType = "SOURCE_DESCRIPTION"
)

// SourceTagAction is the mutation to apply.
type SourceTagAction string

const (
	ActionAdd    SourceTagAction = "ADD"
	ActionSave   SourceTagAction = "SAVE"
	ActionDelete SourceTagAction = "DELETE"
)

// SourceTagOperation is a mutation of the tags or description attached to a
// source on the backend. Operations are idempotent on the backend side.
type SourceTagOperation struct {
	Operation   SourceOperationType `json:"operation"`
	Action      SourceTagAction     `json:"action"`
	Source      string              `json:"source"`
	Annotations []string            `json:"annotations,omitempty"`
}

// Validate checks the operation for structural sanity. SAVE and ADD require
// at least one annotation; description DELETE requires none.
func (op *SourceTagOperation) Validate() error {
	if op.Source == "" {
		return &ValidationError{Reason: "source tag operation requires a source"}
	}
	switch op.Operation {
	case SourceTagOp, SourceDescriptionOp:
	default:
		return &ValidationError{Reason: fmt.Sprintf("invalid source tag operation %q", op.Operation)}
	}
	switch op.Action {
	case ActionAdd, ActionSave:
		if len(op.Annotations) == 0 {
			return &ValidationError{Reason: "source tag operation requires at least one annotation"}
		}
	case ActionDelete:
		if op.Operation == SourceTagOp && len(op.Annotations) == 0 {
			return &ValidationError{Reason: "source tag DELETE requires the tag to remove"}
		}
	default:
		return &ValidationError{Reason: fmt.Sprintf("invalid source tag action %q", op.Action)}
	}
	return nil
}

// Line renders the operation in the line format accepted on listener ports,
// used only for blocked-item logging.
func (op *SourceTagOperation) Line() string {
	return fmt.Sprintf("@%s action=%s source=%q %v", op.Operation, op.Action, op.Source, op.Annotations)
}
