package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
	"github.com/jeeves-cluster-organization/callflow/coreengine/conversation"
	"github.com/jeeves-cluster-organization/callflow/coreengine/engine"
)

// =============================================================================
// REQUEST VALIDATION
// =============================================================================

// validateRequired checks if a field is non-empty.
// Returns gRPC InvalidArgument error if empty.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return InvalidArgument(fieldName)
	}
	return nil
}

// =============================================================================
// ERROR CODES
// =============================================================================

// InvalidArgument returns a gRPC InvalidArgument error.
// Use for malformed or missing required fields.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound returns a gRPC NotFound error.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an internal error with context.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// toStatus maps an engine error onto a gRPC status. Errors that already
// carry a status pass through unchanged.
func toStatus(operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var ctxErr *conversation.ContextNotFoundError
	var agentErr *agentconfig.AgentNotFoundError
	switch {
	case errors.As(err, &ctxErr):
		return NotFound("call context", ctxErr.CallID)
	case errors.As(err, &agentErr):
		return NotFound("agent", agentErr.AgentID)
	case errors.Is(err, engine.ErrUnknownVendor):
		return status.Errorf(codes.InvalidArgument, "%s failed: %v", operation, err)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s cancelled: %v", operation, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s timed out: %v", operation, err)
	default:
		return Internal(operation, err)
	}
}
