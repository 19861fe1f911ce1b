package errors

import "net/http"

// Error code constants for the world-state core error taxonomy.
// Errors carry code + machine-readable details only, never hardcoded
// user-facing prose — a transport layer maps codes to localized messages.

// NotFound codes: entity, branch, version, and the scopes above them.
const (
	CodeEntityNotFound    = "ENTITY_NOT_FOUND"
	CodeBranchNotFound    = "BRANCH_NOT_FOUND"
	CodeVersionNotFound   = "VERSION_NOT_FOUND"
	CodeCampaignNotFound  = "CAMPAIGN_NOT_FOUND"
	CodeWorldNotFound     = "WORLD_NOT_FOUND"
	CodeSchemaNotFound    = "SCHEMA_NOT_FOUND"
	CodeConditionNotFound = "CONDITION_NOT_FOUND"
	CodeEffectNotFound    = "EFFECT_NOT_FOUND"
)

// Unauthorized: missing role/permission.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotAMember   = "NOT_A_MEMBER"
)

// Validation: bad type, bad enum, malformed geometry, bad calendar, bad hex
// color, duplicate branch name.
const (
	CodeValidation          = "VALIDATION"
	CodeInvalidGeometry     = "INVALID_GEOMETRY"
	CodeInvalidCalendarDate = "INVALID_CALENDAR_DATE"
	CodeInvalidColor        = "INVALID_COLOR"
	CodeDuplicateBranchName = "DUPLICATE_BRANCH_NAME"
	CodeInvalidVariableType = "INVALID_VARIABLE_TYPE"
	CodeUnknownOperator     = "UNKNOWN_OPERATOR"
)

// VersionConflict: optimistic lock failed.
const CodeVersionConflict = "VERSION_CONFLICT"

// PastOrEqualTime: world-time regression.
const CodePastOrEqualTime = "PAST_OR_EQUAL_TIME"

// CircularDependency: in the dependency graph or the branch ancestry.
const (
	CodeCircularDependency = "CIRCULAR_DEPENDENCY"
	CodeCyclicBranch       = "CYCLIC_BRANCH"
)

// UnresolvedConflicts: merge.
const CodeUnresolvedConflicts = "UNRESOLVED_CONFLICTS"

// SchemaIncompatible: variable schema change invalidates stored values.
const CodeSchemaIncompatible = "SCHEMA_INCOMPATIBLE"

// DependencyFailed: downstream op failed after rollback.
const CodeDependencyFailed = "DEPENDENCY_FAILED"

// IntegrityError: corrupt payload, impossible state.
const CodeIntegrityError = "INTEGRITY_ERROR"

// Convenience constructors using predefined codes.

// ErrEntityNotFound creates an entity-not-found error.
func ErrEntityNotFound(entityType, entityID string) *AppError {
	return NotFound(CodeEntityNotFound, "entity not found").
		WithDetail("entityType", entityType).
		WithDetail("entityId", entityID)
}

// ErrBranchNotFound creates a branch-not-found error.
func ErrBranchNotFound(branchID string) *AppError {
	return NotFound(CodeBranchNotFound, "branch not found").WithDetail("branchId", branchID)
}

// ErrVersionConflict creates a 409 optimistic-lock error.
func ErrVersionConflict(entityType, entityID string, expected, actual int) *AppError {
	return New(CodeVersionConflict, "version conflict", http.StatusConflict).
		WithDetail("entityType", entityType).
		WithDetail("entityId", entityID).
		WithDetail("expectedVersion", expected).
		WithDetail("actualVersion", actual)
}

// ErrPastOrEqualTime creates a world-time regression error.
func ErrPastOrEqualTime(campaignID string) *AppError {
	return New(CodePastOrEqualTime, "world time must advance strictly forward", http.StatusConflict).
		WithDetail("campaignId", campaignID)
}

// ErrCircularDependency creates a circular-dependency error carrying the
// offending path so callers can report it without re-deriving it.
func ErrCircularDependency(path []string) *AppError {
	return New(CodeCircularDependency, "circular dependency detected", http.StatusBadRequest).
		WithDetail("path", path)
}

// ErrCyclicBranch creates a cyclic-branch-ancestry error.
func ErrCyclicBranch(branchID string) *AppError {
	return New(CodeCyclicBranch, "branch ancestry is cyclic", http.StatusBadRequest).
		WithDetail("branchId", branchID)
}

// ErrUnresolvedConflicts creates an unresolved-merge-conflicts error.
func ErrUnresolvedConflicts(fields []string) *AppError {
	return New(CodeUnresolvedConflicts, "merge has unresolved conflicts", http.StatusConflict).
		WithDetail("fields", fields)
}

// ErrSchemaIncompatible creates a schema-incompatible error.
func ErrSchemaIncompatible(reason string) *AppError {
	return New(CodeSchemaIncompatible, "schema change incompatible with stored values", http.StatusBadRequest).
		WithDetail("reason", reason)
}

// ErrDependencyFailed creates a downstream-dependency-failure error.
func ErrDependencyFailed(node string, cause error) *AppError {
	return Wrap(cause, CodeDependencyFailed, "dependent recomputation failed", http.StatusInternalServerError).
		WithDetail("node", node)
}

// ErrIntegrityError creates an integrity error for corrupt payloads.
func ErrIntegrityError(reason string) *AppError {
	return New(CodeIntegrityError, "integrity error", http.StatusInternalServerError).
		WithDetail("reason", reason)
}

// WithDetail attaches a machine-readable detail to the error, returning the
// same error for chaining.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
