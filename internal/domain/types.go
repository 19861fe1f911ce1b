// Package domain holds the entity and event types shared across the
// world-state core's components.
package domain

import (
	"encoding/json"
	"time"
)

// EntityType enumerates the polymorphic entity variants the core stores.
type EntityType string

const (
	EntityLocation   EntityType = "LOCATION"
	EntityKingdom    EntityType = "KINGDOM"
	EntitySettlement EntityType = "SETTLEMENT"
	EntityStructure  EntityType = "STRUCTURE"
	EntityParty      EntityType = "PARTY"
	EntityCharacter  EntityType = "CHARACTER"
	EntityEncounter  EntityType = "ENCOUNTER"
	EntityEvent      EntityType = "EVENT"
)

// Role is a campaign membership role.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleGM     Role = "GM"
	RolePlayer Role = "PLAYER"
	RoleViewer Role = "VIEWER"
)

// Operation enumerates the audit-log operation taxonomy.
type Operation string

const (
	OpCreate  Operation = "CREATE"
	OpUpdate  Operation = "UPDATE"
	OpDelete  Operation = "DELETE"
	OpArchive Operation = "ARCHIVE"
	OpRestore Operation = "RESTORE"
	OpFork    Operation = "FORK"
	OpMerge   Operation = "MERGE"
)

// Calendar describes a campaign's custom calendar. A year's length is the
// sum of DaysPerMonth; arithmetic must never assume 365.
type Calendar struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MonthsPerYear int       `json:"monthsPerYear"`
	DaysPerMonth  []int     `json:"daysPerMonth"`
	MonthNames    []string  `json:"monthNames"`
	Epoch         time.Time `json:"epoch"`
	Notes         string    `json:"notes,omitempty"`
}

// World is the top-level container, owning a Calendar definition.
type World struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"ownerId"`
	Name      string   `json:"name"`
	Calendar  Calendar `json:"calendar"`
	CreatedAt time.Time `json:"createdAt"`
}

// Membership binds a user to a campaign with a role.
type Membership struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaignId"`
	UserID     string `json:"userId"`
	Role       Role   `json:"role"`
}

// Campaign is a child of a World.
type Campaign struct {
	ID               string       `json:"id"`
	WorldID          string       `json:"worldId"`
	Name             string       `json:"name"`
	CurrentWorldTime *string      `json:"currentWorldTime,omitempty"`
	Version          int          `json:"version"`
	SRID             int          `json:"srid"`
	Memberships      []Membership `json:"memberships,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	DeletedAt        *time.Time   `json:"deletedAt,omitempty"`
}

// Branch is a child of a Campaign.
type Branch struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaignId"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ParentID    *string    `json:"parentId,omitempty"`
	DivergedAt  *string    `json:"divergedAt,omitempty"`
	IsPinned    bool       `json:"isPinned"`
	Color       string     `json:"color,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// Version is an immutable snapshot of one entity at one point in branch
// time. Payload is stored gzip-compressed by the version store; Checksum
// guards against silent corruption.
type Version struct {
	ID         string    `json:"id"`
	EntityType EntityType `json:"entityType"`
	EntityID   string    `json:"entityId"`
	BranchID   string    `json:"branchId"`
	Version    int       `json:"version"`
	ValidFrom  string    `json:"validFrom"`
	Payload    []byte    `json:"-"`
	Checksum   string    `json:"-"`
	Author     string    `json:"author"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ValueType enumerates the typed-variable value kinds.
type ValueType string

const (
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
	ValueEnum    ValueType = "enum"
	ValueArray   ValueType = "array"
)

// Scope is a level in the variable-schema inheritance hierarchy, ordered
// most general to most specific.
type Scope string

const (
	ScopeWorld      Scope = "WORLD"
	ScopeCampaign   Scope = "CAMPAIGN"
	ScopeParty      Scope = "PARTY"
	ScopeKingdom    Scope = "KINGDOM"
	ScopeSettlement Scope = "SETTLEMENT"
	ScopeCharacter  Scope = "CHARACTER"
	ScopeStructure  Scope = "STRUCTURE"
)

// VariableSchema is a named, scoped variable definition.
type VariableSchema struct {
	ID           string          `json:"id"`
	CampaignID   string          `json:"campaignId"`
	Scope        Scope           `json:"scope"`
	Name         string          `json:"name"`
	Type         ValueType       `json:"type"`
	EnumValues   []string        `json:"enumValues,omitempty"`
	ElementType  ValueType       `json:"elementType,omitempty"`
	DefaultValue json.RawMessage `json:"defaultValue,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Phase is when an Effect fires relative to its trigger.
type Phase string

const (
	PhasePre       Phase = "PRE"
	PhaseOnResolve Phase = "ON_RESOLVE"
	PhasePost      Phase = "POST"
)

// FieldCondition computes a field's value from a JSONLogic expression.
type FieldCondition struct {
	ID          string          `json:"id"`
	EntityType  EntityType      `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Field       string          `json:"field"`
	Expression  json.RawMessage `json:"expression"`
	Priority    int             `json:"priority"`
	Description string          `json:"description,omitempty"`
	DeletedAt   *time.Time      `json:"deletedAt,omitempty"`
}

// PatchOp is one JSON-Patch (RFC 6902) operation, whose Value may itself be
// a JSONLogic expression resolved against the effect's context before
// application.
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Effect is an executable mutation definition.
type Effect struct {
	ID       string    `json:"id"`
	Trigger  string    `json:"trigger"`
	PatchOps []PatchOp `json:"patchOps"`
	Phase    Phase     `json:"phase"`
	Priority int       `json:"priority"`
}

// LinkKind enumerates directed relationship kinds between entities.
type LinkKind string

// Link is a directed relationship that participates in the dependency graph.
type Link struct {
	ID         string     `json:"id"`
	FromType   EntityType `json:"fromType"`
	FromID     string     `json:"fromId"`
	ToType     EntityType `json:"toType"`
	ToID       string     `json:"toId"`
	Kind       LinkKind   `json:"kind"`
}

// AuditEntry is an append-only record of a mutation.
type AuditEntry struct {
	ID            string          `json:"id"`
	Actor         string          `json:"actor"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Operation     Operation       `json:"operation"`
	PreviousState json.RawMessage `json:"previousState,omitempty"`
	NewState      json.RawMessage `json:"newState,omitempty"`
	Diff          json.RawMessage `json:"diff,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
