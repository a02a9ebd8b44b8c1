package domain

type Location struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID         string   `json:"id"`
	LocationID string   `json:"location_id"`
	Title      string   `json:"title"`
	Status     string   `json:"status" enum:"open,in_progress,completed"`
	Actions    []string `json:"actions,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

// Target is one work item in a task's pool. Immutable once added; Seq
// fixes the stable claim order.
type Target struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Seq       int    `json:"seq"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Assignment struct {
	TaskID      string `json:"task_id"`
	TargetID    string `json:"target_id"`
	PrincipalID string `json:"principal_id"`
	Status      string `json:"status" enum:"pending,done,skipped"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Interaction is the latest recorded outcome for a (task, target)
// pair. Earlier outcomes are overwritten, never archived.
type Interaction struct {
	TaskID      string   `json:"task_id"`
	TargetID    string   `json:"target_id"`
	PrincipalID string   `json:"principal_id"`
	Actions     []string `json:"actions,omitempty"`
	Notes       string   `json:"notes,omitempty"`
	Rating      *int     `json:"rating,omitempty"`
	FollowUpAt  *string  `json:"follow_up_at,omitempty" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// Group is scoped to exactly one location and carries a type such as
// organizer or volunteer.
type Group struct {
	ID         string `json:"id"`
	LocationID string `json:"location_id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Membership struct {
	PrincipalID string `json:"principal_id"`
	LocationID  string `json:"location_id"`
	GroupID     string `json:"group_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Role struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// PagePermission is a role's binary verdict on one page.
type PagePermission struct {
	RoleID string `json:"role_id"`
	Page   string `json:"page"`
	Effect string `json:"effect" enum:"allow,deny"`
}

// CodeLookup maps a normalized human code to the canonical entity id.
// It is the sole authority for "is this code taken".
type CodeLookup struct {
	Kind      string `json:"kind"`
	Code      string `json:"code"`
	EntityID  string `json:"entity_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	LocationID string `json:"location_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

// ClaimResult reports the outcome of one claim call.
type ClaimResult struct {
	TaskID    string `json:"task_id"`
	Requested int    `json:"requested"`
	Assigned  int    `json:"assigned"`
	Message   string `json:"message,omitempty"`
}

// TaskSummary is the caller-facing rollup of a task and its pool.
type TaskSummary struct {
	TaskID       string `json:"task_id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	TotalTargets int    `json:"total_targets"`
	Assigned     int    `json:"assigned"`
}

// AssignedWork is one target a principal currently holds or finished,
// with the latest interaction when present.
type AssignedWork struct {
	TaskID      string       `json:"task_id"`
	TargetID    string       `json:"target_id"`
	Name        string       `json:"name"`
	Phone       string       `json:"phone,omitempty"`
	Status      string       `json:"status"`
	Interaction *Interaction `json:"interaction,omitempty"`
}

const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"

	AssignmentPending = "pending"
	AssignmentDone    = "done"
	AssignmentSkipped = "skipped"
)
