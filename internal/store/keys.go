package store

import "fmt"

// Key builders for the single-table layout. Every aggregate lives in
// its own partition; range queries walk a sort-key prefix.

func LocationPK(id string) string  { return "LOC#" + id }
func TaskPK(id string) string      { return "TASK#" + id }
func PrincipalPK(id string) string { return "PRIN#" + id }
func GroupPK(id string) string     { return "GROUP#" + id }
func RolePK(id string) string      { return "ROLE#" + id }
func EventPK(scope string) string  { return "EVENT#" + scope }

const (
	MetaSK     = "META"
	APIKeyPK   = "APIKEY"
	TargetPre  = "TARGET#"
	AssignPre  = "ASSIGN#"
	NotePre    = "NOTE#"
	MemberPre  = "MEMBER#"
	ClaimPre   = "CLAIM#"
	TaskPre    = "TASK#"
	RoleAsgPre = "ROLE#"
	PagePre    = "PAGE#"
)

// TargetSK zero-pads the sequence so lexicographic sort-key order is
// creation order.
func TargetSK(seq int) string { return fmt.Sprintf("%s%06d", TargetPre, seq) }

func AssignSK(targetID string) string { return AssignPre + targetID }
func NoteSK(targetID string) string   { return NotePre + targetID }

func MemberSK(locationID, groupID string) string { return MemberPre + locationID + "#" + groupID }
func MemberPrefix(locationID string) string      { return MemberPre + locationID + "#" }

func ClaimSK(taskID, targetID string) string { return ClaimPre + taskID + "#" + targetID }

func RoleAsgSK(roleID string) string { return RoleAsgPre + roleID }
func PageSK(page string) string      { return PagePre + page }

// Strategy describes how one resource kind maps onto the table: where
// its entity record lives and, when the kind is code-addressable,
// which partition holds its code lookups.
type Strategy struct {
	EntityPK func(id string) string
	EntitySK string
	LookupPK string
}

// Registry is the resource-to-strategy table. It is built once at
// startup and handed to the services that need it; nothing mutates it
// after construction.
type Registry map[string]Strategy

const (
	KindLocation = "location"
	KindTask     = "task"
	KindGroup    = "group"
	KindRole     = "role"
)

func DefaultRegistry() Registry {
	return Registry{
		KindLocation: {EntityPK: LocationPK, EntitySK: MetaSK, LookupPK: "LOOKUP#LOCATION"},
		KindTask:     {EntityPK: TaskPK, EntitySK: MetaSK},
		KindGroup:    {EntityPK: GroupPK, EntitySK: MetaSK},
		KindRole:     {EntityPK: RolePK, EntitySK: MetaSK},
	}
}
