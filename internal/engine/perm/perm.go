// Package perm resolves permission queries over a loaded grant set.
// Resolution is pure: callers load the user's grants once per request
// and may cache the set for its duration.
package perm

import (
	"fmt"
	"time"

	"flowboard/internal/domain"
)

// DeniedError carries the specific missing permission for UI messaging.
type DeniedError struct {
	Resource string
	Action   string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("permission %s.%s required", e.Resource, e.Action)
}

// Query asks whether a user may perform action on resource, optionally
// at a process or stage scope.
type Query struct {
	Resource  string
	Action    string
	ProcessID string
	StageID   string
}

// GrantSet is everything resolution needs about one user.
// ScopedRecordExists reports whether any user holds a process- or
// stage-scoped grant for the queried resource/action at the target;
// when true, scoped resolution is authoritative even for admins.
type GrantSet struct {
	UserID             string
	Admin              bool
	Direct             []domain.DirectGrant
	Role               []domain.RoleGrant
	ScopedRecordExists bool
}

// Decision is the resolution outcome with its source, most to least
// specific: stage_grant, process_grant, global_grant, admin,
// role_grant, none.
type Decision struct {
	Allow  bool
	Source string
}

func expired(g domain.DirectGrant, now time.Time) bool {
	if g.ExpiresAt == nil {
		return false
	}
	exp, err := time.Parse(time.RFC3339, *g.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(exp)
}

// Resolve applies scope precedence: stage-scoped direct grant >
// process-scoped direct grant > global direct grant > role grant >
// deny. Expired direct grants are treated as absent.
func Resolve(now time.Time, set GrantSet, q Query) Decision {
	var stageHit, processHit, globalHit bool
	for _, g := range set.Direct {
		if g.Resource != q.Resource || g.Action != q.Action || expired(g, now) {
			continue
		}
		switch {
		case g.StageID != nil:
			if q.StageID != "" && *g.StageID == q.StageID {
				if g.ProcessID == nil || q.ProcessID == "" || *g.ProcessID == q.ProcessID {
					stageHit = true
				}
			}
		case g.ProcessID != nil:
			if q.ProcessID != "" && *g.ProcessID == q.ProcessID {
				processHit = true
			}
		default:
			globalHit = true
		}
	}
	switch {
	case stageHit:
		return Decision{Allow: true, Source: "stage_grant"}
	case processHit:
		return Decision{Allow: true, Source: "process_grant"}
	case globalHit:
		return Decision{Allow: true, Source: "global_grant"}
	}
	if set.Admin && !set.ScopedRecordExists {
		return Decision{Allow: true, Source: "admin"}
	}
	for _, g := range set.Role {
		if g.Resource == q.Resource && g.Action == q.Action {
			return Decision{Allow: true, Source: "role_grant"}
		}
	}
	return Decision{Source: "none"}
}
