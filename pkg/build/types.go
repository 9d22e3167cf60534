package build

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind distinguishes builds of environments shipped with the firmware project
// from builds of user supplied environment snippets.
type Kind int

const (
	KindBuiltin Kind = 1
	KindCustom  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindBuiltin:
		return "builtin"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindBuiltin || k == KindCustom
}

// ParseKind accepts the lower-case kind names used by the API and CLI.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "builtin", "":
		return KindBuiltin, nil
	case "custom":
		return KindCustom, nil
	default:
		return 0, fmt.Errorf("unknown build kind %q", s)
	}
}

// State represents the lifecycle state of a build.
type State int

const (
	StatePending  State = 1
	StateBuilding State = 2
	StateSuccess  State = 3
	StateFailed   State = 4
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBuilding:
		return "building"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s >= StatePending && s <= StateFailed
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// CanTransition reports whether a record in state s may move to next.
// The only allowed path is pending -> building -> success|failed.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateBuilding
	case StateBuilding:
		return next == StateSuccess || next == StateFailed
	default:
		return false
	}
}

// Author identifies the requester of a build.
type Author struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	AvatarURL     string `json:"avatar_url"`
	Discriminator string `json:"discriminator"`
}

var (
	commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)
	idPattern     = regexp.MustCompile(`^[a-zA-Z0-9]{22}$`)
)

// ValidCommitHash reports whether s is a full lower-case hex commit id.
func ValidCommitHash(s string) bool {
	return commitPattern.MatchString(s)
}

// ValidID reports whether s has the shape of a build id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}
