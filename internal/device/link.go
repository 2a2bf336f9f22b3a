package device

import (
	"fmt"

	"github.com/TinkerUp/sideload-core/internal/errs"
)

// LinkState is the supervisor's view of one physical device.
type LinkState string

const (
	LinkUnknown LinkState = "unknown"
	LinkProbing LinkState = "probing"
	LinkOnline  LinkState = "online"
	LinkOffline LinkState = "offline"
)

// nextLinkState validates a (cur -> next) edge. Repeating the current state
// is a no-op.
func nextLinkState(cur LinkState, next LinkState) (LinkState, error) {
	if cur == "" {
		cur = LinkUnknown
	}
	if cur == next {
		return cur, nil
	}
	if !allowedTransition(cur, next) {
		return cur, fmt.Errorf("%w: %s -> %s", errs.ErrTransitionForbidden, cur, next)
	}
	return next, nil
}

func allowedTransition(cur LinkState, next LinkState) bool {
	switch cur {
	case LinkUnknown:
		return next == LinkProbing
	case LinkProbing:
		return next == LinkOnline || next == LinkOffline
	case LinkOnline:
		return next == LinkProbing || next == LinkOffline
	case LinkOffline:
		return next == LinkProbing
	default:
		return false
	}
}
