package runner

import (
	"os/user"
	"strconv"

	"github.com/pkg/errors"
)

// ErrUnknownUser and ErrUnknownGroup mirror the original's
// UnknownUserError/UnknownGroupError: the named identity could not be
// resolved to a numeric id. Names are resolved when a config file is
// parsed (twcfile.Parse), not at each fork.
var (
	ErrUnknownUser  = errors.New("runner: unknown user")
	ErrUnknownGroup = errors.New("runner: unknown group")
)

// Identity names the uid/gid a child process should switch to after
// forking. A nil UID or GID leaves that half of the identity unchanged,
// matching spec.md's "uid?, gid?" optional descriptor fields — including
// the case of an explicit numeric 0, which must be honored rather than
// treated as "unset".
type Identity struct {
	UID *uint32
	GID *uint32
}

// ResolveUser turns a numeric or textual uid into a uint32, looking it up
// via the system's passwd database when it isn't already numeric.
func ResolveUser(s string) (uint32, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownUser, "%q: %v", s, err)
	}
	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownUser, "%q: non-numeric uid %q", s, u.Uid)
	}
	return uint32(n), nil
}

// ResolveGroup turns a numeric or textual gid into a uint32, looking it up
// via the system's group database when it isn't already numeric.
func ResolveGroup(s string) (uint32, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	g, err := user.LookupGroup(s)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownGroup, "%q: %v", s, err)
	}
	n, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownGroup, "%q: non-numeric gid %q", s, g.Gid)
	}
	return uint32(n), nil
}
