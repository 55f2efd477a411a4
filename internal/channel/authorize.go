// Package channel classifies channel names, decides subscription access, and
// maintains the subscription registry.
package channel

import (
	"errors"
	"strconv"
	"strings"

	"github.com/parleyhq/pulse/internal/auth"
)

var (
	// ErrForbidden means the identity's role or ownership does not cover the channel.
	ErrForbidden = errors.New("channel forbidden")
	// ErrMalformedChannel means the name matches no recognized channel shape.
	ErrMalformedChannel = errors.New("channel name malformed")
	// ErrChannelFull is returned by the registry when a channel hit its subscriber cap.
	ErrChannelFull = errors.New("channel full")
)

// Kind is the recognized channel family.
type Kind string

const (
	KindPublic      Kind = "public"
	KindPrivateUser Kind = "private_user"
	KindAdmin       Kind = "admin"
	KindModerator   Kind = "moderator"
	KindForum       Kind = "forum"
	KindThread      Kind = "thread"
	KindSystem      Kind = "system"
	KindUnknown     Kind = "unknown"
)

// Classification is the parsed form of a channel name.
type Classification struct {
	Kind    Kind
	Suffix  string
	OwnerID int64 // set for private_user channels
}

// Classify parses a channel name. Unknown or malformed names classify as
// KindUnknown; authorization denies those unconditionally.
func Classify(name string) Classification {
	prefix, suffix, found := strings.Cut(name, ".")
	if !found || suffix == "" {
		return Classification{Kind: KindUnknown}
	}

	switch prefix {
	case "public":
		return Classification{Kind: KindPublic, Suffix: suffix}
	case "private-user":
		ownerID, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil || ownerID <= 0 {
			return Classification{Kind: KindUnknown}
		}
		return Classification{Kind: KindPrivateUser, Suffix: suffix, OwnerID: ownerID}
	case "admin":
		return Classification{Kind: KindAdmin, Suffix: suffix}
	case "moderator":
		return Classification{Kind: KindModerator, Suffix: suffix}
	case "forum", "thread":
		if _, err := strconv.ParseInt(suffix, 10, 64); err != nil {
			return Classification{Kind: KindUnknown}
		}
		if prefix == "forum" {
			return Classification{Kind: KindForum, Suffix: suffix}
		}
		return Classification{Kind: KindThread, Suffix: suffix}
	case "system":
		return Classification{Kind: KindSystem, Suffix: suffix}
	default:
		return Classification{Kind: KindUnknown}
	}
}

// Authorize decides whether an identity may subscribe to a channel. Pure
// function of its inputs: same identity and name always give the same answer.
//
// Ownership beats role: private-user channels admit only the owner, even for
// admins. Admin covers moderator channels. Guests get public channels only.
func Authorize(identity auth.Identity, name string) error {
	c := Classify(name)

	switch c.Kind {
	case KindPublic:
		return nil
	case KindPrivateUser:
		if identity.UserID == c.OwnerID {
			return nil
		}
		return ErrForbidden
	case KindAdmin, KindSystem:
		if identity.Role == auth.RoleAdmin {
			return nil
		}
		return ErrForbidden
	case KindModerator:
		if identity.Role == auth.RoleAdmin || identity.Role == auth.RoleModerator {
			return nil
		}
		return ErrForbidden
	case KindForum, KindThread:
		if identity.Role != auth.RoleGuest {
			return nil
		}
		return ErrForbidden
	default:
		return ErrMalformedChannel
	}
}
