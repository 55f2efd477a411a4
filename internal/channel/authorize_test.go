package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/pulse/internal/auth"
)

func identityWith(userID int64, role auth.Role) auth.Identity {
	return auth.Identity{UserID: userID, Role: role}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    Kind
		ownerID int64
	}{
		{"public", "public.announcements", KindPublic, 0},
		{"private user", "private-user.42", KindPrivateUser, 42},
		{"admin", "admin.system", KindAdmin, 0},
		{"moderator", "moderator.queue", KindModerator, 0},
		{"forum", "forum.17", KindForum, 0},
		{"thread", "thread.9001", KindThread, 0},
		{"system", "system.maintenance", KindSystem, 0},
		{"empty", "", KindUnknown, 0},
		{"no suffix", "public.", KindUnknown, 0},
		{"no separator", "public", KindUnknown, 0},
		{"unknown prefix", "secret.42", KindUnknown, 0},
		{"private non-numeric", "private-user.bob", KindUnknown, 0},
		{"private zero", "private-user.0", KindUnknown, 0},
		{"forum non-numeric", "forum.general", KindUnknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.channel)
			assert.Equal(t, tt.want, c.Kind)
			assert.Equal(t, tt.ownerID, c.OwnerID)
		})
	}
}

func TestAuthorizeMatrix(t *testing.T) {
	roles := []auth.Role{
		auth.RoleAdmin, auth.RoleModerator, auth.RoleSenior,
		auth.RoleBusiness, auth.RolePremium, auth.RoleMember, auth.RoleGuest,
	}

	// channel → set of roles allowed for user 7
	allowed := map[string]map[auth.Role]bool{
		"public.news": {
			auth.RoleAdmin: true, auth.RoleModerator: true, auth.RoleSenior: true,
			auth.RoleBusiness: true, auth.RolePremium: true, auth.RoleMember: true,
			auth.RoleGuest: true,
		},
		"private-user.7": {
			auth.RoleAdmin: true, auth.RoleModerator: true, auth.RoleSenior: true,
			auth.RoleBusiness: true, auth.RolePremium: true, auth.RoleMember: true,
			auth.RoleGuest: true,
		},
		"private-user.8": {}, // ownership beats role, nobody but user 8
		"admin.system":   {auth.RoleAdmin: true},
		"system.alerts":  {auth.RoleAdmin: true},
		"moderator.queue": {
			auth.RoleAdmin: true, auth.RoleModerator: true,
		},
		"forum.12": {
			auth.RoleAdmin: true, auth.RoleModerator: true, auth.RoleSenior: true,
			auth.RoleBusiness: true, auth.RolePremium: true, auth.RoleMember: true,
		},
		"thread.3": {
			auth.RoleAdmin: true, auth.RoleModerator: true, auth.RoleSenior: true,
			auth.RoleBusiness: true, auth.RolePremium: true, auth.RoleMember: true,
		},
	}

	for channelName, allowedRoles := range allowed {
		for _, role := range roles {
			err := Authorize(identityWith(7, role), channelName)
			if allowedRoles[role] {
				assert.NoError(t, err, "role %s on %s should be allowed", role, channelName)
			} else {
				assert.ErrorIs(t, err, ErrForbidden, "role %s on %s should be denied", role, channelName)
			}
		}
	}
}

func TestAuthorizeOwnershipBeatsAdmin(t *testing.T) {
	// An admin must not read another user's private channel.
	err := Authorize(identityWith(1, auth.RoleAdmin), "private-user.999")
	require.ErrorIs(t, err, ErrForbidden)

	// The owner gets in regardless of role.
	require.NoError(t, Authorize(identityWith(999, auth.RoleGuest), "private-user.999"))
}

func TestAuthorizeMalformed(t *testing.T) {
	malformed := []string{"", ".", "public", "public.", "nonsense.x", "private-user.abc"}
	for _, name := range malformed {
		assert.ErrorIs(t, Authorize(identityWith(1, auth.RoleAdmin), name), ErrMalformedChannel,
			"channel %q must be denied as malformed", name)
	}
}

func TestAuthorizePurity(t *testing.T) {
	id := identityWith(42, auth.RoleMember)
	first := Authorize(id, "forum.1")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Authorize(id, "forum.1"))
	}
}
