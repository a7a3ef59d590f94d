package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripdesk/internal/config"
)

func TestRequire(t *testing.T) {
	svc := Service{Config: config.Default()}

	viewer := Principal{ActorID: "v", Roles: []string{"viewer"}}
	require.NoError(t, svc.Require(viewer, config.PermSessionRead))

	err := svc.Require(viewer, config.PermApprovalDecide)
	var forbidden ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, config.PermApprovalDecide, forbidden.Permission)

	direct := Principal{ActorID: "bot", Permissions: []string{config.PermApprovalDecide}}
	assert.NoError(t, svc.Require(direct, config.PermApprovalDecide))
	assert.Error(t, svc.Require(direct, config.PermSessionRead))
}

func TestDefaultRoles(t *testing.T) {
	svc := Service{Config: config.Default()}
	assert.Equal(t, []string{"traveler"}, svc.DefaultRoles())
	assert.Equal(t, []string{"approval.decide", "session.read", "session.write"},
		svc.Permissions(Principal{Roles: svc.DefaultRoles()}))

	assert.Nil(t, Service{}.DefaultRoles())
}
