package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginAndCheckRole(t *testing.T) {
	a, err := New("hunter2")
	require.NoError(t, err)

	_, err = a.Login("wrong")
	assert.Error(t, err)

	token, err := a.Login("hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.True(t, a.CheckRole(token, RoleAdmin))
	assert.True(t, a.CheckRole("Bearer "+token, RoleAdmin))
	assert.True(t, a.CheckRole(token, RoleApprover), "admin satisfies every role")
	assert.False(t, a.CheckRole("bogus", RoleAdmin))
	assert.False(t, a.CheckRole("", RoleCaller))
}

func TestLoginDisabledWithoutPassword(t *testing.T) {
	a, err := New("")
	require.NoError(t, err)

	_, err = a.Login("anything")
	assert.Error(t, err)
}

func TestMintRoles(t *testing.T) {
	a, err := New("pw")
	require.NoError(t, err)

	approver, err := a.Mint(RoleApprover)
	require.NoError(t, err)
	assert.True(t, a.CheckRole(approver, RoleApprover))
	assert.True(t, a.CheckRole(approver, RoleCaller), "approver covers caller")
	assert.False(t, a.CheckRole(approver, RoleAdmin))

	caller, err := a.Mint(RoleCaller)
	require.NoError(t, err)
	assert.True(t, a.CheckRole(caller, RoleCaller))
	assert.False(t, a.CheckRole(caller, RoleApprover))

	_, err = a.Mint("superuser")
	assert.Error(t, err)
}

func TestRevoke(t *testing.T) {
	a, err := New("pw")
	require.NoError(t, err)

	token, err := a.Mint(RoleCaller)
	require.NoError(t, err)
	require.True(t, a.CheckRole(token, RoleCaller))

	a.Revoke(token)
	assert.False(t, a.CheckRole(token, RoleCaller))
	assert.Empty(t, a.Role(token))
}

func TestTokensAreUnique(t *testing.T) {
	a, err := New("pw")
	require.NoError(t, err)

	t1, err := a.Mint(RoleCaller)
	require.NoError(t, err)
	t2, err := a.Mint(RoleCaller)
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
	assert.Len(t, t1, 32)
}
