package scopeauth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHasActionAllowsAnonymousPullOnPublicRepo(t *testing.T) {
	ok, err := HasAction(context.Background(), nil, "library/alpine", ActionPull, nil, uuid.Nil, true)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHasActionDeniesAnonymousOnPrivateRepo(t *testing.T) {
	ok, err := HasAction(context.Background(), nil, "library/alpine", ActionPull, nil, uuid.Nil, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasActionAdminBypassesEverything(t *testing.T) {
	p := &Principal{UserID: uuid.New(), IsAdmin: true}
	ok, err := HasAction(context.Background(), p, "library/alpine", ActionDelete, nil, uuid.Nil, false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHasActionHonorsTokenAccessGrant(t *testing.T) {
	p := &Principal{UserID: uuid.New(), Access: []string{"repository:library/alpine:push"}}

	ok, err := HasAction(context.Background(), p, "library/alpine", ActionPush, nil, uuid.Nil, false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = HasAction(context.Background(), p, "library/alpine", ActionDelete, nil, uuid.Nil, false)
	require.NoError(t, err)
	require.False(t, ok)
}
