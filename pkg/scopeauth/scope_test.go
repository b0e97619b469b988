package scopeauth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActionOrdering(t *testing.T) {
	require.True(t, ActionDelete > ActionPush)
	require.True(t, ActionPush > ActionPull)
	require.True(t, ActionPull > ActionNone)
}

func TestActionStringRoundTrip(t *testing.T) {
	for _, a := range []Action{ActionPull, ActionPush, ActionDelete} {
		require.Equal(t, a, ParseAction(a.String()))
	}
	require.Equal(t, ActionNone, ParseAction("bogus"))
	require.Equal(t, "none", ActionNone.String())
}

func TestParseScopeStringReducesToStrongestAction(t *testing.T) {
	scopes := ParseScopeString("repository:library/alpine:pull,push repository:library/busybox:pull")
	require.Len(t, scopes, 2)
	require.Equal(t, Scope{Repository: "library/alpine", Action: ActionPush}, scopes[0])
	require.Equal(t, Scope{Repository: "library/busybox", Action: ActionPull}, scopes[1])
}

func TestParseScopeStringWildcardMeansDelete(t *testing.T) {
	scopes := ParseScopeString("repository:library/alpine:*")
	require.Len(t, scopes, 1)
	require.Equal(t, ActionDelete, scopes[0].Action)
}

func TestParseScopeStringSkipsMalformedTokens(t *testing.T) {
	scopes := ParseScopeString("not-a-scope repository:missing-action repository:library/alpine:bogus")
	require.Empty(t, scopes)
}

func TestFormatScopeStringRoundTrip(t *testing.T) {
	raw := "repository:library/alpine:push repository:library/busybox:delete"
	scopes := ParseScopeString(raw)
	require.Equal(t, raw, FormatScopeString(scopes))
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)
	require.True(t, CheckPasswordHash("correct-horse-battery-staple", hash))
	require.False(t, CheckPasswordHash("wrong-password", hash))
}
