package testing

import (
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestRandStringN(t *testing.T) {
	for _, n := range []int{0, 1, 36} {
		s := RandStringN(n)
		require.Len(t, s, n)
		for _, r := range s {
			require.True(t, strings.ContainsRune(letters, r))
		}
	}
	require.Len(t, RandString(), 10)
}
