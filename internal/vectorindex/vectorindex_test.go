package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOversampleFactor_Capped(t *testing.T) {
	require.Equal(t, 10, OversampleFactor(5, 1000))
	require.Equal(t, 4, OversampleFactor(5, 20))
	require.Equal(t, 1, OversampleFactor(5, 1))
	require.Equal(t, 1, OversampleFactor(0, 50))
}

func TestOversampleFactor_NeverExceedsTen(t *testing.T) {
	for limit := 1; limit <= 50; limit++ {
		for rescore := 1; rescore <= 2000; rescore += 37 {
			f := OversampleFactor(limit, rescore)
			require.LessOrEqual(t, f, 10)
			require.GreaterOrEqual(t, limit*f, 0)
			require.LessOrEqual(t, limit*f, limit*10)
		}
	}
}
