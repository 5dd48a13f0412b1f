package compress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("store path contents\n"), 100)

	for _, algo := range []Algorithm{XZ{}, Zstd{}, Identity{}} {
		t.Run(algo.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := algo.NewWriter(&buf)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := algo.NewReader(&buf)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"xz", "zstd", "none"} {
		algo, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, algo.Name())
	}
	_, err := ByName("bogus")
	assert.Error(t, err)
}
