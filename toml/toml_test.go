package toml_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	itoml "github.com/clusterlabs/cibd/toml"
)

func TestSize_UnmarshalText(t *testing.T) {
	t.Parallel()

	good := map[string]uint64{
		"0":    0,
		"512":  512,
		"4k":   4 << 10,
		"4K":   4 << 10,
		"16m":  16 << 20,
		"2G":   2 << 30,
		"1024": 1 << 10,
	}
	for in, want := range good {
		var s itoml.Size
		require.NoError(t, s.UnmarshalText([]byte(in)), in)
		require.Equal(t, itoml.Size(want), s, in)
	}

	for _, in := range []string{"", "1KB", "m", "-1", "99999999999999999999g", "1t"} {
		var s itoml.Size
		require.Error(t, s.UnmarshalText([]byte(in)), in)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	type section struct {
		Timeout  itoml.Duration `toml:"timeout"`
		MaxBytes itoml.Size     `toml:"max-bytes"`
	}
	var c struct {
		Server section `toml:"server"`
	}

	_, err := toml.Decode(`
[server]
timeout = "2m"
max-bytes = "8m"
`, &c)
	require.NoError(t, err)
	require.Equal(t, itoml.Duration(2*time.Minute), c.Server.Timeout)
	require.Equal(t, itoml.Size(8<<20), c.Server.MaxBytes)

	var buf bytes.Buffer
	require.NoError(t, toml.NewEncoder(&buf).Encode(&c))
	require.Contains(t, buf.String(), `timeout = "2m0s"`)
	require.Contains(t, buf.String(), `max-bytes = "8388608"`)
}
