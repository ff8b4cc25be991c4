package buildsys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input    string
		expected time.Duration
	}{
		{input: "5", expected: 5 * time.Second},
		{input: "0.5", expected: 500 * time.Millisecond},
		{input: "10s", expected: 10 * time.Second},
		{input: "1.5m", expected: 90 * time.Second},
		{input: "2h", expected: 2 * time.Hour},
		{input: "1d", expected: 24 * time.Hour},
		{input: "1m30s", expected: 90 * time.Second},
		{input: " 3 ", expected: 3 * time.Second},
	}

	for _, tc := range cases {
		result, err := ParseDuration(tc.input)
		require.NoError(t, err, tc.input)
		require.Equal(t, tc.expected, result, tc.input)
	}

	for _, input := range []string{"", "-1", "soon", "5x", "NaN", "inf", "+Inf", "1e300", "1e300d", "-0.5s"} {
		_, err := ParseDuration(input)
		require.Error(t, err, input)
	}
}
