package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  --a  1 ", []string{"--a", "1"}},
		{`--prompt "hello world" -x`, []string{"--prompt", "hello world", "-x"}},
		{`--p 'it"s' --q "it's"`, []string{"--p", `it"s`, "--q", "it's"}},
		{`a\ b c`, []string{"a b", "c"}},
		{`--empty ""`, []string{"--empty", ""}},
		{`--k="v w"`, []string{"--k=v w"}},
	}
	for _, tc := range cases {
		got, err := SplitArgs(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := SplitArgs(`--a "open`)
	assert.Error(t, err)
}

func TestValidateArgs(t *testing.T) {
	reserved := []string{"-m", "--port", "--ctx-size"}

	args, err := ValidateArgs("x", "--temp 0.2 --ctx-shift", reserved)
	require.NoError(t, err)
	assert.Equal(t, []string{"--temp", "0.2", "--ctx-shift"}, args)

	_, err = ValidateArgs("x", "--ctx-size=8192 --port 1 --port 2", reserved)
	var re *ReservedArgError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, []string{"--ctx-size", "--port"}, re.Conflicts)

	_, err = ValidateArgs("x", `"unterminated`, reserved)
	var ae *ArgsError
	assert.ErrorAs(t, err, &ae)
}
