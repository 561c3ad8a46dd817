package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyOrderDoesNotMatter(t *testing.T) {
	require := require.New(t)

	a, err := Canonicalize([]byte(`{"b": 1, "a": {"y": [3, 2, 1], "x": "hi"}, "c": null}`))
	require.Nil(err)
	b, err := Canonicalize([]byte(`{"c":null,"a":{"x":"hi","y":[3,2,1]},"b":1}`))
	require.Nil(err)
	require.Equal(string(a), string(b))
	require.Equal(`{"a":{"x":"hi","y":[3,2,1]},"b":1,"c":null}`, string(a))

	ha, err := Hash([]byte(`{"b": 1, "a": 2}`))
	require.Nil(err)
	hb, err := Hash([]byte(`{"a":2,"b":1}`))
	require.Nil(err)
	require.Equal(ha, hb)
	require.Len(ha, 43)
}

func TestMarshalMatchesCanonicalize(t *testing.T) {
	require := require.New(t)

	type payload struct {
		Zed   string `json:"zed"`
		Alpha int64  `json:"alpha"`
	}
	b, err := Marshal(&payload{Zed: "<&>", Alpha: 1700000000000})
	require.Nil(err)
	require.Equal(`{"alpha":1700000000000,"zed":"<&>"}`, string(b))
}

func TestStrings(t *testing.T) {
	require := require.New(t)

	b, err := Canonicalize([]byte(`"a\"b\\c\n\u0001 é\/"`))
	require.Nil(err)
	require.Equal("\"a\\\"b\\\\c\\n\\u0001 é/\"", string(b))
}

func TestNumbers(t *testing.T) {
	require := require.New(t)

	cases := map[string]string{
		`9007199254740992`:  `9007199254740992`,
		`-9007199254740992`: `-9007199254740992`,
		`-7`:                `-7`,
		`-0`:                `0`,
		`-0.0`:              `0`,
		`1.0`:               `1`,
		`1.50`:              `1.5`,
		`1e3`:               `1000`,
		`1.5e-7`:            `1.5e-7`,
		`2e21`:              `2e+21`,
		`0.0`:               `0`,
	}
	for in, out := range cases {
		b, err := Canonicalize([]byte(in))
		require.Nil(err, in)
		require.Equal(out, string(b), in)
	}
}

func TestNonASCIIKeyOrder(t *testing.T) {
	require := require.New(t)

	// U+1F600 sorts after U+FF61 by code point but before it by UTF-16 code unit
	b, err := Canonicalize([]byte(`{"｡":2,"😀":1}`))
	require.Nil(err)
	require.Equal(`{"😀":1,"｡":2}`, string(b))
}

func TestRejectsInvalidInput(t *testing.T) {
	require := require.New(t)

	_, err := Canonicalize([]byte(`{"a":`))
	require.Error(err)
	_, err = Canonicalize([]byte(`{"a":1} {}`))
	require.Error(err)
}

func TestRejectsInexactIntegers(t *testing.T) {
	require := require.New(t)

	for _, in := range []string{`9007199254740993`, `-9007199254740993`, `12345678901234567890`} {
		_, err := Canonicalize([]byte(in))
		require.Error(err, in)
	}
}
