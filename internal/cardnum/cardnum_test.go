package cardnum_test

import (
	"testing"

	"github.com/bankcore/cardvault/internal/cardnum"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, "4111111111111111", cardnum.Normalize(" 4111 1111-1111\t1111 "))
	require.Equal(t, "", cardnum.Normalize("  "))
}

func TestValidate(t *testing.T) {
	for _, pan := range []string{
		"4111111111111111",
		"4242424242424242",
		"5555555555554444",
		"378282246310005", // 15 digits
	} {
		require.NoError(t, cardnum.Validate(pan), "pan %s", pan)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"non-digits":      "4111-1111-1111-1111",
		"too short":       "411111111111",
		"too long":        "41111111111111111111",
		"bad check digit": "4111111111111112",
	}
	for name, pan := range cases {
		require.Error(t, cardnum.Validate(pan), name)
	}
}

func TestLastN(t *testing.T) {
	require.Equal(t, "1111", cardnum.LastN("4111111111111111", 4))
	require.Equal(t, "42", cardnum.LastN("42", 4))
}

func TestFingerprint(t *testing.T) {
	key := []byte("pepper")
	a := cardnum.Fingerprint("4111111111111111", key)
	b := cardnum.Fingerprint("4111111111111111", key)
	c := cardnum.Fingerprint("4242424242424242", key)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, a, cardnum.Fingerprint("4111111111111111", []byte("other")))
}
