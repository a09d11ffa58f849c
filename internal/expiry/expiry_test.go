package expiry_test

import (
	"testing"
	"time"

	"github.com/bankcore/cardvault/internal/expiry"
	"github.com/stretchr/testify/require"
)

func TestValidateYYMM(t *testing.T) {
	require.NoError(t, expiry.ValidateYYMM("2712"))
	require.NoError(t, expiry.ValidateYYMM("3001"))

	for _, in := range []string{"", "271", "27121", "27ab", "2713", "2700"} {
		require.Error(t, expiry.ValidateYYMM(in), "input %q", in)
	}
}

func TestParseCardFace(t *testing.T) {
	got, err := expiry.ParseCardFace("12/27")
	require.NoError(t, err)
	require.Equal(t, "2712", got)

	got, err = expiry.ParseCardFace("0130")
	require.NoError(t, err)
	require.Equal(t, "3001", got)

	for _, in := range []string{"", "13/27", "1/27", "ab/cd", "00/27"} {
		_, err := expiry.ParseCardFace(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestCardFace(t *testing.T) {
	got, err := expiry.CardFace("2712")
	require.NoError(t, err)
	require.Equal(t, "12/27", got)

	_, err = expiry.CardFace("2713")
	require.Error(t, err)
}

func TestYYMMOf(t *testing.T) {
	at := time.Date(2027, time.March, 15, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "2703", expiry.YYMMOf(at, nil))
}

func TestIsExpired(t *testing.T) {
	// End of 2703 is the last instant of March 2027 UTC.
	within := time.Date(2027, time.March, 31, 23, 59, 59, 0, time.UTC)
	after := time.Date(2027, time.April, 1, 0, 0, 0, 0, time.UTC)

	expired, err := expiry.IsExpired("2703", within, nil)
	require.NoError(t, err)
	require.False(t, expired)

	expired, err = expiry.IsExpired("2703", after, nil)
	require.NoError(t, err)
	require.True(t, expired)

	_, err = expiry.IsExpired("bad!", after, nil)
	require.Error(t, err)
}

func TestIsExpiredHonorsLocation(t *testing.T) {
	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)

	// Already April in Sydney while still March in UTC.
	at := time.Date(2027, time.March, 31, 14, 0, 0, 0, time.UTC)

	expired, err := expiry.IsExpired("2703", at, sydney)
	require.NoError(t, err)
	require.True(t, expired)

	expired, err = expiry.IsExpired("2703", at, time.UTC)
	require.NoError(t, err)
	require.False(t, expired)
}
