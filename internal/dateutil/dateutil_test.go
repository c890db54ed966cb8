package dateutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatRoundTrips(t *testing.T) {
	when := time.Date(1994, time.November, 6, 8, 49, 37, 0, time.UTC)
	require.Equal(t, "Sun, 06 Nov 1994 08:49:37 GMT", Format(when))
}

func TestFormatConvertsToGMT(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	when := time.Date(2020, time.January, 2, 3, 4, 5, 0, loc)
	require.Equal(t, "Fri, 02 Jan 2020 08:04:05 GMT", Format(when))
}

func TestNowParsesWithinASecond(t *testing.T) {
	before := time.Now()
	s := Now()
	parsed, err := time.Parse(time.RFC1123, s)
	require.NoError(t, err)
	require.WithinDuration(t, before.UTC(), parsed, 2*time.Second)
}
