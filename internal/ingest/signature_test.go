package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const (
	testSecret    = "whsec_test"
	testTimestamp = "1772366400000"
	testBody      = `{"user_id":10129,"id":"1043","type":"workout.updated","trace_id":"e369c784-5100-49e8-8098-75d35c47b31b"}`
	testSignature = "sPSyKjTJK7x7xxhoFjiBcAOMlPWgyDts2lrwnmOOJp0="
)

func TestVerifySignatureKnownVector(t *testing.T) {
	require.Equal(t, testSignature, Sign(testTimestamp, []byte(testBody), []byte(testSecret)))
	require.True(t, VerifySignature(testTimestamp, []byte(testBody), testSignature, []byte(testSecret)))
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	body := []byte(testBody)
	cases := map[string]struct {
		timestamp string
		body      []byte
		signature string
		secret    string
	}{
		"body changed":      {testTimestamp, []byte(`{"user_id":10130}`), testSignature, testSecret},
		"timestamp changed": {"1772366400001", body, testSignature, testSecret},
		"wrong secret":      {testTimestamp, body, testSignature, "other"},
		"empty signature":   {testTimestamp, body, "", testSecret},
		"empty secret":      {testTimestamp, body, testSignature, ""},
		"not base64":        {testTimestamp, body, "%%%", testSecret},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.False(t, VerifySignature(tc.timestamp, tc.body, tc.signature, []byte(tc.secret)))
		})
	}
}

func TestVerifierReplayWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1772366400000))
	v := NewVerifier(func() []byte { return []byte(testSecret) }, 0, clock)

	require.NoError(t, v.Verify(testTimestamp, []byte(testBody), testSignature))

	clock.Advance(5 * time.Minute)
	require.NoError(t, v.Verify(testTimestamp, []byte(testBody), testSignature))

	clock.Advance(time.Millisecond)
	err := v.Verify(testTimestamp, []byte(testBody), testSignature)
	require.True(t, errors.Is(err, ErrSignatureInvalid), "got %v", err)
}

func TestVerifierAcceptsSecondsTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1772366400, 0))
	secret := []byte(testSecret)
	v := NewVerifier(func() []byte { return secret }, time.Minute, clock)

	sig := Sign("1772366400", []byte(testBody), secret)
	require.NoError(t, v.Verify("1772366400", []byte(testBody), sig))
}

func TestVerifierRejectsMalformedTimestamp(t *testing.T) {
	v := NewVerifier(func() []byte { return []byte(testSecret) }, 0, clockwork.NewFakeClock())
	for _, ts := range []string{"", "abc", "-5", "0"} {
		err := v.Verify(ts, []byte(testBody), Sign(ts, []byte(testBody), []byte(testSecret)))
		require.ErrorIs(t, err, ErrSignatureInvalid, "timestamp %q", ts)
	}
}

func TestVerifierPicksUpRotatedSecret(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1772366400000))
	secret := []byte(testSecret)
	v := NewVerifier(func() []byte { return secret }, 0, clock)
	require.NoError(t, v.Verify(testTimestamp, []byte(testBody), testSignature))

	secret = []byte("rotated")
	require.ErrorIs(t, v.Verify(testTimestamp, []byte(testBody), testSignature), ErrSignatureInvalid)
	require.NoError(t, v.Verify(testTimestamp, []byte(testBody), Sign(testTimestamp, []byte(testBody), secret)))
}
