package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Small keys keep the tests fast. Production defaults to DefaultKeyBits.
const testKeyBits = 1024

func testCreator() Creator {
	return Creator{
		Bits: testKeyBits,
		Now:  func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC) },
	}
}

func TestCreateVerifyRoundTrip(t *testing.T) {
	signed, err := testCreator().Create("hello from the pasture", "51.5", "-0.12", "")
	require.NoError(t, err)

	require.Len(t, signed.ID, 40)
	require.Equal(t, strings.ToLower(signed.ID), signed.ID)
	require.Equal(t, signed.ID, signed.Payload.ID)
	require.Equal(t, "2026-03-14T09:26:53.589Z", signed.Payload.Date)
	require.Contains(t, signed.PrivateKey, "PGP PRIVATE KEY")
	require.Contains(t, signed.PublicKey, "PGP PUBLIC KEY")

	parsed, err := Verify(signed.Raw)
	require.NoError(t, err)
	require.Equal(t, signed.ID, parsed.ID)
	require.Equal(t, "hello from the pasture", parsed.Payload.Text)
	require.Equal(t, signed.Date, parsed.Date)
}

func TestCreateReplyCarriesParent(t *testing.T) {
	parent, err := testCreator().Create("first", "0", "0", "")
	require.NoError(t, err)

	reply, err := testCreator().Create("second", "0", "0", parent.ID)
	require.NoError(t, err)

	parsed, err := Verify(reply.Raw)
	require.NoError(t, err)
	require.Equal(t, parent.ID, parsed.Payload.Parent)

	// Top-level posts omit the parent field entirely.
	require.NotContains(t, parent.Data, `"parent"`)
	require.Contains(t, reply.Data, `"parent"`)
}

func TestCreateRejectsEmptyText(t *testing.T) {
	_, err := testCreator().Create("", "0", "0", "")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signed, err := testCreator().Create("original", "1", "2", "")
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(signed.Raw), &env))
	env.Data = strings.Replace(env.Data, "original", "rewritten", 1)
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Verify(string(tampered))
	require.ErrorIs(t, err, ErrAuthenticity)
}

func TestVerifyRejectsForeignID(t *testing.T) {
	a, err := testCreator().Create("mine", "0", "0", "")
	require.NoError(t, err)
	b, err := testCreator().Create("theirs", "0", "0", "")
	require.NoError(t, err)

	// Claim b's id on the outer envelope. The payload signature still
	// verifies, so only the fingerprint check can catch this.
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(a.Raw), &env))
	env.ID = b.ID
	forged, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Verify(string(forged))
	require.ErrorIs(t, err, ErrAuthenticity)
}

func TestVerifyRejectsGarbagePublicKey(t *testing.T) {
	signed, err := testCreator().Create("post", "0", "0", "")
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(signed.Raw), &env))
	env.PublicKey = "not a key ring"
	broken, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Verify(string(broken))
	require.ErrorIs(t, err, ErrAuthenticity)
}

func TestParseRejectsMalformed(t *testing.T) {
	id := strings.Repeat("a", 40)
	cases := []string{
		"",
		"not json",
		"[]",
		`{}`,
		`{"signature":"s","publicKey":"k","id":"` + id + `","data":"not json"}`,
		`{"signature":"s","publicKey":"k","id":"` + id + `","data":"{\"id\":\"short\",\"text\":\"x\",\"date\":\"2026-01-01T00:00:00.000Z\"}"}`,
		`{"signature":"s","publicKey":"k","id":"` + id + `","data":"{\"id\":\"` + id + `\",\"text\":\"x\",\"date\":\"yesterday\"}"}`,
	}
	for _, raw := range cases {
		_, err := Parse(raw)
		require.ErrorIs(t, err, ErrMalformed, "raw=%q", raw)
	}
}

func TestParseDate(t *testing.T) {
	ts, err := ParseDate("2026-03-14T09:26:53.589Z")
	require.NoError(t, err)
	require.Equal(t, 589_000_000, ts.Nanosecond())

	ts, err = ParseDate("2026-03-14T09:26:53Z")
	require.NoError(t, err)
	require.Equal(t, 2026, ts.Year())

	_, err = ParseDate("14/03/2026")
	require.Error(t, err)
}

func TestEnvelopeFieldOrderStable(t *testing.T) {
	signed, err := testCreator().Create("order", "0", "0", "")
	require.NoError(t, err)

	sigIdx := strings.Index(signed.Raw, `"signature"`)
	keyIdx := strings.Index(signed.Raw, `"publicKey"`)
	dataIdx := strings.Index(signed.Raw, `"data"`)
	require.True(t, sigIdx >= 0 && sigIdx < keyIdx && keyIdx < dataIdx)

	payloadIdx := strings.Index(signed.Data, `"id"`)
	textIdx := strings.Index(signed.Data, `"text"`)
	dateIdx := strings.Index(signed.Data, `"date"`)
	lonIdx := strings.Index(signed.Data, `"longitude"`)
	require.True(t, payloadIdx >= 0 && payloadIdx < textIdx && textIdx < dateIdx && dateIdx < lonIdx)
}
