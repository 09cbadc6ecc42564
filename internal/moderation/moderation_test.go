package moderation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeFlag, mode)

	mode, err = ParseMode("block")
	require.NoError(t, err)
	require.Equal(t, ModeBlock, mode)

	_, err = ParseMode("quarantine")
	require.Error(t, err)
}

func TestKeywordClassify(t *testing.T) {
	k := Keyword{Terms: []string{"spam", "SCAM"}}
	verdicts, err := k.Classify(context.Background(), []string{
		"a perfectly fine post",
		"buy my SPAM today",
		"this scam is great",
	})
	require.NoError(t, err)
	require.Len(t, verdicts, 3)
	require.Nil(t, verdicts[0])
	require.Equal(t, "keyword:spam", verdicts[1].Label)
	require.Equal(t, "keyword:SCAM", verdicts[2].Label)
}

func TestAllowAll(t *testing.T) {
	verdicts, err := AllowAll{}.Classify(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []*Verdict{nil, nil}, verdicts)
}

func classifyServer(t *testing.T, respond func(texts []string) []*string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(classifyResponse{Results: respond(req.Texts)})
	}))
}

func label(s string) *string { return &s }

func TestServicesMergeFirstVerdictWins(t *testing.T) {
	a := classifyServer(t, func(texts []string) []*string {
		return []*string{label("toxicity"), nil}
	})
	defer a.Close()
	b := classifyServer(t, func(texts []string) []*string {
		return []*string{label("identity_attack"), label("insult")}
	})
	defer b.Close()

	s := Services{URLs: []string{a.URL, b.URL}}
	verdicts, err := s.Classify(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Equal(t, "toxicity", verdicts[0].Label)
	require.Equal(t, "insult", verdicts[1].Label)
}

func TestServicesToleratesDeadService(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer dead.Close()
	ok := classifyServer(t, func(texts []string) []*string {
		return []*string{label("toxicity")}
	})
	defer ok.Close()

	s := Services{URLs: []string{dead.URL, ok.URL}}
	verdicts, err := s.Classify(context.Background(), []string{"one"})
	require.NoError(t, err)
	require.Equal(t, "toxicity", verdicts[0].Label)
}

func TestServicesRejectsLengthMismatch(t *testing.T) {
	short := classifyServer(t, func(texts []string) []*string {
		return []*string{label("toxicity")}
	})
	defer short.Close()

	s := Services{URLs: []string{short.URL}}
	verdicts, err := s.Classify(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	// The malformed response is discarded, leaving the batch clean.
	require.Equal(t, []*Verdict{nil, nil}, verdicts)
}

func TestServicesNoURLs(t *testing.T) {
	verdicts, err := Services{}.Classify(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Equal(t, []*Verdict{nil}, verdicts)
}
