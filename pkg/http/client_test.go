package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqSigner stamps each signing call with a monotonically increasing
// sequence so tests can tell attempts apart.
type seqSigner struct {
	calls int
}

func (s *seqSigner) SignRequest(req *http.Request, body []byte) error {
	s.calls++
	req.Header.Set("X-Test-Sign-Seq", strconv.Itoa(s.calls))
	return nil
}

func TestPostRetriesAreSignedPerAttempt(t *testing.T) {
	var seqs []string
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seqs = append(seqs, r.Header.Get("X-Test-Sign-Seq"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(raw))
		if len(seqs) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"retCode":0}`))
	}))
	defer srv.Close()

	signer := &seqSigner{}
	c := NewClient(srv.URL, 5*time.Second, signer)

	resp, err := c.Post(context.Background(), "/v5/order/create", map[string]string{"symbol": "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, `{"retCode":0}`, string(resp))

	require.Len(t, seqs, 2)
	assert.NotEqual(t, seqs[0], seqs[1], "each attempt carries its own signature")
	assert.Equal(t, 2, signer.calls)

	// The retried attempt resends the full body.
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.NotEmpty(t, bodies[1])
}

func TestGetSignsSingleAttemptOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("X-Test-Sign-Seq"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	signer := &seqSigner{}
	c := NewClient(srv.URL, 5*time.Second, signer)

	_, err := c.Get(context.Background(), "/v5/market/time", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, signer.calls)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"retCode":10001}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, &seqSigner{})

	_, err := c.Get(context.Background(), "/v5/order/create", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, 1, attempts)
}
