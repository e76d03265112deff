package krakenx

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/logging"
	"autotrader/internal/nonce"
)

// memNonceStore hands out sequential nonces without touching disk
type memNonceStore struct {
	last atomic.Uint64
}

func (s *memNonceStore) ReserveNonce(_ context.Context, _ string) (uint64, error) {
	return s.last.Add(1), nil
}

func newTestVenue(t *testing.T, baseURL string) *Venue {
	t.Helper()
	store := &memNonceStore{}
	store.last.Store(1000)
	cfg := &config.VenueConfig{
		APIKey:    "test-key",
		SecretKey: config.Secret(base64.StdEncoding.EncodeToString([]byte("test-secret"))),
		BaseURL:   baseURL,
	}
	return New(cfg, nonce.NewCounter(store, "test-cred"), 5*time.Second, logging.NewNop())
}

func TestPrivate_NoncesReachWireInReservationOrder(t *testing.T) {
	var mu sync.Mutex
	var received []uint64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		form, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		n, err := strconv.ParseUint(form.Get("nonce"), 10, 64)
		require.NoError(t, err)

		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		fmt.Fprint(w, `{"error":[],"result":{}}`)
	}))
	defer srv.Close()

	v := newTestVenue(t, srv.URL)

	// The venue client is shared between the account loop and the
	// replicator, so private calls genuinely race in production.
	const callers = 32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.GetBalance(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, callers)
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i], received[i-1],
			"nonce %d arrived on the wire after %d", received[i], received[i-1])
	}
}

func TestSignRequest_SkipsPublicEndpoints(t *testing.T) {
	v := newTestVenue(t, "https://example.invalid")

	req, err := http.NewRequest(http.MethodGet, "https://example.invalid/0/public/Time", nil)
	require.NoError(t, err)
	require.NoError(t, v.signRequest(req, nil))
	assert.Empty(t, req.Header.Get("API-Sign"))
}

func TestSignRequest_RejectsPrivateBodyWithoutNonce(t *testing.T) {
	v := newTestVenue(t, "https://example.invalid")

	req, err := http.NewRequest(http.MethodPost, "https://example.invalid/0/private/Balance", nil)
	require.NoError(t, err)
	require.Error(t, v.signRequest(req, []byte("pair=XBTUSD")))
}
