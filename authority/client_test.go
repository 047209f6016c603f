package authority_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nightminer/harvester/authority"
)

func newServer(t *testing.T, handler http.HandlerFunc) *authority.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := authority.NewClient(srv.URL, authority.WithPoolURL(srv.URL+"/pool"))
	require.NoError(t, err)
	return client
}

func TestClient_Challenge(t *testing.T) {
	t.Parallel()

	t.Run("active", func(t *testing.T) {
		t.Parallel()
		client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/challenge", r.URL.Path)
			require.NotEmpty(t, r.Header.Get("X-Request-ID"))
			io.WriteString(w, `{"code":"active","challenge":{"challenge_id":"**D05C12","difficulty":"000FFFFF",`+
				`"no_pre_mine":"fd651ac2","latest_submission":"2026-10-19T23:59:59Z"}}`)
		})

		obs, err := client.Challenge(context.Background())
		require.NoError(t, err)
		require.Equal(t, "**D05C12", obs.ID)
		require.Equal(t, "000FFFFF", obs.Difficulty)
		require.Equal(t, "fd651ac2", obs.NoPreMine)
		require.True(t, time.Date(2026, 10, 19, 23, 59, 59, 0, time.UTC).Equal(obs.Deadline))
	})

	t.Run("not started", func(t *testing.T) {
		t.Parallel()
		client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"code":"before"}`)
		})

		_, err := client.Challenge(context.Background())
		require.ErrorIs(t, err, authority.ErrNoActiveChallenge)
	})
}

func TestClient_Submit(t *testing.T) {
	t.Parallel()
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/solution/addr1/**D01C01/0100000000000001":
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"crypto_receipt":{"signature":"abc"}}`)
		case "/solution/addr1/**D01C01/0100000000000002":
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"message":"Solution does not meet difficulty","statusCode":400}`)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	ctx := context.Background()

	res, err := client.Submit(ctx, "addr1", "**D01C01", "0100000000000001")
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.JSONEq(t, `{"signature":"abc"}`, string(res.Receipt))

	res, err = client.Submit(ctx, "addr1", "**D01C01", "0100000000000002")
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, "Solution does not meet difficulty", res.Message)

	_, err = client.Submit(ctx, "addr1", "**D01C01", "0100000000000003")
	require.ErrorIs(t, err, authority.ErrUnavailable)
}

func TestClient_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client, err := authority.NewClient(srv.URL)
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), "addr1", "**D01C01", "01")
	require.ErrorIs(t, err, authority.ErrUnavailable)

	_, err = client.Allocate(context.Background(), "client")
	require.ErrorIs(t, err, authority.ErrNoPool)
}

func TestClient_Rates(t *testing.T) {
	t.Parallel()
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/work_to_star_rate", r.URL.Path)
		io.WriteString(w, `[1200.5, 980, 740.25]`)
	})

	rates, err := client.Rates(context.Background())
	require.NoError(t, err)
	require.Equal(t, []float64{1200.5, 980, 740.25}, rates)
}

func TestClient_Register(t *testing.T) {
	t.Parallel()
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/register/addr1/sig/pub" {
			io.WriteString(w, `{"registrationReceipt":{}}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	})

	require.NoError(t, client.Register(context.Background(), "addr1", "sig", "pub"))
	require.ErrorIs(t, client.Register(context.Background(), "addr2", "sig", "pub"), authority.ErrInvalidRequest)
}

func TestClient_Allocate(t *testing.T) {
	t.Parallel()
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pool/allocate", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req struct {
			ClientID string `json:"client_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "client-1", req.ClientID)
		io.WriteString(w, `{"address":"fee1","address_index":7,"is_new_assignment":true}`)
	})

	a, err := client.Allocate(context.Background(), "client-1")
	require.NoError(t, err)
	require.Equal(t, "fee1", a.Address)
	require.Equal(t, 7, a.AddressIndex)
	require.True(t, a.IsNew)
}
