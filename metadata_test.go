package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataResolveCachesForTTL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"issuer":"https://idp.example","authorization_endpoint":"https://idp.example/auth","token_endpoint":"https://idp.example/token"}`)
	}))
	defer srv.Close()

	cfg := &Config{
		RedirectURI: "https://broker.example/authcallback",
		Providers: map[string]ProviderConfig{
			"idp": {Standard: StandardOIDC, MetadataURL: srv.URL},
		},
	}

	resolver := NewMetadataResolver(store, cfg, nil)

	meta, err := resolver.Resolve(ctx, "idp")
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example/token", meta.TokenEndpoint)
	assert.Equal(t, int64(1), fetches.Load())

	// second resolution inside the TTL serves the cache
	_, err = resolver.Resolve(ctx, "idp")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetches.Load())

	// age the cache entry past the 24h staleness bound
	entry, err := store.MetadataCache(ctx, "idp")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NoError(t, store.UpsertMetadataCache(ctx, "idp", entry.Document, time.Now().Add(-25*time.Hour)))

	_, err = resolver.Resolve(ctx, "idp")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetches.Load())

	// the refetch rewrote the cache with a fresh timestamp
	entry, err = store.MetadataCache(ctx, "idp")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.WithinDuration(t, time.Now(), entry.RetrievedAt, time.Minute)
}

func TestMetadataResolveFetchFailureIsFatal(t *testing.T) {
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := &Config{
		RedirectURI: "https://broker.example/authcallback",
		Providers: map[string]ProviderConfig{
			"idp": {Standard: StandardOIDC, MetadataURL: srv.URL},
		},
	}

	_, err := NewMetadataResolver(store, cfg, nil).Resolve(context.Background(), "idp")
	assert.ErrorIs(t, err, ErrMetadataFetch)
}

func TestMetadataResolveUnknownProvider(t *testing.T) {
	store := newTestStore(t)
	cfg := &Config{Providers: map[string]ProviderConfig{}}

	_, err := NewMetadataResolver(store, cfg, nil).Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrConfiguration)
}
