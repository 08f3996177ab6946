package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// metadataTTL bounds discovery-document staleness. Under steady load each
// provider is fetched at most once per day.
const metadataTTL = 24 * time.Hour

// ProviderMetadata is the subset of an OIDC discovery document the broker
// consumes. The raw document is cached whole.
type ProviderMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JwksURI               string `json:"jwks_uri"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
}

// MetadataResolver fetches per-provider OIDC discovery documents and caches
// them through the store. Issuer well-known discovery is out of scope: the
// metadata URL comes from provider configuration and the document is cached
// opaquely.
type MetadataResolver struct {
	store Store
	cfg   *Config
	h     *http.Client
}

func NewMetadataResolver(store Store, cfg *Config, h *http.Client) *MetadataResolver {
	if h == nil {
		h = &http.Client{Timeout: 10 * time.Second}
	}

	return &MetadataResolver{store: store, cfg: cfg, h: h}
}

// Resolve returns the provider's discovery document, fetching it when no
// cache entry exists or the cached one is older than 24 hours.
func (m *MetadataResolver) Resolve(ctx context.Context, providerTag string) (*ProviderMetadata, error) {
	pcfg, err := m.cfg.Provider(providerTag)
	if err != nil {
		return nil, err
	}

	entry, err := m.store.MetadataCache(ctx, providerTag)
	if err != nil {
		return nil, fmt.Errorf("could not read metadata cache: %w", err)
	}

	var document string
	if entry == nil || time.Since(entry.RetrievedAt) > metadataTTL {
		document, err = m.fetch(ctx, pcfg.MetadataURL)
		if err != nil {
			return nil, err
		}

		if err := m.store.UpsertMetadataCache(ctx, providerTag, document, time.Now()); err != nil {
			return nil, fmt.Errorf("could not cache metadata for %s: %w", providerTag, err)
		}
	} else {
		document = entry.Document
	}

	var meta ProviderMetadata
	if err := json.Unmarshal([]byte(document), &meta); err != nil {
		return nil, fmt.Errorf("could not unmarshal metadata for %s: %w", providerTag, err)
	}

	return &meta, nil
}

func (m *MetadataResolver) fetch(ctx context.Context, metadataURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", metadataURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating metadata request: %w", err)
	}

	resp, err := m.h.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMetadataFetch, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("could not read metadata body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrMetadataFetch, resp.StatusCode, b)
	}

	return string(b), nil
}
