package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"go.mau.fi/fedsync/fedtypes"
)

var ErrNoWellKnown = errors.New("no usable .well-known/matrix/server")

const (
	DefaultWellKnownTTL = 24 * time.Hour
	MaxWellKnownTTL     = 48 * time.Hour
	WellKnownErrorTTL   = 1 * time.Hour

	maxWellKnownRedirects = 5
	maxWellKnownBodySize  = 64 * 1024
	wellKnownCacheSize    = 4096
)

type wellKnownEntry struct {
	server    string
	err       error
	expiresAt time.Time
}

// WellKnownFetcher fetches and caches server delegation files.
type WellKnownFetcher struct {
	Client *http.Client

	cache *lru.Cache[string, wellKnownEntry]
	now   func() time.Time
}

func NewWellKnownFetcher(client *http.Client) *WellKnownFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if client.CheckRedirect == nil {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxWellKnownRedirects {
				return fmt.Errorf("stopped after %d redirects", maxWellKnownRedirects)
			}
			return nil
		}
	}
	cache, err := lru.New[string, wellKnownEntry](wellKnownCacheSize)
	if err != nil {
		panic(err)
	}
	return &WellKnownFetcher{
		Client: client,
		cache:  cache,
		now:    time.Now,
	}
}

// Fetch returns the delegated server name of the given hostname. Both
// successes and failures are cached.
func (wkf *WellKnownFetcher) Fetch(ctx context.Context, hostname string) (string, error) {
	if cached, ok := wkf.cache.Get(hostname); ok && wkf.now().Before(cached.expiresAt) {
		return cached.server, cached.err
	}
	server, ttl, err := wkf.fetch(ctx, hostname)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("hostname", hostname).Msg("Failed to fetch .well-known file")
		err = fmt.Errorf("%w: %w", ErrNoWellKnown, err)
		ttl = WellKnownErrorTTL
	}
	wkf.cache.Add(hostname, wellKnownEntry{server: server, err: err, expiresAt: wkf.now().Add(ttl)})
	return server, err
}

func (wkf *WellKnownFetcher) fetch(ctx context.Context, hostname string) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+hostname+"/.well-known/matrix/server", nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := wkf.Client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWellKnownBodySize+1))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read body: %w", err)
	} else if len(body) > maxWellKnownBodySize {
		return "", 0, fmt.Errorf("body is larger than %d bytes", maxWellKnownBodySize)
	}
	var wk fedtypes.RespWellKnown
	if err = json.Unmarshal(body, &wk); err != nil {
		return "", 0, fmt.Errorf("failed to parse body: %w", err)
	} else if wk.Server == "" {
		return "", 0, fmt.Errorf("m.server is empty")
	} else if _, err = ParseServerName(wk.Server); err != nil {
		return "", 0, fmt.Errorf("m.server is invalid: %w", err)
	}
	return wk.Server, cacheTTL(resp.Header, wkf.now()), nil
}

func cacheTTL(header http.Header, now time.Time) time.Duration {
	ttl := DefaultWellKnownTTL
	if maxAge, ok := parseMaxAge(header.Get("Cache-Control")); ok {
		ttl = maxAge
	} else if expires := header.Get("Expires"); expires != "" {
		if expiresAt, err := http.ParseTime(expires); err == nil {
			ttl = expiresAt.Sub(now)
		}
	}
	return min(max(ttl, 0), MaxWellKnownTTL)
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
		if !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
		if err != nil || seconds < 0 {
			return 0, false
		}
		return time.Duration(min(seconds, int64(MaxWellKnownTTL/time.Second))) * time.Second, true
	}
	return 0, false
}
