package ociclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// challenge is a parsed `Www-Authenticate: Bearer ...` header, per §4.2.
type challenge struct {
	realm   string
	service string
	scope   string
}

var challengeParamRe = regexp.MustCompile(`([a-zA-Z]+)="([^"]*)"`)

// parseBearerChallenge parses a 401 response's Www-Authenticate header.
// Returns ok=false if the header is not a Bearer challenge this client
// knows how to satisfy.
func parseBearerChallenge(header string) (challenge, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return challenge{}, false
	}
	params := map[string]string{}
	for _, m := range challengeParamRe.FindAllStringSubmatch(header[len(prefix):], -1) {
		params[m[1]] = m[2]
	}
	if params["realm"] == "" {
		return challenge{}, false
	}
	return challenge{
		realm:   params["realm"],
		service: params["service"],
		scope:   params["scope"],
	}, true
}

// tokenCacheKey is the (realm, service, scope) tuple the spec requires
// tokens be cached under.
type tokenCacheKey struct {
	realm, service, scope string
}

// tokenCache is the shared, mutex-guarded map described in spec §5
// ("Shared resources"). Tokens are refreshed on 401 regardless of cached
// expiry, never proactively invalidated.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[tokenCacheKey]string
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[tokenCacheKey]string)}
}

func (c *tokenCache) get(key tokenCacheKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[key]
	return tok, ok
}

func (c *tokenCache) set(key tokenCacheKey, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = token
}

func (c *tokenCache) invalidate(key tokenCacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, key)
}

// tokenResponse is the body returned by a v2 bearer token endpoint.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// exchangeToken performs the HTTP Basic token exchange against ch.realm,
// using the configured username/password, and returns a bearer token.
func (c *Client) exchangeToken(ctx context.Context, ch challenge) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ch.realm, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	q := req.URL.Query()
	if ch.service != "" {
		q.Set("service", ch.service)
	}
	if ch.scope != "" {
		q.Set("scope", ch.scope)
	}
	req.URL.RawQuery = q.Encode()

	if c.username != "" || c.password != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(
			[]byte(c.username+":"+c.password)))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token exchange returned %d", classifyStatus(resp.StatusCode), resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("%w: token exchange response carried no token", ErrUnauthenticated)
	}
	return token, nil
}

// authorize attaches a cached or freshly exchanged bearer token to req for
// the given challenge, caching the result keyed by (realm, service, scope).
func (c *Client) authorize(ctx context.Context, req *http.Request, ch challenge) error {
	key := tokenCacheKey{ch.realm, ch.service, ch.scope}
	token, ok := c.tokens.get(key)
	if !ok {
		var err error
		token, err = c.exchangeToken(ctx, ch)
		if err != nil {
			return err
		}
		c.tokens.set(key, token)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
