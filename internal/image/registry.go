package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (

	// Transport-level failures are retried this many times. Protocol
	// rejections (404, auth failure, digest mismatch) never are.
	maxAttempts = 3

	// Docker media types predating the OCI spec, still served by many
	// registries.
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// Accept values for the manifest endpoint, covering both single
// manifests and multi-architecture indexes in OCI and Docker flavors.
var manifestAccept = []string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	mediaTypeDockerManifest,
	mediaTypeDockerManifestList,
}

// Minimal OCI Distribution protocol client: manifest fetch, blob fetch,
// and the two-step bearer-token flow.
type registryClient struct {
	http *http.Client
}

func newRegistryClient() *registryClient {
	return &registryClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// Opens a session against one repository.
func (c *registryClient) session(ref Reference) *session {
	return &session{http: c.http, ref: ref}
}

// Per-repository request state.
//
// A session starts anonymous, becomes challenged when the registry
// answers with WWW-Authenticate, and authenticated once the token
// endpoint issues a bearer token. Keeping the state here rather than on
// the client means pulls against different repositories never share or
// clobber each other's tokens. Tokens are not persisted beyond the
// session.
type session struct {
	http  *http.Client
	ref   Reference
	token string
}

// Base URL of the repository's /v2 endpoints.
func (s *session) baseURL() string {
	scheme := "https"
	if isLoopback(s.ref.host()) {
		// Local development registries don't serve TLS.
		scheme = "http"
	}
	return scheme + "://" + s.ref.host() + "/v2/" + s.ref.Repository
}

// Fetches a manifest or index document by tag or digest.
//
// Returns the raw bytes, the server-reported content type, and the
// verified content digest. When the selector is a digest (or the server
// reports one) the body is checked against it; a mismatch discards the
// data.
func (s *session) fetchManifest(ctx context.Context, selector string) ([]byte, string, digest.Digest, error) {
	resp, err := s.do(ctx, s.baseURL()+"/manifests/"+selector, manifestAccept)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", "", fmt.Errorf("%w: %s/%s %s", ErrManifestNotFound, s.ref.Registry, s.ref.Repository, selector)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, "", "", fmt.Errorf("%w: manifest %s: %s", ErrRegistry, selector, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: read manifest: %v", ErrRegistry, err)
	}

	actual := digest.FromBytes(data)
	if expected := expectedDigest(selector, resp.Header.Get("Docker-Content-Digest")); expected != "" && actual != expected {
		return nil, "", "", fmt.Errorf("%w: manifest %s: expected %s, got %s", ErrDigestMismatch, selector, expected, actual)
	}

	return data, resp.Header.Get("Content-Type"), actual, nil
}

// Fetches a blob by digest, returning the body stream.
//
// The caller is responsible for digest verification while consuming the
// stream (the store does this in a single pass as it writes).
func (s *session) fetchBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	resp, err := s.do(ctx, s.baseURL()+"/blobs/"+dgst.String(), nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, dgst)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: blob %s: %s", ErrRegistry, dgst, resp.Status)
	}

	return resp.Body, nil
}

// Issues a GET, answering at most one bearer challenge.
func (s *session) do(ctx context.Context, target string, accept []string) (*http.Response, error) {
	resp, err := s.roundTrip(ctx, target, accept)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("Www-Authenticate")
		drain(resp)

		if err := s.authenticate(ctx, challenge); err != nil {
			return nil, err
		}

		resp, err = s.roundTrip(ctx, target, accept)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return nil, fmt.Errorf("%w: %s/%s: token rejected", ErrAuthFailed, s.ref.Registry, s.ref.Repository)
		}
	}

	return resp, nil
}

// Performs the request with bounded retries on transport failure.
func (s *session) roundTrip(ctx context.Context, target string, accept []string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRegistry, err)
		}
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		for _, v := range accept {
			req.Header.Add("Accept", v)
		}

		resp, err := s.http.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Debug("registry request failed, retrying", "url", target, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrRegistry, lastErr)
}

// Performs the two-step token flow against the endpoint named by the
// WWW-Authenticate challenge.
func (s *session) authenticate(ctx context.Context, challenge string) error {
	params, err := parseChallenge(challenge)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	realm := params["realm"]
	if realm == "" {
		return fmt.Errorf("%w: challenge missing realm", ErrAuthFailed)
	}

	q := url.Values{}
	if service := params["service"]; service != "" {
		q.Set("service", service)
	}
	scope := params["scope"]
	if scope == "" {
		scope = "repository:" + s.ref.Repository + ":pull"
	}
	q.Set("scope", scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: token request: %v", ErrRegistry, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: token endpoint returned %s", ErrAuthFailed, resp.Status)
	}

	var token struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return fmt.Errorf("%w: decode token response: %v", ErrAuthFailed, err)
	}

	switch {
	case token.Token != "":
		s.token = token.Token
	case token.AccessToken != "":
		s.token = token.AccessToken
	default:
		return fmt.Errorf("%w: token response empty", ErrAuthFailed)
	}

	slog.Debug("authenticated", "registry", s.ref.Registry, "repository", s.ref.Repository, "scope", scope)
	return nil
}

// Parses the parameter list of a Bearer challenge.
func parseChallenge(value string) (map[string]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("missing WWW-Authenticate header")
	}
	if i := strings.IndexByte(value, ' '); i > 0 && strings.EqualFold(value[:i], "Bearer") {
		value = strings.TrimSpace(value[i+1:])
	}

	params := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed challenge segment %q", part)
		}
		params[strings.TrimSpace(key)] = strings.Trim(val, `" `)
	}
	return params, nil
}

// Returns the digest the manifest body must hash to, if one is known.
//
// A digest selector wins; otherwise the Docker-Content-Digest header is
// used when present and well-formed.
func expectedDigest(selector, header string) digest.Digest {
	if d, err := digest.Parse(selector); err == nil {
		return d
	}
	if d, err := digest.Parse(header); err == nil {
		return d
	}
	return ""
}

// Whether the host (optionally with port) is a loopback address.
func isLoopback(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
