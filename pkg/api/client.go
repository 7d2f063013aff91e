// Package api talks to the Breeze update authority.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/updater/internal/httputil"
	"github.com/breeze-rmm/updater/internal/integrity"
	"github.com/breeze-rmm/updater/internal/release"
	"github.com/breeze-rmm/updater/internal/semver"
)

// DefaultUpdatesEndpoint is the update-check path on the API server.
const DefaultUpdatesEndpoint = "/api/v1/agent/updates"

// maxResponseSize caps the update-check body.
const maxResponseSize = 1 << 20

// ErrMalformedResponse reports an update-check body that cannot be used.
var ErrMalformedResponse = errors.New("malformed update response")

type Client struct {
	baseURL    string
	authToken  string
	endpoint   string
	userAgent  string
	httpClient *http.Client
	retry      httputil.RetryConfig
}

// ClientConfig configures a Client. Empty fields take defaults.
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	Endpoint  string
	UserAgent string
	Timeout   time.Duration
	Retry     *httputil.RetryConfig
}

// CheckRequest carries the query parameters of an update check.
type CheckRequest struct {
	CurrentVersion string
	Platform       string
	Arch           string
	Channel        string
	OSVersion      string
}

type SignatureInfo struct {
	Publisher  string    `json:"publisher"`
	Thumbprint string    `json:"thumbprint"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidTo    time.Time `json:"validTo"`
	SignedAt   time.Time `json:"signedAt,omitempty"`
	Value      string    `json:"value,omitempty"`
	PublicKey  string    `json:"publicKey,omitempty"`
}

type UpdateInfo struct {
	Version           string         `json:"version"`
	DownloadURL       string         `json:"downloadUrl"`
	Checksum          string         `json:"checksum"`
	ChecksumAlgorithm string         `json:"checksumAlgorithm,omitempty"`
	Size              int64          `json:"size"`
	ReleaseNotes      string         `json:"releaseNotes,omitempty"`
	IsRequired        bool           `json:"isRequired"`
	IsPreRelease      bool           `json:"isPreRelease"`
	IsCritical        bool           `json:"isCritical"`
	MinimumVersion    string         `json:"minimumVersion,omitempty"`
	Signature         *SignatureInfo `json:"signature,omitempty"`
}

type UpdateCheckResponse struct {
	UpdateAvailable bool        `json:"updateAvailable"`
	UpdateInfo      *UpdateInfo `json:"updateInfo,omitempty"`
}

func NewClient(cfg ClientConfig) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultUpdatesEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := httputil.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "breeze-updater"
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		endpoint:  endpoint,
		userAgent: ua,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry: retry,
	}
}

// Host returns the API host, used to scope credentials on downloads.
func (c *Client) Host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// NewCheckRequest fills platform fields from the running host.
func NewCheckRequest(ctx context.Context, currentVersion, channel string) CheckRequest {
	req := CheckRequest{
		CurrentVersion: currentVersion,
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		Channel:        channel,
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		req.OSVersion = info.PlatformVersion
	}
	return req
}

// CheckForUpdate asks the authority for a newer release. It returns nil
// without error when no update is offered (204, empty body or
// updateAvailable=false). Transient server errors are retried.
func (c *Client) CheckForUpdate(ctx context.Context, req CheckRequest) (*release.Package, error) {
	if c.baseURL == "" {
		return nil, errors.New("api base url is not configured")
	}
	q := url.Values{}
	q.Set("currentVersion", req.CurrentVersion)
	q.Set("platform", req.Platform)
	q.Set("arch", req.Arch)
	if req.Channel != "" {
		q.Set("channel", req.Channel)
	}
	if req.OSVersion != "" {
		q.Set("osVersion", req.OSVersion)
	}
	reqURL := c.baseURL + c.endpoint + "?" + q.Encode()

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	headers.Set("User-Agent", c.userAgent)
	if c.authToken != "" {
		headers.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, reqURL, nil, headers, c.retry)
	if err != nil {
		return nil, fmt.Errorf("update check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("update check: %w: %s",
			&httputil.StatusError{StatusCode: resp.StatusCode, URL: c.baseURL + c.endpoint},
			strings.TrimSpace(string(bodyBytes)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("update check: read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var checkResp UpdateCheckResponse
	if err := json.Unmarshal(body, &checkResp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if !checkResp.UpdateAvailable {
		return nil, nil
	}
	if checkResp.UpdateInfo == nil {
		return nil, fmt.Errorf("%w: updateAvailable without updateInfo", ErrMalformedResponse)
	}
	pkg, err := checkResp.UpdateInfo.ToPackage()
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// ToPackage validates the wire descriptor and converts it.
func (u *UpdateInfo) ToPackage() (release.Package, error) {
	v, err := semver.Parse(u.Version)
	if err != nil {
		return release.Package{}, fmt.Errorf("%w: version: %w", ErrMalformedResponse, err)
	}
	if u.DownloadURL == "" {
		return release.Package{}, fmt.Errorf("%w: missing downloadUrl", ErrMalformedResponse)
	}
	if u.Checksum == "" {
		return release.Package{}, fmt.Errorf("%w: missing checksum", ErrMalformedResponse)
	}
	alg, err := integrity.ParseAlgorithm(u.ChecksumAlgorithm)
	if err != nil {
		return release.Package{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	pkg := release.Package{
		Version:           v,
		DownloadURL:       u.DownloadURL,
		Checksum:          strings.ToLower(strings.TrimSpace(u.Checksum)),
		ChecksumAlgorithm: alg,
		SizeBytes:         u.Size,
		ReleaseNotes:      u.ReleaseNotes,
		IsRequired:        u.IsRequired,
		IsPrerelease:      u.IsPreRelease || v.IsPrerelease(),
		IsCritical:        u.IsCritical,
	}
	if u.MinimumVersion != "" {
		mv, err := semver.Parse(u.MinimumVersion)
		if err != nil {
			return release.Package{}, fmt.Errorf("%w: minimumVersion: %w", ErrMalformedResponse, err)
		}
		pkg.MinimumVersion = &mv
	}
	if s := u.Signature; s != nil {
		pkg.Signature = &release.Signature{
			Publisher:  s.Publisher,
			Thumbprint: s.Thumbprint,
			ValidFrom:  s.ValidFrom,
			ValidTo:    s.ValidTo,
			SignedAt:   s.SignedAt,
			Value:      s.Value,
			PublicKey:  s.PublicKey,
		}
	}
	return pkg, nil
}
