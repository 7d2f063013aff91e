// Package release describes an agent release as announced by the update
// authority. Values are built once from the authority's response and are not
// mutated afterwards.
package release

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/breeze-rmm/updater/internal/semver"
)

// ChecksumAlgorithm names the digest used for Package.Checksum.
type ChecksumAlgorithm string

const (
	SHA256 ChecksumAlgorithm = "SHA256"
	SHA1   ChecksumAlgorithm = "SHA1"
	MD5    ChecksumAlgorithm = "MD5"
)

// Signature is the publisher attestation attached to a package.
type Signature struct {
	Publisher  string    `json:"publisher"`
	Thumbprint string    `json:"thumbprint"`
	ValidFrom  time.Time `json:"validFrom"`
	ValidTo    time.Time `json:"validTo"`
	// SignedAt is the signing timestamp; when zero the verification time is used.
	SignedAt time.Time `json:"signedAt,omitzero"`
	// Value and PublicKey carry a base64 detached signature on platforms
	// without an OS trust store for installer packages.
	Value     string `json:"value,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
}

// Package is an immutable description of a downloadable release.
type Package struct {
	Version           semver.Version    `json:"version"`
	DownloadURL       string            `json:"downloadUrl"`
	Checksum          string            `json:"checksum"`
	ChecksumAlgorithm ChecksumAlgorithm `json:"checksumAlgorithm"`
	SizeBytes         int64             `json:"size"`
	ReleaseNotes      string            `json:"releaseNotes,omitempty"`
	IsRequired        bool              `json:"isRequired"`
	IsPrerelease      bool              `json:"isPreRelease"`
	IsCritical        bool              `json:"isCritical"`
	MinimumVersion    *semver.Version   `json:"minimumVersion,omitempty"`
	Signature         *Signature        `json:"signature,omitempty"`
}

// Clone returns a deep copy so callers never share pointer fields.
func (p Package) Clone() Package {
	out := p
	if p.MinimumVersion != nil {
		mv := *p.MinimumVersion
		out.MinimumVersion = &mv
	}
	if p.Signature != nil {
		sig := *p.Signature
		out.Signature = &sig
	}
	return out
}

// FileName returns the local file name for the package: the last path
// segment of the download URL, or a version-derived name when the URL has none.
func (p Package) FileName() string {
	name := ""
	if u, err := url.Parse(p.DownloadURL); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" || name == ".." || strings.ContainsAny(name, `\:`) {
		return "breeze-agent-" + p.Version.String()
	}
	return name
}
