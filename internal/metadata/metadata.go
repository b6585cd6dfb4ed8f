// Package metadata validates the descriptor of an opportunity: its display
// name and the URL of its off-chain JSON metadata. The URL is opaque to the
// engine and never fetched.
package metadata

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Supported metadata URL schemes.
const (
	SchemeIPFS  = "ipfs"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

const (
	MaxNameLength = 200
	MaxURLLength  = 2048
)

// ipfsRegex matches: ipfs://{cid}[/path]
// Example: ipfs://bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi/meta.json
var ipfsRegex = regexp.MustCompile(`^ipfs://([A-Za-z0-9]{46,})(/[^\s]*)?$`)

var (
	ErrInvalidName = errors.New("metadata: invalid name")
	ErrInvalidURL  = errors.New("metadata: invalid metadata url")
)

// Descriptor is a validated opportunity descriptor.
type Descriptor struct {
	Name   string `json:"name"`
	URL    string `json:"metadata_url"`
	Scheme string `json:"scheme"`
	// Location is the IPFS CID or the HTTP host.
	Location string `json:"location"`
}

// Validate checks name and metadataURL and returns the normalized descriptor.
// The name is trimmed; it must be non-empty and at most MaxNameLength runes.
func Validate(name, metadataURL string) (*Descriptor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if n := utf8.RuneCountInString(name); n > MaxNameLength {
		return nil, fmt.Errorf("%w: %d characters (max %d)", ErrInvalidName, n, MaxNameLength)
	}

	metadataURL = strings.TrimSpace(metadataURL)
	if len(metadataURL) > MaxURLLength {
		return nil, fmt.Errorf("%w: longer than %d bytes", ErrInvalidURL, MaxURLLength)
	}

	if m := ipfsRegex.FindStringSubmatch(metadataURL); m != nil {
		return &Descriptor{Name: name, URL: metadataURL, Scheme: SchemeIPFS, Location: m[1]}, nil
	}

	u, err := url.Parse(metadataURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, metadataURL)
	}
	switch u.Scheme {
	case SchemeHTTP, SchemeHTTPS:
	case SchemeIPFS:
		return nil, fmt.Errorf("%w: %s (expected ipfs://{cid})", ErrInvalidURL, metadataURL)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return &Descriptor{Name: name, URL: metadataURL, Scheme: u.Scheme, Location: u.Host}, nil
}
