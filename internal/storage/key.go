package storage

import (
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/stolink/imageworker/internal/provider"
)

// keyPrefix is the folder every generated artifact is stored under.
const keyPrefix = "media"

// Key derives the object key of a job's artifact. It depends only on the job
// identity and the artifact's content, so reruns of the same job overwrite
// the same object and distinct jobs never share one.
func Key(characterID, jobID string, a provider.Artifact) string {
	name := segment(jobID) + Extension(a)
	if characterID == "" {
		return keyPrefix + "/" + name
	}
	return keyPrefix + "/" + segment(characterID) + "/" + name
}

// segment encodes an identifier as exactly one key segment. Separators are
// percent-encoded and dot segments are spelled out.
func segment(id string) string {
	s := url.PathEscape(id)
	if s == "." || s == ".." {
		return strings.ReplaceAll(s, ".", "%2E")
	}
	return s
}

// urlPath encodes a key for the path of its public URL.
func urlPath(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// keyFromURL returns the key served at rawURL under base.
func keyFromURL(rawURL, base string) (string, bool) {
	escaped, ok := strings.CutPrefix(rawURL, base+"/")
	if !ok || escaped == "" {
		return "", false
	}
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return key, true
}

// Extension returns the file extension for an artifact, sniffed from its bytes
// and falling back to the declared content type.
func Extension(a provider.Artifact) string {
	if len(a.Data) > 0 {
		if m := mimetype.Detect(a.Data); m.Extension() != "" {
			return m.Extension()
		}
	}
	if m := mimetype.Lookup(a.ContentType); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}

// ContentType returns the artifact's content type, sniffing it when undeclared.
func ContentType(a provider.Artifact) string {
	if a.ContentType != "" {
		return a.ContentType
	}
	return mimetype.Detect(a.Data).String()
}
