package vrs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// FileSpec designates a file to open: a plain path, a URI of form
// "scheme:details?key=value&...", or a JSON object naming a storage
// handler, chunks, and handler-specific extras.
type FileSpec struct {
	FileHandlerName string            `json:"storage,omitempty"`
	FileName        string            `json:"fileName,omitempty"`
	URI             string            `json:"uri,omitempty"`
	Chunks          []string          `json:"chunks,omitempty"`
	Extras          map[string]string `json:"extras,omitempty"`
}

// ParseFileSpec interprets a spec string. A leading '{' means JSON; a
// "scheme:" prefix (other than a Windows drive letter) means URI;
// anything else is a plain path.
func ParseFileSpec(s string) (*FileSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty spec", ErrInvalidSpec)
	}
	if s[0] == '{' {
		spec := &FileSpec{}
		if err := json.Unmarshal([]byte(s), spec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		if spec.FileHandlerName == "" {
			spec.FileHandlerName = DiskFileHandlerName
		}
		return spec, nil
	}
	if scheme, rest, ok := splitURIScheme(s); ok {
		spec := &FileSpec{FileHandlerName: scheme, URI: s, Extras: map[string]string{}}
		if q := strings.IndexByte(rest, '?'); q >= 0 {
			values, err := url.ParseQuery(rest[q+1:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
			}
			for key := range values {
				spec.Extras[key] = values.Get(key)
			}
			rest = rest[:q]
		}
		spec.FileName = rest
		return spec, nil
	}
	return &FileSpec{FileHandlerName: DiskFileHandlerName, FileName: s}, nil
}

// splitURIScheme recognizes "scheme:details" specs. Single-letter schemes
// are treated as Windows drive letters, not URIs.
func splitURIScheme(s string) (scheme, rest string, ok bool) {
	colon := strings.IndexByte(s, ':')
	if colon < 2 {
		return "", "", false
	}
	scheme = s[:colon]
	for _, c := range scheme {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '+' && c != '-' && c != '.' {
			return "", "", false
		}
	}
	return strings.ToLower(scheme), s[colon+1:], true
}

// String renders the spec canonically: a plain path when possible,
// otherwise JSON.
func (s *FileSpec) String() string {
	if s.FileHandlerName == DiskFileHandlerName && s.URI == "" && len(s.Chunks) == 0 && len(s.Extras) == 0 {
		return s.FileName
	}
	data, err := json.Marshal(s)
	if err != nil {
		return s.FileName
	}
	return string(data)
}

// openHandlerForSpec resolves a spec to an opened handler.
func openHandlerForSpec(spec *FileSpec) (FileHandler, error) {
	name := spec.FileHandlerName
	if name == "" {
		name = DiskFileHandlerName
	}
	handler, err := NewFileHandler(name)
	if err != nil {
		return nil, err
	}
	if err := handler.OpenSpec(spec); err != nil {
		return nil, err
	}
	return handler, nil
}
