package tools

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// SecurityValidator checks path and URL arguments before execution.
// Path arguments must be repo-relative, free of traversal, and resolve
// inside the configured base directory. URL arguments must use http/https
// and match the endpoint allow-list by origin.
type SecurityValidator struct {
	baseDir          string
	allowedEndpoints map[string]struct{}
}

// NewSecurityValidator builds a validator rooted at baseDir. Endpoints are
// origins ("https://api.example.com") or bare hosts ("api.example.com").
func NewSecurityValidator(baseDir string, allowedEndpoints []string) (*SecurityValidator, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("invalid base directory: %w", err)
	}

	allowed := make(map[string]struct{}, len(allowedEndpoints))
	for _, e := range allowedEndpoints {
		allowed[normalizeEndpoint(e)] = struct{}{}
	}
	return &SecurityValidator{baseDir: abs, allowedEndpoints: allowed}, nil
}

func normalizeEndpoint(e string) string {
	e = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(e)), "/")
	e = strings.TrimPrefix(e, "https://")
	e = strings.TrimPrefix(e, "http://")
	return e
}

// BaseDir returns the absolute base directory paths resolve against.
func (v *SecurityValidator) BaseDir() string { return v.baseDir }

// ValidatePath rejects traversal, absolute paths, and escapes from the base
// directory.
func (v *SecurityValidator) ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path %q contains traversal", path)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path %q is absolute; paths must be repo-relative", path)
	}

	resolved := filepath.Clean(filepath.Join(v.baseDir, path))
	if resolved != v.baseDir && !strings.HasPrefix(resolved, v.baseDir+string(filepath.Separator)) {
		return fmt.Errorf("path %q resolves outside the base directory", path)
	}
	return nil
}

// ValidateURL rejects non-http(s) schemes and origins outside the allow-list.
func (v *SecurityValidator) ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q uses scheme %q; only http and https are allowed", raw, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}

	// Entries are stored scheme-stripped, so a bare host lookup covers both
	// "api.example.com" and "https://api.example.com" configurations.
	host := strings.ToLower(u.Host)
	if _, ok := v.allowedEndpoints[host]; ok {
		return nil
	}
	return fmt.Errorf("URL origin %q is not in the endpoint allow-list", u.Host)
}

// ValidateArgs walks a tool's schema and checks every path- and url-format
// argument present in args.
func (v *SecurityValidator) ValidateArgs(schema Schema, args map[string]any) error {
	for name, prop := range schema.Properties {
		raw, ok := args[name]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		switch prop.Format {
		case "path":
			if err := v.ValidatePath(s); err != nil {
				return err
			}
		case "url":
			if err := v.ValidateURL(s); err != nil {
				return err
			}
		}
	}
	return nil
}
