package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"selfforge/internal/tools"
)

// maxFetchBytes caps a web_fetch response body.
const maxFetchBytes = 512 * 1024

func registerWebFetch(reg *tools.Registry, deps Deps) error {
	client := &http.Client{Timeout: 30 * time.Second}

	return reg.Register(&tools.Tool{
		Name:        "web_fetch",
		Description: "Fetch a URL from an allowed endpoint and return the response body as text.",
		Category:    tools.CategoryGeneral,
		Schema: tools.Schema{
			Required: []string{"url"},
			Properties: map[string]tools.Property{
				"url": {Type: "string", Description: "HTTP or HTTPS URL to fetch", Format: "url"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			url := stringArg(args, "url", "")

			req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
			if err != nil {
				return "", fmt.Errorf("invalid request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return "", fmt.Errorf("fetch failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
			if err != nil {
				return "", fmt.Errorf("failed to read response: %w", err)
			}
			if resp.StatusCode >= 400 {
				return "", fmt.Errorf("fetch returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
			}
			return string(body), nil
		},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
