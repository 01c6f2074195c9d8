package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/toolgate/toolgate/internal/domain/tool"
)

const fetchBodyLimit = 1 << 20 // 1 MiB

var httpClient = &http.Client{Timeout: 15 * time.Second}

// builtinCatalog returns the tools this deployment exposes to generated
// code. Integrations registered at runtime would extend this set; the
// builtins cover the three gating shapes (auto, approval, credential).
func builtinCatalog() (*tool.Catalog, error) {
	return tool.NewCatalog([]tool.Descriptor{
		{
			Path:     "time.now",
			Source:   tool.SourceInternal,
			Effect:   tool.EffectRead,
			Approval: tool.ApprovalAuto,
			Result: &tool.Schema{Properties: map[string]tool.Property{
				"iso":  {Type: "string"},
				"unix": {Type: "number"},
			}},
			Run: runTimeNow,
		},
		{
			Path:     "web.fetch",
			Source:   tool.SourceOpenAPI,
			Effect:   tool.EffectRead,
			Approval: tool.ApprovalAuto,
			Args: &tool.Schema{
				Properties: map[string]tool.Property{
					"url": {Type: "string", Description: "absolute http(s) URL to fetch"},
				},
				Required: []string{"url"},
			},
			Result: &tool.Schema{Properties: map[string]tool.Property{
				"status": {Type: "number"},
				"body":   {Type: "string"},
			}},
			Run: runWebFetch,
		},
		{
			Path:     "slack.post_message",
			Source:   tool.SourceOpenAPI,
			Effect:   tool.EffectWrite,
			Approval: tool.ApprovalRequired,
			Credential: &tool.CredentialRef{
				Source: "slack",
				Scope:  tool.ScopeWorkspace,
			},
			Args: &tool.Schema{
				Properties: map[string]tool.Property{
					"channel": {Type: "string"},
					"text":    {Type: "string"},
				},
				Required: []string{"channel", "text"},
			},
			Result: &tool.Schema{Properties: map[string]tool.Property{
				"ok": {Type: "boolean"},
				"ts": {Type: "string"},
			}},
			Run: runSlackPostMessage,
		},
	})
}

func runTimeNow(_ context.Context, _ tool.Invocation) (any, error) {
	now := time.Now().UTC()
	return map[string]any{
		"iso":  now.Format(time.RFC3339),
		"unix": now.Unix(),
	}, nil
}

func runWebFetch(ctx context.Context, inv tool.Invocation) (any, error) {
	raw, _ := inv.Input["url"].(string)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("url must be an absolute http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", u.Host, err)
	}

	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

func runSlackPostMessage(ctx context.Context, inv tool.Invocation) (any, error) {
	payload, err := json.Marshal(map[string]any{
		"channel": inv.Input["channel"],
		"text":    inv.Input["text"],
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://slack.com/api/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if inv.Credential != nil {
		for k, v := range inv.Credential.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, fetchBodyLimit)).Decode(&out); err != nil {
		return nil, fmt.Errorf("slack: decode response: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("slack: %s", out.Error)
	}
	return map[string]any{"ok": out.OK, "ts": out.TS}, nil
}
