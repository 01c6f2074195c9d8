package secrets_test

import (
	"context"
	"errors"
	"testing"

	"github.com/toolgate/toolgate/internal/domain/tool"
	"github.com/toolgate/toolgate/internal/port/vault"
	"github.com/toolgate/toolgate/internal/secrets"
)

func staticLoader(vals map[string]string) secrets.Loader {
	return func() (map[string]string, error) { return vals, nil }
}

func TestKey(t *testing.T) {
	if got := secrets.Key("github", tool.ScopeWorkspace, "w1"); got != "workspace/w1/github" {
		t.Errorf("Key = %q", got)
	}
	if got := secrets.Key("slack", tool.ScopeOrganization, ""); got != "organization//slack" {
		t.Errorf("scope-wide Key = %q", got)
	}
}

func TestFetchSecret_ExactScopeWins(t *testing.T) {
	v, err := secrets.NewVault(staticLoader(map[string]string{
		"workspace/w1/github": "w1-token",
		"workspace//github":   "shared-token",
	}))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	got, err := v.FetchSecret(context.Background(), "github", tool.ScopeWorkspace, "w1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != "w1-token" {
		t.Errorf("exact scope should win, got %q", got)
	}
}

func TestFetchSecret_ScopeWideFallback(t *testing.T) {
	v, _ := secrets.NewVault(staticLoader(map[string]string{
		"workspace//github": "shared-token",
	}))

	got, err := v.FetchSecret(context.Background(), "github", tool.ScopeWorkspace, "w2")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != "shared-token" {
		t.Errorf("expected scope-wide fallback, got %q", got)
	}
}

func TestFetchSecret_MissingIsPermanent(t *testing.T) {
	v, _ := secrets.NewVault(staticLoader(nil))

	_, err := v.FetchSecret(context.Background(), "github", tool.ScopeWorkspace, "w1")
	if !errors.Is(err, vault.ErrSecretNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if vault.Retryable(err) {
		t.Error("a missing secret must not be retryable")
	}
}

func TestReload_SwapsValuesAndKeepsOldOnError(t *testing.T) {
	vals := map[string]string{"workspace/w1/github": "old"}
	fail := false
	loader := func() (map[string]string, error) {
		if fail {
			return nil, errors.New("source down")
		}
		out := make(map[string]string, len(vals))
		for k, s := range vals {
			out[k] = s
		}
		return out, nil
	}

	v, err := secrets.NewVault(loader)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	vals["workspace/w1/github"] = "new"
	if err := v.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, _ := v.FetchSecret(context.Background(), "github", tool.ScopeWorkspace, "w1")
	if got != "new" {
		t.Errorf("reload should swap values, got %q", got)
	}

	fail = true
	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	got, _ = v.FetchSecret(context.Background(), "github", tool.ScopeWorkspace, "w1")
	if got != "new" {
		t.Errorf("failed reload must keep old values, got %q", got)
	}
}

func TestEnvLoader_MapsVariableNamesToScopedKeys(t *testing.T) {
	t.Setenv("TGTEST_SECRET_WORKSPACE__W1__GITHUB", "gh-token")
	t.Setenv("TGTEST_SECRET_ORGANIZATION____SLACK", "slack-token")
	t.Setenv("UNRELATED_VAR", "ignored")

	vals, err := secrets.EnvLoader("TGTEST_SECRET_")()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if vals["workspace/w1/github"] != "gh-token" {
		t.Errorf("workspace key missing, got %v", vals)
	}
	if vals["organization//slack"] != "slack-token" {
		t.Errorf("scope-wide key missing, got %v", vals)
	}
	if _, ok := vals["unrelated_var"]; ok {
		t.Error("variables without the prefix must be ignored")
	}
}
