// Package tool defines the tool catalog domain model: descriptors for
// API-backed actions that generated code may invoke, and immutable catalog
// snapshots resolved once per run.
package tool

import (
	"context"
	"fmt"
	"strings"
)

// SideEffect classifies whether a tool mutates external state.
type SideEffect string

const (
	EffectRead  SideEffect = "read"
	EffectWrite SideEffect = "write"
)

// ApprovalMode is a tool's default gating behavior when no policy overrides it.
type ApprovalMode string

const (
	ApprovalAuto     ApprovalMode = "auto"
	ApprovalRequired ApprovalMode = "required"
)

// CredentialScope identifies where a tool's secret is provisioned.
type CredentialScope string

const (
	ScopeWorkspace    CredentialScope = "workspace"
	ScopeOrganization CredentialScope = "organization"
)

// CredentialRef declares the secret a tool needs to execute.
type CredentialRef struct {
	Source string          `json:"source"`
	Scope  CredentialScope `json:"scope"`
}

// Credential is a resolved secret ready for tool execution. Header values
// are handed to the run capability only; they never appear in receipts,
// previews, or error messages.
type Credential struct {
	Source  string
	Headers map[string]string
}

// Property describes one field of a structural schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Schema is a structural argument or result shape. It is deliberately a
// flat property map: enough for the validation gate to name an offending
// field, cheap enough to hash for catalog signatures.
type Schema struct {
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Invocation carries everything a run capability receives.
type Invocation struct {
	Input      map[string]any
	Credential *Credential
}

// RunFunc is a tool's execution capability. Opaque to the gateway beyond
// its error contract: a returned error means the tool itself failed.
type RunFunc func(ctx context.Context, inv Invocation) (any, error)

// SourceKind tags where a descriptor came from at catalog-assembly time.
type SourceKind string

const (
	SourceInternal SourceKind = "internal"
	SourceOpenAPI  SourceKind = "openapi"
	SourceMCP      SourceKind = "mcp"
	SourceGraphQL  SourceKind = "graphql"
)

// Descriptor is one entry in the tool catalog. Immutable per snapshot.
type Descriptor struct {
	Path       string         `json:"path"`
	Source     SourceKind     `json:"source"`
	Effect     SideEffect     `json:"effect"`
	Approval   ApprovalMode   `json:"approval"`
	Args       *Schema        `json:"args,omitempty"`
	Result     *Schema        `json:"result,omitempty"`
	Credential *CredentialRef `json:"credential,omitempty"`

	// FanOut lists the effective sub-paths a composite tool touches
	// (e.g. a federated query spanning several backends). Policy resolves
	// to the most restrictive decision across them.
	FanOut []string `json:"fan_out,omitempty"`

	Run RunFunc `json:"-"`
}

// Validate checks that a descriptor is well-formed.
func (d *Descriptor) Validate() error {
	if err := ValidatePath(d.Path); err != nil {
		return err
	}
	switch d.Effect {
	case EffectRead, EffectWrite:
	default:
		return fmt.Errorf("tool %s: invalid side effect %q", d.Path, d.Effect)
	}
	switch d.Approval {
	case ApprovalAuto, ApprovalRequired:
	default:
		return fmt.Errorf("tool %s: invalid approval mode %q", d.Path, d.Approval)
	}
	if d.Credential != nil {
		if d.Credential.Source == "" {
			return fmt.Errorf("tool %s: credential source is required", d.Path)
		}
		switch d.Credential.Scope {
		case ScopeWorkspace, ScopeOrganization:
		default:
			return fmt.Errorf("tool %s: invalid credential scope %q", d.Path, d.Credential.Scope)
		}
	}
	for _, sub := range d.FanOut {
		if err := ValidatePath(sub); err != nil {
			return fmt.Errorf("tool %s: fan-out: %w", d.Path, err)
		}
	}
	return nil
}

// ValidatePath checks a dotted tool path: non-empty identifier segments
// separated by single dots, e.g. "calendar.events.create".
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("tool path is required")
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("tool path %q has an empty segment", path)
		}
		for i, r := range seg {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
				if i == 0 {
					return fmt.Errorf("tool path %q: segment %q starts with a digit", path, seg)
				}
			default:
				return fmt.Errorf("tool path %q: invalid character %q", path, r)
			}
		}
	}
	return nil
}
