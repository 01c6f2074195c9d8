package typecheck_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/toolgate/toolgate/internal/domain/tool"
	"github.com/toolgate/toolgate/internal/domain/typecheck"
)

func testDeclaration(t *testing.T) *typecheck.Declaration {
	t.Helper()
	cat, err := tool.NewCatalog([]tool.Descriptor{
		{Path: "calendar.read", Source: tool.SourceInternal, Effect: tool.EffectRead, Approval: tool.ApprovalAuto},
		{
			Path: "mail.send", Source: tool.SourceOpenAPI, Effect: tool.EffectWrite, Approval: tool.ApprovalRequired,
			Args: &tool.Schema{
				Properties: map[string]tool.Property{
					"to":      {Type: "string"},
					"subject": {Type: "string"},
					"body":    {Type: "string"},
				},
				Required: []string{"to", "body"},
			},
		},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return typecheck.BuildDeclaration(cat)
}

func TestValidate_AcceptsDeclaredCalls(t *testing.T) {
	code := `
		const when = await tools.calendar.read();
		await tools.mail.send({to: "a@b.c", body: "hi"});
	`
	if err := typecheck.Validate(code, testDeclaration(t)); err != nil {
		t.Fatalf("expected valid, got: %v", err)
	}
}

func TestValidate_UndeclaredToolNamesIdentifier(t *testing.T) {
	err := typecheck.Validate(`tools.calendar.delete({id: 1})`, testDeclaration(t))
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verr *typecheck.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *typecheck.Error, got %T", err)
	}
	if verr.Identifier != "calendar.delete" {
		t.Errorf("identifier = %q, want calendar.delete", verr.Identifier)
	}
	if !strings.Contains(verr.Message, "calendar.read") {
		t.Errorf("expected nearest-path suggestion in %q", verr.Message)
	}
}

func TestValidate_UnknownPropertyNamesIdentifier(t *testing.T) {
	err := typecheck.Validate(`tools.mail.send({to: "a", cc: "b", body: "x"})`, testDeclaration(t))
	var verr *typecheck.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *typecheck.Error, got %v", err)
	}
	if verr.Identifier != "mail.send.cc" {
		t.Errorf("identifier = %q, want mail.send.cc", verr.Identifier)
	}
}

func TestValidate_MissingRequiredProperty(t *testing.T) {
	err := typecheck.Validate(`tools.mail.send({to: "a"})`, testDeclaration(t))
	var verr *typecheck.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *typecheck.Error, got %v", err)
	}
	if verr.Identifier != "mail.send.body" {
		t.Errorf("identifier = %q, want mail.send.body", verr.Identifier)
	}
}

func TestValidate_ComputedArgumentSkipsShapeCheck(t *testing.T) {
	// The first argument is a variable; property checks defer to call time.
	code := `
		const msg = buildMessage();
		tools.mail.send(msg);
	`
	if err := typecheck.Validate(code, testDeclaration(t)); err != nil {
		t.Fatalf("expected valid, got: %v", err)
	}
}

func TestValidate_NestedLiteralKeysIgnored(t *testing.T) {
	// Keys of nested objects are not top-level properties.
	code := `tools.mail.send({to: "a", body: "x", subject: JSON.stringify({cc: "zzz"})})`
	if err := typecheck.Validate(code, testDeclaration(t)); err != nil {
		t.Fatalf("expected valid, got: %v", err)
	}
}

func TestValidate_QuotedKeys(t *testing.T) {
	err := typecheck.Validate(`tools.mail.send({"to": "a", "attachments": []})`, testDeclaration(t))
	var verr *typecheck.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *typecheck.Error, got %v", err)
	}
	if verr.Identifier != "mail.send.attachments" {
		t.Errorf("identifier = %q, want mail.send.attachments", verr.Identifier)
	}
}

func TestValidate_StringContentNotParsedAsKeys(t *testing.T) {
	code := `tools.mail.send({to: "a", body: "looks: like, {a: key}"})`
	if err := typecheck.Validate(code, testDeclaration(t)); err != nil {
		t.Fatalf("expected valid, got: %v", err)
	}
}

func TestValidate_NoToolRefs(t *testing.T) {
	if err := typecheck.Validate(`const x = 1 + 1;`, testDeclaration(t)); err != nil {
		t.Fatalf("code without tool refs should pass, got: %v", err)
	}
}
