package typecheck

import (
	"fmt"
	"regexp"
	"strings"
)

// Error is a pre-execution validation failure. Identifier names the
// offending tool path or argument property so the code author (human or
// agent) can self-correct.
type Error struct {
	Identifier string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Identifier, e.Message)
}

// toolRefRe matches tools.<dotted.path>( references in generated source.
var toolRefRe = regexp.MustCompile(`\btools\.([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*\(`)

// identRe matches an object-literal key at the top nesting level.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks generated source against the declaration. It is purely
// structural: every tools.<path>( reference must name a declared tool, and
// when the first argument is an object literal, its top-level keys must be
// declared properties with all required properties present. Runs strictly
// before any tool call is attempted.
func Validate(code string, decl *Declaration) error {
	matches := toolRefRe.FindAllStringSubmatchIndex(code, -1)
	for _, m := range matches {
		path := code[m[2]:m[3]]
		dt, ok := decl.Tools[path]
		if !ok {
			msg := "tool is not declared in the visible catalog"
			if near := decl.nearestPaths(path); len(near) > 0 {
				msg = fmt.Sprintf("%s; did you mean %s", msg, strings.Join(near, ", "))
			}
			return &Error{Identifier: path, Message: msg}
		}
		if dt.Args == nil {
			continue
		}
		// m[1] is the index just past "(".
		keys, literal := literalKeys(code[m[1]:])
		if !literal {
			// Computed argument; shape is checked at call time instead.
			continue
		}
		seen := make(map[string]bool, len(keys))
		for _, k := range keys {
			seen[k] = true
			if _, declared := dt.Args.Properties[k]; !declared {
				return &Error{
					Identifier: path + "." + k,
					Message:    fmt.Sprintf("property %q is not declared for tool %s", k, path),
				}
			}
		}
		for _, req := range dt.Args.Required {
			if !seen[req] {
				return &Error{
					Identifier: path + "." + req,
					Message:    fmt.Sprintf("required property %q is missing for tool %s", req, path),
				}
			}
		}
	}
	return nil
}

// literalKeys extracts the top-level keys of an object literal starting at
// the beginning of src (just after the call's opening paren). Returns
// literal=false when the first argument is not an inline object literal.
func literalKeys(src string) (keys []string, literal bool) {
	i := skipSpace(src, 0)
	if i >= len(src) || src[i] != '{' {
		return nil, false
	}

	depth := 0
	expectKey := true
	var inString byte
	start := -1

	for ; i < len(src); i++ {
		c := src[i]

		if inString != 0 {
			if c == '\\' {
				i++
			} else if c == inString {
				inString = 0
			}
			continue
		}

		switch c {
		case '"', '\'', '`':
			inString = c
		case '{', '(', '[':
			depth++
		case '}', ')', ']':
			depth--
			if depth == 0 {
				return keys, true
			}
		case ',':
			if depth == 1 {
				expectKey = true
			}
		case ':':
			if depth == 1 && start >= 0 {
				key := strings.Trim(strings.TrimSpace(src[start:i]), `"'`)
				if identRe.MatchString(key) {
					keys = append(keys, key)
				}
				start = -1
				expectKey = false
			}
		default:
			if depth == 1 && expectKey && start < 0 && !isSpace(c) {
				start = i
			}
		}
	}
	// Unbalanced literal; treat as non-literal and let call-time checks handle it.
	return nil, false
}

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
