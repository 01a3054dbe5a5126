package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // engine.basic_auth.password
	Code    string // missing_required | unknown_field | out_of_bound | type_mismatch | conflicting_values | invalid_enum ...
	Message string // Human text
	Pos     CueErrorPosition
	Raw     string // original message
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of`)
	reOutOfBound  = regexp.MustCompile(`(?i)out of bound|does not match`)
)

// CueErrDetails translates a CUE validation error into a list of
// human readable details, one per offending path.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw, args := e.Msg()
		raw = fmt.Sprintf(raw, args...)
		path := normalizePath(e.Path())
		if _, ok := seen[path]; ok {
			continue
		}
		code, msg := classify(raw, path)

		if enum := lookup(schema, path); enum.Exists() {
			if values, dflt := enumStrings(enum); len(values) > 1 {
				msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
				if dflt != nil {
					msg += fmt.Sprintf(" (default %s)", *dflt)
				}
			}
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     raw,
		})
		seen[path] = struct{}{}
	}
	return out
}

func enumStrings(v cue.Value) (values []string, def *string) {
	// Get default (if any)
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			ss := s
			def = &ss
		}
	}
	// Detect disjunction
	if op, args := v.Expr(); op == cue.OrOp {
		seen := map[string]struct{}{}
		for _, a := range args {
			if a.Kind() != cue.StringKind {
				continue
			}
			if s, err := a.String(); err == nil {
				if _, ok := seen[s]; !ok {
					seen[s] = struct{}{}
					values = append(values, s)
				}
			}
		}
	} else if v.Kind() == cue.StringKind {
		// Single fixed value
		if s, err := v.String(); err == nil {
			values = append(values, s)
		}
	}
	return
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		pos := CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
		return pos
	}
	var zero CueErrorPosition
	return zero
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// Remove leading definition (#Config)
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reOutOfBound.MatchString(raw):
		return "out_of_bound", fmt.Sprintf("Field %s is out of bound: %s", last(path), raw)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

func lookup(root cue.Value, path string) cue.Value {
	if path == "" {
		return root
	}
	pp := cue.ParsePath(path)
	return root.LookupPath(pp)
}

func last(p string) string {
	if p == "" {
		return p
	}
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
