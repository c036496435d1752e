package router

import (
	"fmt"
	"strings"
)

// SegmentKind identifies how a pattern segment matches a path segment.
type SegmentKind int

// Segment kinds, most specific first.
const (
	SegmentLiteral SegmentKind = iota
	SegmentCapture
	SegmentStar
	SegmentRemainder
)

// RemainderParam is the parameter name under which a "**" segment
// exposes the rest of the path.
const RemainderParam = "**"

// Specificity weights used to derive a rule priority when none is declared.
const (
	literalWeight = 3
	captureWeight = 2
	starWeight    = 1
)

// String returns the kind name.
func (k SegmentKind) String() string {
	switch k {
	case SegmentLiteral:
		return "literal"
	case SegmentCapture:
		return "capture"
	case SegmentStar:
		return "star"
	case SegmentRemainder:
		return "remainder"
	default:
		return fmt.Sprintf("SegmentKind(%d)", int(k))
	}
}

// Segment is one parsed component of a pattern. Value holds the literal
// text for literal segments and the parameter name for captures.
type Segment struct {
	Kind  SegmentKind
	Value string
}

// Pattern is a parsed URL pattern.
type Pattern struct {
	Raw      string
	Segments []Segment
}

// ParsePattern parses a "/"-separated URL pattern. Segments are literal
// text, "{name}" captures, "*" (exactly one segment) or "**" (zero or
// more trailing segments). Empty segments are ignored.
func ParsePattern(raw string) (Pattern, error) {
	p := Pattern{Raw: raw}
	if raw == "" {
		return p, fmt.Errorf("pattern cannot be empty")
	}
	if !strings.HasPrefix(raw, "/") {
		return p, fmt.Errorf("pattern must start with '/': %q", raw)
	}

	names := make(map[string]struct{})
	parts := splitPath(raw)
	for i, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return p, fmt.Errorf("segment %d of %q: %w", i+1, raw, err)
		}
		switch seg.Kind {
		case SegmentRemainder:
			if i != len(parts)-1 {
				return p, fmt.Errorf("'**' must be the last segment of %q", raw)
			}
		case SegmentCapture:
			if _, dup := names[seg.Value]; dup {
				return p, fmt.Errorf("capture {%s} appears more than once in %q", seg.Value, raw)
			}
			names[seg.Value] = struct{}{}
		}
		p.Segments = append(p.Segments, seg)
	}
	return p, nil
}

func parseSegment(part string) (Segment, error) {
	switch part {
	case "**":
		return Segment{Kind: SegmentRemainder}, nil
	case "*":
		return Segment{Kind: SegmentStar}, nil
	}

	if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
		name := part[1 : len(part)-1]
		if !validParamName(name) {
			return Segment{}, fmt.Errorf("invalid capture name %q", name)
		}
		return Segment{Kind: SegmentCapture, Value: name}, nil
	}

	if strings.ContainsAny(part, "{}*") {
		return Segment{}, fmt.Errorf("wildcards and captures must span a whole segment: %q", part)
	}
	return Segment{Kind: SegmentLiteral, Value: part}, nil
}

func validParamName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// Specificity scores the pattern: three points per literal, two per
// capture and one per single-segment wildcard.
func (p Pattern) Specificity() int {
	score := 0
	for _, s := range p.Segments {
		switch s.Kind {
		case SegmentLiteral:
			score += literalWeight
		case SegmentCapture:
			score += captureWeight
		case SegmentStar:
			score += starWeight
		}
	}
	return score
}

// Params returns the capture names in the pattern, in order, with
// RemainderParam last when the pattern ends in "**".
func (p Pattern) Params() []string {
	var out []string
	for _, s := range p.Segments {
		switch s.Kind {
		case SegmentCapture:
			out = append(out, s.Value)
		case SegmentRemainder:
			out = append(out, RemainderParam)
		}
	}
	return out
}

// String returns the canonical form of the pattern.
func (p Pattern) String() string {
	if len(p.Segments) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, s := range p.Segments {
		b.WriteByte('/')
		switch s.Kind {
		case SegmentLiteral:
			b.WriteString(s.Value)
		case SegmentCapture:
			b.WriteString("{" + s.Value + "}")
		case SegmentStar:
			b.WriteString("*")
		case SegmentRemainder:
			b.WriteString("**")
		}
	}
	return b.String()
}

// bind maps the path segments matched by the pattern to parameters.
func (p Pattern) bind(parts []string) map[string]string {
	var params map[string]string
	for i, s := range p.Segments {
		switch s.Kind {
		case SegmentCapture:
			if params == nil {
				params = make(map[string]string)
			}
			params[s.Value] = parts[i]
		case SegmentRemainder:
			if params == nil {
				params = make(map[string]string)
			}
			if i < len(parts) {
				params[RemainderParam] = strings.Join(parts[i:], "/")
			} else {
				params[RemainderParam] = ""
			}
		}
	}
	return params
}

// splitPath splits a path into its non-empty segments.
func splitPath(path string) []string {
	fields := strings.Split(path, "/")
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
