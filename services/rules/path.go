package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Field roots available to conditions
const (
	RootContext  = "context"
	RootLimits   = "limits"
	RootPassport = "passport"
)

// segment is one step of a field path: a literal key or a nested reference
// whose value becomes the key, as in limits.currency_limits.{context.currency}
type segment struct {
	literal string
	ref     *FieldPath
}

// FieldPath is a parsed dotted reference rooted at context, limits or passport
type FieldPath struct {
	raw      string
	root     string
	segments []segment
}

// ParseFieldPath parses a dotted path with optional {path} interpolation segments
func ParseFieldPath(raw string) (*FieldPath, error) {
	segs, err := splitSegments(raw)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", raw, err)
	}
	if len(segs) == 0 || segs[0].ref != nil {
		return nil, fmt.Errorf("field %q: missing root", raw)
	}
	root := segs[0].literal
	switch root {
	case RootContext, RootLimits, RootPassport:
	default:
		return nil, fmt.Errorf("field %q: unknown root %q", raw, root)
	}
	return &FieldPath{raw: raw, root: root, segments: segs[1:]}, nil
}

// MustParseFieldPath is ParseFieldPath for static paths
func MustParseFieldPath(raw string) *FieldPath {
	p, err := ParseFieldPath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func splitSegments(raw string) ([]segment, error) {
	var (
		segs []segment
		cur  strings.Builder
	)
	flush := func() error {
		if cur.Len() == 0 {
			return fmt.Errorf("empty segment")
		}
		segs = append(segs, segment{literal: cur.String()})
		cur.Reset()
		return nil
	}

	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; c {
		case '.':
			if err := flush(); err != nil {
				return nil, err
			}
		case '{':
			if cur.Len() > 0 {
				return nil, fmt.Errorf("interpolation must be a whole segment")
			}
			end := strings.IndexByte(raw[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated interpolation")
			}
			inner := raw[i+1 : i+end]
			if strings.ContainsAny(inner, "{") {
				return nil, fmt.Errorf("nested interpolation is not supported")
			}
			ref, err := ParseFieldPath(inner)
			if err != nil {
				return nil, err
			}
			segs = append(segs, segment{ref: ref})
			i += end
			if i+1 < len(raw) {
				if raw[i+1] != '.' {
					return nil, fmt.Errorf("interpolation must be a whole segment")
				}
				i++
				if i+1 == len(raw) {
					return nil, fmt.Errorf("empty segment")
				}
			}
		case '}':
			return nil, fmt.Errorf("unbalanced '}'")
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		segs = append(segs, segment{literal: cur.String()})
	} else if len(raw) > 0 && raw[len(raw)-1] == '.' {
		return nil, fmt.Errorf("empty segment")
	}
	return segs, nil
}

// String returns the path as written
func (p *FieldPath) String() string {
	return p.raw
}

// Root returns the root name
func (p *FieldPath) Root() string {
	return p.root
}

// resolve walks the path; a missing step yields nil
func (p *FieldPath) resolve(env *Env) interface{} {
	cur, ok := env.root(p.root)
	if !ok {
		return nil
	}
	for _, seg := range p.segments {
		key := seg.literal
		if seg.ref != nil {
			v := seg.ref.resolve(env)
			s, ok := keyString(v)
			if !ok {
				return nil
			}
			key = s
		}
		cur = step(cur, key)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func step(cur interface{}, key string) interface{} {
	switch c := cur.(type) {
	case map[string]interface{}:
		return c[key]
	case []interface{}:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil
		}
		return c[i]
	case []string:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(c) {
			return nil
		}
		return c[i]
	}
	return nil
}

func keyString(v interface{}) (string, bool) {
	switch k := v.(type) {
	case string:
		return k, k != ""
	case float64, int, int64:
		return fmt.Sprint(k), true
	}
	return "", false
}
