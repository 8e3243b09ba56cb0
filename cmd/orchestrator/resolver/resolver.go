package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorKind classifies template resolution failures
type ErrorKind string

const (
	// UnknownReference: path root is neither "context" nor a completed prerequisite.
	UnknownReference ErrorKind = "UnknownReference"
	// MissingField: a path segment does not exist in the referenced value.
	MissingField ErrorKind = "MissingField"
	// OutOfRange: numeric segment past array length.
	OutOfRange ErrorKind = "OutOfRange"
	// TypeMismatch: segment indexing into a scalar.
	TypeMismatch ErrorKind = "TypeMismatch"
)

// ResolveError reports why a placeholder could not be resolved
type ResolveError struct {
	Kind ErrorKind
	Path string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("template error %s at %s", e.Kind, e.Path)
}

// Env is the substitution environment for one run: "context" maps to the
// run's trigger context, every other key is a completed node id mapping
// to {"output": <node output>}. Prerequisites that did not succeed are
// simply absent, which forces UnknownReference and fails the node.
type Env map[string]any

// NewEnv builds an environment from a run context.
func NewEnv(runContext map[string]any) Env {
	return Env{"context": runContext}
}

// AddOutput records a completed node's output under its node id.
func (e Env) AddOutput(nodeID string, output map[string]any) {
	e[nodeID] = map[string]any{"output": output}
}

// Scoped returns a view of the environment restricted to the run context
// and the given node ids. Outputs of nodes outside the set stay invisible,
// so a reference to one fails UnknownReference instead of resolving by
// scheduling accident.
func (e Env) Scoped(allowed map[string]bool) Env {
	out := Env{"context": e["context"]}
	for id := range allowed {
		if v, ok := e[id]; ok {
			out[id] = v
		}
	}
	return out
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolve substitutes every {{path}} placeholder in the template against
// the environment. The resolver is pure: same template and env always
// produce the same value, and nothing outside the returned copy is touched.
//
// A string leaf that is exactly one placeholder takes the referenced
// value's native type; mixed text yields a string with each placeholder
// stringified. Non-string leaves are not scanned.
func Resolve(template map[string]any, env Env) (map[string]any, error) {
	resolved, err := resolveValue(template, env)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(value any, env Env) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			rv, err := resolveValue(val, env)
			if err != nil {
				return nil, err
			}
			out[key] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rv, err := resolveValue(val, env)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		// Primitives pass through untouched
		return value, nil
	}
}

func resolveString(s string, env Env) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the native type
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		return lookup(path, env)
	}

	// Interpolation: every placeholder stringified in place
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := strings.TrimSpace(s[m[2]:m[3]])
		value, err := lookup(path, env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(value))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookup resolves a dotted path ("scan.output.critical", "context.items[2].id")
// against the environment.
func lookup(path string, env Env) (any, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, &ResolveError{Kind: UnknownReference, Path: path}
	}

	root, ok := env[segments[0].name]
	if !ok || segments[0].index >= 0 {
		return nil, &ResolveError{Kind: UnknownReference, Path: path}
	}
	if len(segments) == 1 {
		return root, nil
	}

	data, err := json.Marshal(root)
	if err != nil {
		return nil, &ResolveError{Kind: TypeMismatch, Path: path}
	}

	result := gjson.GetBytes(data, gjsonPath(segments[1:]))
	if result.Exists() {
		return result.Value(), nil
	}

	// gjson cannot say why the path missed; walk to classify.
	return nil, classifyMiss(data, segments[1:], path)
}

type segment struct {
	name  string
	index int // -1 for field access
}

// splitPath turns "a.b[0].c" into field and index segments.
func splitPath(path string) []segment {
	var segments []segment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil
		}
		for {
			open := strings.Index(part, "[")
			if open < 0 {
				segments = append(segments, segment{name: part, index: -1})
				break
			}
			if open > 0 {
				segments = append(segments, segment{name: part[:open], index: -1})
			}
			end := strings.Index(part, "]")
			if end < open {
				return nil
			}
			idx, err := strconv.Atoi(part[open+1 : end])
			if err != nil || idx < 0 {
				return nil
			}
			segments = append(segments, segment{index: idx})
			part = part[end+1:]
			if part == "" {
				break
			}
		}
	}
	return segments
}

func gjsonPath(segments []segment) string {
	parts := make([]string, len(segments))
	for i, seg := range segments {
		if seg.index >= 0 {
			parts[i] = strconv.Itoa(seg.index)
		} else {
			parts[i] = strings.ReplaceAll(seg.name, ".", `\.`)
		}
	}
	return strings.Join(parts, ".")
}

// classifyMiss walks the decoded value to report the precise error kind.
func classifyMiss(data []byte, segments []segment, fullPath string) error {
	var current any
	if err := json.Unmarshal(data, &current); err != nil {
		return &ResolveError{Kind: TypeMismatch, Path: fullPath}
	}

	for _, seg := range segments {
		if seg.index >= 0 {
			arr, ok := current.([]any)
			if !ok {
				return &ResolveError{Kind: TypeMismatch, Path: fullPath}
			}
			if seg.index >= len(arr) {
				return &ResolveError{Kind: OutOfRange, Path: fullPath}
			}
			current = arr[seg.index]
			continue
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return &ResolveError{Kind: TypeMismatch, Path: fullPath}
		}
		next, ok := obj[seg.name]
		if !ok {
			return &ResolveError{Kind: MissingField, Path: fullPath}
		}
		current = next
	}

	// Walk succeeded where gjson missed; treat as missing field.
	return &ResolveError{Kind: MissingField, Path: fullPath}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
