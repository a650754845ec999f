package chain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// pathSegment is one hop of an extract path: an optional field lookup
// followed by an optional array access.
type pathSegment struct {
	field    string
	wildcard bool
	index    int // -1 when unset
}

// parsePath compiles a dot path such as "items[*].url" or "data.id".
// An empty path is valid and selects the raw content.
func parsePath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("extract path %q: empty segment", path)
		}
		seg := pathSegment{index: -1}
		if open := strings.Index(part, "["); open >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, fmt.Errorf("extract path %q: unclosed bracket in %q", path, part)
			}
			inner := part[open+1 : len(part)-1]
			seg.field = part[:open]
			if inner == "*" {
				seg.wildcard = true
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("extract path %q: bad array index %q", path, inner)
				}
				seg.index = idx
			}
		} else {
			seg.field = part
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// extract evaluates a parsed path against a tool result's content.
// The content is parsed as JSON when the path is non-empty; a content
// that is not JSON yields no values. An empty path returns the raw
// content string itself.
func extract(content, path string) ([]any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return []any{content}, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, nil
	}
	nodes := []any{doc}
	for _, seg := range segments {
		var next []any
		for _, node := range nodes {
			if seg.field != "" {
				obj, ok := node.(map[string]any)
				if !ok {
					continue
				}
				node, ok = obj[seg.field]
				if !ok {
					continue
				}
			}
			switch {
			case seg.wildcard:
				arr, ok := node.([]any)
				if !ok {
					continue
				}
				next = append(next, arr...)
			case seg.index >= 0:
				arr, ok := node.([]any)
				if !ok || seg.index >= len(arr) {
					continue
				}
				next = append(next, arr[seg.index])
			default:
				next = append(next, node)
			}
		}
		nodes = next
		if len(nodes) == 0 {
			return nil, nil
		}
	}
	return nodes, nil
}
