package openehr

import (
	"strconv"
	"strings"
)

// FlattenStructured resolves every table path against a STRUCTURED composition
// and returns the FLAT values the decoder understands. Paths missing from doc
// are skipped; the composition uid, when present, is kept under "<root>/_uid".
func FlattenStructured(doc map[string]any, table *Table) map[string]any {
	out := make(map[string]any)
	if doc == nil {
		return out
	}
	root := table.Root()

	// Repositories return either {"<root>": {...}} or the root node itself.
	var top any = doc
	if inner, ok := doc[root]; ok {
		top = inner
	}

	if uid, ok := lookupLeaf(top, "_uid"); ok {
		out[root+"/_uid"] = scalar(uid, "|value")
	}

	for _, entry := range table.entries {
		flat := entry.FlatPath(0)
		segments := strings.Split(flat, "/")[1:]
		node, ok := walk(top, segments)
		if !ok {
			continue
		}
		switch entry.Kind {
		case KindNumeric:
			if m, isMap := node.(map[string]any); isMap {
				if v, has := m["|magnitude"]; has {
					out[entry.ValueKey(0)] = v
				}
				if u, has := m["|unit"]; has && entry.Unit != "" {
					out[entry.UnitKey(0)] = u
				}
				continue
			}
			out[entry.ValueKey(0)] = node
		default:
			out[entry.ValueKey(0)] = scalar(node, "|value")
		}
	}
	return out
}

// walk follows "name:index" segments. Every STRUCTURED node is an array, so a
// missing index means element 0.
func walk(node any, segments []string) (any, bool) {
	cur := node
	for _, seg := range segments {
		name, idx := splitSegment(seg)
		m, ok := unwrap(cur, 0).(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[name]
		if !ok {
			return nil, false
		}
		cur = unwrap(next, idx)
		if cur == nil {
			return nil, false
		}
	}
	return unwrap(cur, 0), true
}

func lookupLeaf(node any, name string) (any, bool) {
	m, ok := unwrap(node, 0).(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[name]
	if !ok {
		return nil, false
	}
	return unwrap(v, 0), true
}

func splitSegment(seg string) (string, int) {
	name, idx, found := strings.Cut(seg, ":")
	if !found {
		return seg, 0
	}
	n, err := strconv.Atoi(idx)
	if err != nil {
		return seg, 0
	}
	return name, n
}

func unwrap(node any, idx int) any {
	arr, ok := node.([]any)
	if !ok {
		return node
	}
	if idx < 0 || idx >= len(arr) {
		return nil
	}
	return arr[idx]
}

// scalar unwraps DV_TEXT style leaves ({"|value": "x"} or {"": "x"}).
func scalar(node any, attr string) any {
	m, ok := node.(map[string]any)
	if !ok {
		return node
	}
	if v, has := m[attr]; has {
		return v
	}
	if v, has := m[""]; has {
		return v
	}
	return node
}
