package jobs

import (
	"sort"
	"strings"
)

// ExtractImages scans a status payload for produced image names. It prefers
// the output of the l2i node when the session maps it; otherwise the primary
// is the first name in sorted order. Unknown shapes yield no names.
func ExtractImages(payload any) (names []string, primary string) {
	root, _ := payload.(map[string]any)
	session, _ := root["session"].(map[string]any)

	results := lookup(session, "results")
	if results == nil {
		results = lookup(root, "results")
	}
	scope := results
	if scope == nil {
		scope = payload
	}

	all := make(map[string]struct{})
	collectImages(scope, all)
	names = sortedSet(all)

	if id := preparedOutputID(session); id != "" {
		if out := lookup(asMap(results), id); out != nil {
			found := make(map[string]struct{})
			collectImages(out, found)
			if preferred := sortedSet(found); len(preferred) > 0 {
				return names, preferred[0]
			}
		}
	}
	if len(names) > 0 {
		primary = names[0]
	}
	return names, primary
}

// preparedOutputID resolves the execution id of the l2i node.
func preparedOutputID(session map[string]any) string {
	mapping, _ := lookup(session, "source_prepared_mapping").(map[string]any)
	switch ids := mapping["l2i"].(type) {
	case []any:
		for _, id := range ids {
			if s, ok := id.(string); ok && s != "" {
				return s
			}
		}
	case string:
		return ids
	}
	return ""
}

func collectImages(v any, out map[string]struct{}) {
	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			switch key {
			case "image_name":
				addName(child, out)
			case "image", "images":
				collectImageRefs(child, out)
			default:
				collectImages(child, out)
			}
		}
	case []any:
		for _, item := range node {
			collectImages(item, out)
		}
	}
}

// collectImageRefs reads values found under image/images keys, where a bare
// string or a "name" field also identifies an image.
func collectImageRefs(v any, out map[string]struct{}) {
	switch ref := v.(type) {
	case string:
		addName(ref, out)
	case []any:
		for _, item := range ref {
			collectImageRefs(item, out)
		}
	case map[string]any:
		if _, ok := ref["image_name"]; ok {
			addName(ref["image_name"], out)
		} else {
			addName(ref["name"], out)
		}
		for key, child := range ref {
			if key != "image_name" && key != "name" {
				collectImages(map[string]any{key: child}, out)
			}
		}
	}
}

func addName(v any, out map[string]struct{}) {
	if s, ok := v.(string); ok {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
}

// ExtractFailureMessage returns a human-readable reason for a failed or
// canceled item: session errors, then result-node errors, then status-level
// fields, then "Unknown error".
func ExtractFailureMessage(payload any) string {
	root, _ := payload.(map[string]any)
	session, _ := root["session"].(map[string]any)

	if msg := joinStrings(lookup(session, "errors")); msg != "" {
		return msg
	}
	if results, ok := lookup(session, "results").(map[string]any); ok {
		var parts []string
		for _, id := range sortedKeys(results) {
			node, _ := results[id].(map[string]any)
			for _, key := range []string{"error", "error_message"} {
				if s := stringValue(node[key]); s != "" {
					parts = append(parts, s)
					break
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	for _, key := range []string{"error_message", "error", "error_reason"} {
		if s := stringValue(root[key]); s != "" {
			if errType := stringValue(root["error_type"]); errType != "" && key == "error_message" {
				return errType + ": " + s
			}
			return s
		}
	}
	return "Unknown error"
}

func joinStrings(v any) string {
	var parts []string
	switch node := v.(type) {
	case map[string]any:
		for _, key := range sortedKeys(node) {
			if s := stringValue(node[key]); s != "" {
				parts = append(parts, s)
			}
		}
	case []any:
		for _, item := range node {
			if s := stringValue(item); s != "" {
				parts = append(parts, s)
			}
		}
	case string:
		return strings.TrimSpace(node)
	}
	return strings.Join(parts, "; ")
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case map[string]any:
		for _, key := range []string{"message", "error", "detail"} {
			if msg, ok := s[key].(string); ok && strings.TrimSpace(msg) != "" {
				return strings.TrimSpace(msg)
			}
		}
	}
	return ""
}

func lookup(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
