// Package transform shapes an event's payload before delivery: template
// substitution, field projection and pruning, an optional sandboxed script,
// and conversion to the subscription's wire format.
package transform

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/zachbroad/webhook-engine/internal/model"
	"github.com/zachbroad/webhook-engine/internal/script"
)

// ErrDropped is returned when the custom script discards the event.
var ErrDropped = errors.New("event dropped by transform script")

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Apply returns the payload to send for event under sub's transformation
// config. The event data is never mutated.
func Apply(sub *model.Subscription, event model.Event) (any, error) {
	var payload any = event.Data
	cfg := sub.Transformation
	if !cfg.Enabled {
		return payload, nil
	}

	if cfg.Template != nil {
		payload = applyTemplate(cfg.Template, event.Data)
	}

	if len(cfg.IncludeFields) > 0 {
		payload = Include(payload, cfg.IncludeFields)
	}
	if len(cfg.ExcludeFields) > 0 {
		payload = Exclude(payload, cfg.ExcludeFields)
	}

	if cfg.Script.Enabled && cfg.Script.Body != "" {
		res, err := script.Run(cfg.Script.Body, script.Input{
			Payload:   payload,
			EventType: event.Type,
			EventID:   event.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("transform script: %w", err)
		}
		if res.Dropped {
			return nil, ErrDropped
		}
		payload = res.Payload
	}

	return payload, nil
}

// applyTemplate substitutes {{key}} placeholders with top-level data fields.
// A string that is exactly one placeholder takes the field's value as is;
// unmatched placeholders stay literal.
func applyTemplate(tpl any, data map[string]any) any {
	switch t := tpl.(type) {
	case string:
		if m := placeholder.FindStringSubmatch(t); m != nil && m[0] == t {
			if v, ok := data[m[1]]; ok {
				return clone(v)
			}
			return t
		}
		return placeholder.ReplaceAllStringFunc(t, func(match string) string {
			key := match[2 : len(match)-2]
			v, ok := data[key]
			if !ok {
				return match
			}
			return fmt.Sprint(v)
		})
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = applyTemplate(v, data)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = applyTemplate(v, data)
		}
		return out
	default:
		return t
	}
}

// Include projects the given dot paths of payload into a fresh object.
// Paths that do not resolve are skipped.
func Include(payload any, paths []string) map[string]any {
	out := make(map[string]any)
	for _, path := range paths {
		v, ok := lookup(payload, path)
		if !ok {
			continue
		}
		set(out, path, clone(v))
	}
	return out
}

// Exclude returns a deep copy of payload with the given dot paths removed.
func Exclude(payload any, paths []string) any {
	out := clone(payload)
	for _, path := range paths {
		remove(out, path)
	}
	return out
}

func lookup(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func set(dst map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := dst
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func remove(v any, path string) {
	parts := strings.Split(path, ".")
	cur, ok := v.(map[string]any)
	if !ok {
		return
	}
	for _, part := range parts[:len(parts)-1] {
		cur, ok = cur[part].(map[string]any)
		if !ok {
			return
		}
	}
	delete(cur, parts[len(parts)-1])
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = clone(val)
		}
		return out
	default:
		return t
	}
}
