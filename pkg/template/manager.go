// Package template resolves (name, params) pairs into rendered prompt
// strings. Bodies come from the active configuration snapshot; rendered
// strings are cached in a bounded LRU keyed by a stable hash of the
// name and sorted parameters.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/deepthink-mcp/deepthink/pkg/config"
)

// ErrMissingParams indicates required parameters were not supplied.
var ErrMissingParams = errors.New("missing required template parameters")

// MissingParamsError carries the names of the missing parameters.
type MissingParamsError struct {
	Template string
	Missing  []string
}

// Error returns the formatted error message.
func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("template %q: missing required parameters %v", e.Template, e.Missing)
}

// Unwrap returns ErrMissingParams so callers can errors.Is against it.
func (e *MissingParamsError) Unwrap() error {
	return ErrMissingParams
}

// Manager renders templates from the current snapshot. Safe for
// concurrent use: the snapshot is immutable and the cache is
// internally synchronised.
type Manager struct {
	snapshots *config.Holder
	cache     *lru.Cache[uint64, string]
}

// NewManager creates a template manager over the published snapshot.
func NewManager(snapshots *config.Holder) (*Manager, error) {
	size := snapshots.Current().Settings.TemplateCacheSize
	cache, err := lru.New[uint64, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create template cache: %w", err)
	}
	return &Manager{snapshots: snapshots, cache: cache}, nil
}

// Get resolves and renders the named template. Rendering is
// deterministic: identical inputs yield identical strings.
func (m *Manager) Get(name string, params map[string]any) (string, error) {
	snapshot := m.snapshots.Current()
	tpl, err := snapshot.Template(name)
	if err != nil {
		return "", err
	}

	var missing []string
	for _, p := range tpl.RequiredParams {
		if _, ok := params[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &MissingParamsError{Template: name, Missing: missing}
	}

	// Declared optionals that were not supplied render as empty strings.
	effective := params
	copied := false
	for _, p := range tpl.OptionalParams {
		if _, ok := params[p]; ok {
			continue
		}
		if !copied {
			effective = make(map[string]any, len(params)+1)
			for k, v := range params {
				effective[k] = v
			}
			copied = true
		}
		effective[p] = ""
	}

	key := cacheKey(name, effective)
	if rendered, ok := m.cache.Get(key); ok {
		return rendered, nil
	}

	rendered := Render(tpl.Body, effective)
	m.cache.Add(key, rendered)
	return rendered, nil
}

// ListTemplates returns the names of all loaded templates, sorted.
func (m *Manager) ListTemplates() []string {
	names := m.snapshots.Current().TemplateNames()
	sort.Strings(names)
	return names
}

// Reload rebuilds the configuration snapshot and purges the render
// cache. In-flight Get calls keep the snapshot they already took.
func (m *Manager) Reload() error {
	if err := m.snapshots.Reload(); err != nil {
		return err
	}
	m.cache.Purge()
	return nil
}

// Render substitutes every {name} marker in body with the string form
// of params[name]. Markers without a binding are left untouched: the
// validator guarantees declared parameters, and a missing optional is
// rendered by the caller passing "" explicitly or tolerated as-is.
// The body is opaque text; there is no recursion and no evaluation.
func Render(body string, params map[string]any) string {
	out := make([]byte, 0, len(body)+64)
	for i := 0; i < len(body); {
		c := body[i]
		if c != '{' {
			out = append(out, c)
			i++
			continue
		}
		end := markerEnd(body, i)
		if end < 0 {
			out = append(out, c)
			i++
			continue
		}
		name := body[i+1 : end]
		if v, ok := params[name]; ok {
			out = append(out, stringify(v)...)
		} else {
			out = append(out, body[i:end+1]...)
		}
		i = end + 1
	}
	return string(out)
}

// markerEnd returns the index of the closing brace of a {ident} marker
// starting at i, or -1 if body[i:] is not a marker.
func markerEnd(body string, i int) int {
	j := i + 1
	for j < len(body) {
		c := body[j]
		if c == '}' {
			if j == i+1 {
				return -1
			}
			return j
		}
		if !isIdentChar(c, j == i+1) {
			return -1
		}
		j++
	}
	return -1
}

func isIdentChar(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

// stringify renders a parameter value. Scalars keep their natural form;
// composites are encoded as JSON so a sub-question object reads cleanly
// inside a prompt.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// cacheKey hashes the template name and sorted parameters into a stable
// 64-bit key.
func cacheKey(name string, params map[string]any) uint64 {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	for _, k := range names {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{1})
		_, _ = h.Write([]byte(stringify(params[k])))
	}
	return h.Sum64()
}
