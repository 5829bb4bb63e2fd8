package workflow

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/fasttemplate"
)

// Template rendering is deliberately narrow: placeholders of the form
// {{ name }} or {{ name.field }} resolve against the parameter context by
// dotted-path lookup only. No expressions, no filters, no access to process
// state. Anything beyond field resolution is rejected.

var placeholderRefPattern = regexp.MustCompile(`\{\{\s*(\w+)\.(\w+)\s*\}\}`)

// templateRefs returns the (node, field) pairs referenced by dotted
// placeholders in s. Used at validation time to confine references to
// declared dependencies.
func templateRefs(s string) [][2]string {
	matches := placeholderRefPattern.FindAllStringSubmatch(s, -1)
	refs := make([][2]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, [2]string{m[1], m[2]})
	}
	return refs
}

var identPattern = regexp.MustCompile(`^\w+(\.\w+)*$`)

// renderTemplate substitutes every {{ ... }} placeholder in tmpl from params.
// An unknown reference or a malformed placeholder is an error; the caller
// surfaces it as a node failure.
func renderTemplate(tmpl string, params map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	var buf bytes.Buffer
	_, err := fasttemplate.ExecuteFunc(tmpl, "{{", "}}", &buf, func(w io.Writer, tag string) (int, error) {
		path := strings.TrimSpace(tag)
		if !identPattern.MatchString(path) {
			return 0, errors.Errorf("unsupported placeholder %q: only dotted field access is allowed", path)
		}
		value, ok := lookupPath(params, strings.Split(path, "."))
		if !ok {
			return 0, errors.Errorf("unresolved placeholder %q", path)
		}
		return io.WriteString(w, formatValue(value))
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func lookupPath(params map[string]any, path []string) (any, bool) {
	var current any = params
	for _, segment := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func formatValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		// Shortest round-trip form, so energies feed back into inputs without
		// precision loss.
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// resolveParameters builds the rendering context for a node and renders every
// string parameter through it. The context is, in increasing precedence:
// node parameters, workflow global parameters, and one sub-map per
// predecessor keyed by its node id holding that predecessor's extracted
// results.
func resolveParameters(node *Node, global map[string]any, depResults map[string]map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(node.Parameters)+len(global)+len(depResults))
	for k, v := range node.Parameters {
		params[k] = v
	}
	for k, v := range global {
		params[k] = v
	}
	for depID, results := range depResults {
		params[depID] = results
	}

	resolved := make(map[string]any, len(params))
	for key, value := range params {
		s, ok := value.(string)
		if !ok {
			resolved[key] = value
			continue
		}
		rendered, err := renderTemplate(s, params)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %q", key)
		}
		resolved[key] = rendered
	}
	return resolved, nil
}
