package builder

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/forgeworks/specforge/internal/specdoc"
)

// renderedFile is one bundle entry: a slash-separated relative path and
// its content.
type renderedFile struct {
	rel  string
	data []byte
}

// renderBundle produces the full file set for a document: the pretty
// spec, a README, one markup file per component and a shared
// stylesheet. Output order and content depend only on the document.
func renderBundle(doc *specdoc.Document) ([]renderedFile, error) {
	comps := doc.Components()
	if len(comps) == 0 {
		return nil, fmt.Errorf("render: document has no components")
	}

	specJSON, err := json.MarshalIndent(doc.Map(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render spec.json: %w", err)
	}

	files := []renderedFile{
		{rel: "README.md", data: renderREADME(doc)},
		{rel: "spec.json", data: append(specJSON, '\n')},
		{rel: "src/styles.css", data: renderStylesheet(comps)},
	}

	seen := make(map[string]bool, len(comps))
	for _, comp := range comps {
		name, _ := comp["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("render: component without a name")
		}
		if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
			return nil, fmt.Errorf("render: component name %q is not a valid file segment", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("render: duplicate component name %q", name)
		}
		seen[name] = true
		files = append(files, renderedFile{rel: "src/" + name + ".html", data: renderComponentHTML(comp)})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

func renderREADME(doc *specdoc.Document) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.Name())
	fmt.Fprintf(&b, "Generated bundle for capability %s, contract %s.\n\n", doc.CapabilityID(), doc.ContractVersion())
	b.WriteString("Components:\n\n")
	for _, comp := range doc.Components() {
		fmt.Fprintf(&b, "- %v (%v)\n", comp["name"], comp["type"])
	}
	if ia := doc.Interactions(); len(ia) > 0 {
		fmt.Fprintf(&b, "\nInteractions: %s.\n", strings.Join(ia, ", "))
	}
	b.WriteString("\nVerify extracted files against MANIFEST before use.\n")
	return []byte(b.String())
}

func renderStylesheet(comps []map[string]any) []byte {
	var b strings.Builder
	b.WriteString("/* Class names match component names from spec.json. */\n")
	for _, comp := range comps {
		fmt.Fprintf(&b, "\n.%v {\n  display: inline-flex;\n  align-items: center;\n  gap: 0.25rem;\n}\n", comp["name"])
	}
	return []byte(b.String())
}

// renderComponentHTML emits the component's root element: declared
// props as data attributes, an accessible label, and either tabindex
// for interactive components or aria-readonly for read-only ones.
func renderComponentHTML(comp map[string]any) []byte {
	name, _ := comp["name"].(string)
	typ, _ := comp["type"].(string)
	props, _ := comp["props"].(map[string]any)

	attrs := [][2]string{
		{"class", name},
		{"data-component", typ},
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, [2]string{"data-" + strings.ReplaceAll(k, "_", "-"), attrValue(props[k])})
	}
	attrs = append(attrs, [2]string{"aria-label", strings.ReplaceAll(name, "-", " ")})
	if isTrue(props["readonly"]) {
		attrs = append(attrs, [2]string{"aria-readonly", "true"})
	} else {
		attrs = append(attrs, [2]string{"tabindex", "0"})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<!-- %s: %s component -->\n", name, typ)
	b.WriteString("<div\n")
	for _, a := range attrs {
		fmt.Fprintf(&b, "  %s=\"%s\"\n", a[0], html.EscapeString(a[1]))
	}
	b.WriteString(">\n")
	fmt.Fprintf(&b, "  <span class=\"%s__slot\" data-slot=\"content\"></span>\n", html.EscapeString(name))
	b.WriteString("</div>\n")
	return []byte(b.String())
}

func attrValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
