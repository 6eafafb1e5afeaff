// Package preview implements the server side of the preview/edit surface: it injects the
// selection helper into generated documents, applies element patches and serializes edited
// documents back to clean HTML.
package preview

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	// SelectedClass marks the element currently selected in the editor.
	SelectedClass = "ai-selected-element"
	// SelectedAttr mirrors SelectedClass as an attribute.
	SelectedAttr   = "data-ai-selected"
	editorStyleID  = "ai-preview-style"
	editorScriptID = "ai-preview-script"
	bodyCloseTag   = "</body>"
)

var (
	//go:embed assets/editor.js
	editorScript string
	//go:embed assets/editor.css
	editorStyle string
)

var (
	// ErrElementNotFound is returned when a selector matches nothing.
	ErrElementNotFound = errors.New("preview: element not found")
	// ErrNoSelection is returned when a patch arrives without a selected element.
	ErrNoSelection = errors.New("preview: no element selected")
	// ErrEmptySelector rejects blank selectors.
	ErrEmptySelector = errors.New("preview: selector required")
)

// trackedStyles lists the inline style properties reported to the editor panel, keyed by
// their camelCase payload names.
var trackedStyles = map[string]string{
	"padding":         "padding",
	"margin":          "margin",
	"backgroundColor": "background-color",
	"color":           "color",
	"fontSize":        "font-size",
}

// ElementStyles is the fixed style subset exchanged with the editor panel.
type ElementStyles struct {
	Padding         string `json:"padding"`
	Margin          string `json:"margin"`
	BackgroundColor string `json:"backgroundColor"`
	Color           string `json:"color"`
	FontSize        string `json:"fontSize"`
}

// ElementSnapshot describes the selected element.
type ElementSnapshot struct {
	TagName   string        `json:"tagName"`
	ClassName string        `json:"className"`
	Text      string        `json:"text"`
	Styles    ElementStyles `json:"styles"`
}

// ElementPatch is either a whole-element patch (text and/or class) or a style patch.
type ElementPatch struct {
	Text      *string           `json:"text,omitempty"`
	ClassName *string           `json:"className,omitempty"`
	Styles    map[string]string `json:"styles,omitempty"`
}

// InjectEditor appends the selection helper style and script to code, before the closing
// body tag when one exists.
func InjectEditor(code string) string {
	if code == "" {
		return ""
	}
	snippet := fmt.Sprintf(`<style id="%s">%s</style><script id="%s">%s</script>`,
		editorStyleID, editorStyle, editorScriptID, editorScript)
	if index := strings.LastIndex(code, bodyCloseTag); index >= 0 {
		return code[:index] + snippet + code[index:]
	}
	return code + snippet
}

// Clean removes every editor artifact from code and re-serializes it.
func Clean(code string) (string, error) {
	document, err := Parse(code)
	if err != nil {
		return "", err
	}
	return document.Code()
}

// Document is a parsed HTML document with at most one selected element.
type Document struct {
	doc      *goquery.Document
	selected *goquery.Selection
}

// Parse builds a Document from raw HTML.
func Parse(code string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(code))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Select marks the first element matching selector and reports its state.
func (d *Document) Select(selector string) (ElementSnapshot, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return ElementSnapshot{}, ErrEmptySelector
	}
	match := d.doc.Find(selector).First()
	if match.Length() == 0 {
		return ElementSnapshot{}, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	d.ClearSelection()
	match.AddClass(SelectedClass)
	match.SetAttr(SelectedAttr, "true")
	d.selected = match
	return snapshotOf(match), nil
}

// Apply patches the selected element and returns its new state.
func (d *Document) Apply(patch ElementPatch) (ElementSnapshot, error) {
	if d.selected == nil {
		return ElementSnapshot{}, ErrNoSelection
	}
	if patch.Text != nil {
		d.selected.SetText(*patch.Text)
	}
	if patch.ClassName != nil {
		classes := strings.Fields(*patch.ClassName)
		classes = append(classes, SelectedClass)
		d.selected.SetAttr("class", strings.Join(dedupe(classes), " "))
	}
	if len(patch.Styles) > 0 {
		declarations := parseStyle(d.selected.AttrOr("style", ""))
		for name, value := range patch.Styles {
			property := cssProperty(name)
			if strings.TrimSpace(value) == "" {
				delete(declarations, property)
				continue
			}
			declarations[property] = strings.TrimSpace(value)
		}
		setStyle(d.selected, declarations)
	}
	return snapshotOf(d.selected), nil
}

// ClearSelection removes all selection markers from the document.
func (d *Document) ClearSelection() {
	d.doc.Find("." + SelectedClass + ", [" + SelectedAttr + "]").Each(func(_ int, element *goquery.Selection) {
		element.RemoveClass(SelectedClass)
		element.RemoveAttr(SelectedAttr)
		if class, ok := element.Attr("class"); ok && strings.TrimSpace(class) == "" {
			element.RemoveAttr("class")
		}
		declarations := parseStyle(element.AttrOr("style", ""))
		if _, ok := declarations["outline"]; ok {
			delete(declarations, "outline")
			setStyle(element, declarations)
		}
	})
	d.selected = nil
}

// Code strips selection artifacts and the injected helper elements, then serializes.
func (d *Document) Code() (string, error) {
	d.ClearSelection()
	d.doc.Find("#" + editorStyleID + ", #" + editorScriptID).Remove()
	html, err := d.doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize document: %w", err)
	}
	return html, nil
}

func snapshotOf(selection *goquery.Selection) ElementSnapshot {
	declarations := parseStyle(selection.AttrOr("style", ""))
	classes := make([]string, 0)
	for _, class := range strings.Fields(selection.AttrOr("class", "")) {
		if class != SelectedClass {
			classes = append(classes, class)
		}
	}
	return ElementSnapshot{
		TagName:   strings.ToUpper(goquery.NodeName(selection)),
		ClassName: strings.Join(classes, " "),
		Text:      strings.TrimSpace(selection.Text()),
		Styles: ElementStyles{
			Padding:         declarations["padding"],
			Margin:          declarations["margin"],
			BackgroundColor: declarations["background-color"],
			Color:           declarations["color"],
			FontSize:        declarations["font-size"],
		},
	}
}

func cssProperty(name string) string {
	trimmed := strings.TrimSpace(name)
	if property, ok := trackedStyles[trimmed]; ok {
		return property
	}
	var builder strings.Builder
	for _, r := range trimmed {
		if r >= 'A' && r <= 'Z' {
			builder.WriteByte('-')
			builder.WriteRune(r + ('a' - 'A'))
			continue
		}
		builder.WriteRune(r)
	}
	return strings.ToLower(builder.String())
}

func parseStyle(raw string) map[string]string {
	declarations := make(map[string]string)
	for _, declaration := range strings.Split(raw, ";") {
		name, value, found := strings.Cut(declaration, ":")
		if !found {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		declarations[name] = value
	}
	return declarations
}

func setStyle(selection *goquery.Selection, declarations map[string]string) {
	if len(declarations) == 0 {
		selection.RemoveAttr("style")
		return
	}
	names := make([]string, 0, len(declarations))
	for name := range declarations {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+declarations[name])
	}
	selection.SetAttr("style", strings.Join(parts, "; ")+";")
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
