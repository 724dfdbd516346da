// Package content defines the page block catalog: parsing, validation,
// normalization, and rendering of block-based page content.
package content

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"beacon/api/internal/util"
)

// MaxBlocks caps the total number of blocks on a page, nested included.
const MaxBlocks = 200

// Block is one typed content unit in a page.
type Block struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Props    map[string]any `json:"props,omitempty"`
	Style    map[string]any `json:"style,omitempty"`
	Children []Block        `json:"children,omitempty"`
	Columns  [][]Block      `json:"columns,omitempty"`
}

// Refs lists the entities a block tree points at. The caller checks they
// exist before accepting the content.
type Refs struct {
	FormIDs  []string
	AssetIDs []string
}

// ValidationError reports the first structural violation found in a block
// tree.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func errAt(path, format string, args ...any) error {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// ParseBlocks decodes a block-array JSON document.
func ParseBlocks(raw []byte) ([]Block, error) {
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, &ValidationError{Path: "blocks", Message: "content is not a block array"}
	}
	return blocks, nil
}

var (
	hexColorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
	assetIDPattern  = regexp.MustCompile(`^ast_[0-9a-f]+$`)
)

// Normalize validates a block tree, coerces and trims prop values, fills in
// missing block IDs, and collects form and asset references. It returns the
// normalized tree; the input is not modified.
func Normalize(blocks []Block) ([]Block, Refs, error) {
	refs := Refs{FormIDs: []string{}, AssetIDs: []string{}}
	count := 0
	normalized, err := normalizeList(blocks, "blocks", 0, false, &count, &refs)
	if err != nil {
		return nil, Refs{}, err
	}
	return normalized, refs, nil
}

func normalizeList(blocks []Block, path string, depth int, inColumns bool, count *int, refs *Refs) ([]Block, error) {
	out := make([]Block, 0, len(blocks))
	for i, b := range blocks {
		blockPath := fmt.Sprintf("%s[%d]", path, i)
		nb, err := normalizeBlock(b, blockPath, depth, inColumns, count, refs)
		if err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, nil
}

func normalizeBlock(b Block, path string, depth int, inColumns bool, count *int, refs *Refs) (Block, error) {
	*count++
	if *count > MaxBlocks {
		return Block{}, errAt(path, "page exceeds %d blocks", MaxBlocks)
	}

	nb := Block{ID: strings.TrimSpace(b.ID), Type: b.Type}
	if nb.ID == "" {
		nb.ID = util.NewID("blk")
	}

	style, err := normalizeStyle(b.Style, path)
	if err != nil {
		return Block{}, err
	}
	nb.Style = style

	switch b.Type {
	case "heading":
		text := strings.TrimSpace(propString(b.Props, "text"))
		if text == "" {
			return Block{}, errAt(path+".props.text", "heading text is required")
		}
		level, ok := propInt(b.Props, "level")
		if !ok {
			level = 2
		}
		if level < 1 || level > 3 {
			return Block{}, errAt(path+".props.level", "heading level must be 1..3")
		}
		nb.Props = map[string]any{"text": text, "level": level}

	case "paragraph":
		nb.Props = map[string]any{"text": strings.TrimSpace(propString(b.Props, "text"))}

	case "button":
		label := strings.TrimSpace(propString(b.Props, "label"))
		if label == "" {
			return Block{}, errAt(path+".props.label", "button label is required")
		}
		href := strings.TrimSpace(propString(b.Props, "href"))
		if !validHref(href) {
			return Block{}, errAt(path+".props.href", "button href must be http(s) or a relative path")
		}
		nb.Props = map[string]any{"label": label, "href": href}

	case "image":
		assetID := strings.TrimSpace(propString(b.Props, "asset_id"))
		src := strings.TrimSpace(propString(b.Props, "src"))
		alt := strings.TrimSpace(propString(b.Props, "alt"))
		switch {
		case assetID != "":
			if !assetIDPattern.MatchString(assetID) {
				return Block{}, errAt(path+".props.asset_id", "not an asset reference")
			}
			refs.AssetIDs = append(refs.AssetIDs, assetID)
			nb.Props = map[string]any{"asset_id": assetID, "alt": alt}
		case isAbsoluteHTTP(src):
			nb.Props = map[string]any{"src": src, "alt": alt}
		default:
			return Block{}, errAt(path+".props", "image needs an asset_id or an absolute http(s) src")
		}

	case "columns":
		if inColumns {
			return Block{}, errAt(path, "columns may not contain columns")
		}
		if depth >= 2 {
			return Block{}, errAt(path, "blocks nest at most 2 levels deep")
		}
		if len(b.Columns) < 2 || len(b.Columns) > 4 {
			return Block{}, errAt(path+".columns", "columns must have 2..4 lists")
		}
		nb.Columns = make([][]Block, 0, len(b.Columns))
		for i, col := range b.Columns {
			colPath := fmt.Sprintf("%s.columns[%d]", path, i)
			normalized, err := normalizeList(col, colPath, depth+1, true, count, refs)
			if err != nil {
				return Block{}, err
			}
			nb.Columns = append(nb.Columns, normalized)
		}

	case "section":
		if depth >= 2 {
			return Block{}, errAt(path, "blocks nest at most 2 levels deep")
		}
		children, err := normalizeList(b.Children, path+".children", depth+1, inColumns, count, refs)
		if err != nil {
			return Block{}, err
		}
		nb.Children = children

	case "form":
		formID := strings.TrimSpace(propString(b.Props, "form_id"))
		if formID == "" {
			return Block{}, errAt(path+".props.form_id", "form block needs a form_id")
		}
		mode := strings.TrimSpace(propString(b.Props, "mode"))
		if mode == "" {
			mode = "embed"
		}
		if mode != "link" && mode != "embed" {
			return Block{}, errAt(path+".props.mode", "form mode must be link or embed")
		}
		label := strings.TrimSpace(propString(b.Props, "label"))
		refs.FormIDs = append(refs.FormIDs, formID)
		nb.Props = map[string]any{"form_id": formID, "mode": mode}
		if label != "" {
			nb.Props["label"] = label
		}

	default:
		return Block{}, errAt(path+".type", "unknown block type %q", b.Type)
	}

	return nb, nil
}

var (
	styleAligns = map[string]bool{"left": true, "center": true, "right": true}
	styleSizes  = map[string]bool{"sm": true, "md": true, "lg": true}
)

// normalizeStyle keeps known style keys with valid values, drops unknown
// keys, and rejects invalid values for known keys.
func normalizeStyle(style map[string]any, path string) (map[string]any, error) {
	if len(style) == 0 {
		return nil, nil
	}
	out := map[string]any{}
	for key, raw := range style {
		switch key {
		case "align":
			v, _ := raw.(string)
			if !styleAligns[v] {
				return nil, errAt(path+".style.align", "align must be left, center, or right")
			}
			out[key] = v
		case "size":
			v, _ := raw.(string)
			if !styleSizes[v] {
				return nil, errAt(path+".style.size", "size must be sm, md, or lg")
			}
			out[key] = v
		case "color", "background":
			v, _ := raw.(string)
			if !hexColorPattern.MatchString(v) {
				return nil, errAt(path+".style."+key, "%s must be a #rgb or #rrggbb color", key)
			}
			out[key] = strings.ToLower(v)
		case "padding":
			v, ok := anyToInt(raw)
			if !ok || v < 0 || v > 8 {
				return nil, errAt(path+".style.padding", "padding must be 0..8")
			}
			out[key] = v
		default:
			// unknown keys are dropped
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func propString(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	v, _ := props[key].(string)
	return v
}

func propInt(props map[string]any, key string) (int, bool) {
	if props == nil {
		return 0, false
	}
	raw, ok := props[key]
	if !ok {
		return 0, false
	}
	return anyToInt(raw)
}

func anyToInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func validHref(href string) bool {
	if isAbsoluteHTTP(href) {
		return true
	}
	return strings.HasPrefix(href, "/")
}

func isAbsoluteHTTP(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}
