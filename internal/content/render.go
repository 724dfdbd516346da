package content

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// AssetResolver maps an asset ID to a URL the public page can load it from.
// It may return "" when the asset is unknown or the object store is down.
type AssetResolver func(assetID string) string

// RenderBlocks renders a normalized block tree to HTML. All text passes
// through html escaping; resolve may be nil when no image blocks are
// expected to carry asset refs.
func RenderBlocks(blocks []Block, resolve AssetResolver) string {
	var sb strings.Builder
	for _, b := range blocks {
		renderBlock(&sb, b, resolve)
	}
	return sb.String()
}

func renderBlock(sb *strings.Builder, b Block, resolve AssetResolver) {
	style := styleAttr(b.Style)

	switch b.Type {
	case "heading":
		level, _ := propInt(b.Props, "level")
		if level < 1 || level > 3 {
			level = 2
		}
		fmt.Fprintf(sb, "<h%d%s>%s</h%d>\n", level, style, html.EscapeString(propString(b.Props, "text")), level)
	case "paragraph":
		fmt.Fprintf(sb, "<p%s>%s</p>\n", style, html.EscapeString(propString(b.Props, "text")))
	case "button":
		href := propString(b.Props, "href")
		label := propString(b.Props, "label")
		fmt.Fprintf(sb, `<p%s><a class="btn" href="%s">%s</a></p>`+"\n", style, html.EscapeString(href), html.EscapeString(label))
	case "image":
		src := propString(b.Props, "src")
		if assetID := propString(b.Props, "asset_id"); assetID != "" && resolve != nil {
			if resolved := resolve(assetID); resolved != "" {
				src = resolved
			}
		}
		if src == "" {
			return
		}
		fmt.Fprintf(sb, `<img%s src="%s" alt="%s">`+"\n", style, html.EscapeString(src), html.EscapeString(propString(b.Props, "alt")))
	case "columns":
		fmt.Fprintf(sb, `<div class="columns"%s>`+"\n", style)
		for _, col := range b.Columns {
			sb.WriteString(`<div class="column">` + "\n")
			for _, child := range col {
				renderBlock(sb, child, resolve)
			}
			sb.WriteString("</div>\n")
		}
		sb.WriteString("</div>\n")
	case "section":
		fmt.Fprintf(sb, `<section%s>`+"\n", style)
		for _, child := range b.Children {
			renderBlock(sb, child, resolve)
		}
		sb.WriteString("</section>\n")
	case "form":
		formID := propString(b.Props, "form_id")
		if propString(b.Props, "mode") == "link" {
			label := propString(b.Props, "label")
			if label == "" {
				label = "Open form"
			}
			fmt.Fprintf(sb, `<p%s><a class="btn" href="/p/forms/%s">%s</a></p>`+"\n", style, html.EscapeString(formID), html.EscapeString(label))
			return
		}
		fmt.Fprintf(sb, `<div class="form-embed" data-form-id="%s"%s></div>`+"\n", html.EscapeString(formID), style)
	}
}

var sizeToCSS = map[string]string{
	"sm": "0.875rem",
	"md": "1rem",
	"lg": "1.25rem",
}

// styleAttr builds a deterministic inline style attribute from normalized
// style props.
func styleAttr(style map[string]any) string {
	if len(style) == 0 {
		return ""
	}
	keys := make([]string, 0, len(style))
	for k := range style {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var rules []string
	for _, k := range keys {
		switch k {
		case "align":
			rules = append(rules, "text-align:"+style[k].(string))
		case "background":
			rules = append(rules, "background-color:"+style[k].(string))
		case "color":
			rules = append(rules, "color:"+style[k].(string))
		case "padding":
			if n, ok := anyToInt(style[k]); ok {
				rules = append(rules, fmt.Sprintf("padding:%.2frem", float64(n)*0.25))
			}
		case "size":
			if css, ok := sizeToCSS[style[k].(string)]; ok {
				rules = append(rules, "font-size:"+css)
			}
		}
	}
	if len(rules) == 0 {
		return ""
	}
	return ` style="` + strings.Join(rules, ";") + `"`
}
