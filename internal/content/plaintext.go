package content

import "strings"

// PlainText extracts the visible text of a block tree for search indexing.
func PlainText(blocks []Block) string {
	var parts []string
	collectText(blocks, &parts)
	return strings.Join(parts, " ")
}

func collectText(blocks []Block, parts *[]string) {
	for _, b := range blocks {
		switch b.Type {
		case "heading", "paragraph":
			if text := propString(b.Props, "text"); text != "" {
				*parts = append(*parts, text)
			}
		case "button":
			if label := propString(b.Props, "label"); label != "" {
				*parts = append(*parts, label)
			}
		case "image":
			if alt := propString(b.Props, "alt"); alt != "" {
				*parts = append(*parts, alt)
			}
		case "columns":
			for _, col := range b.Columns {
				collectText(col, parts)
			}
		case "section":
			collectText(b.Children, parts)
		case "form":
			if label := propString(b.Props, "label"); label != "" {
				*parts = append(*parts, label)
			}
		}
	}
}
