package graph

import (
	"strings"

	"golang.org/x/text/cases"
)

// styleKeywords are generic quality terms routed to the sdxl style input.
var styleKeywords = []string{
	"ugly", "blurry", "blur", "low quality", "bad quality", "worst quality", "normal quality",
	"lowres", "low resolution", "jpeg artifacts", "compression artifacts", "pixelated",
	"grainy", "noisy", "out of focus", "overexposed", "underexposed", "oversaturated",
	"watermark", "signature", "text", "logo", "cropped", "duplicate", "bad art", "amateur",
	"cartoon", "3d", "render", "cgi", "anime", "sketch", "painting", "drawing",
	"deformed", "disfigured", "mutated", "bad anatomy", "poorly drawn",
}

var styleSet = func() map[string]struct{} {
	folder := cases.Fold()
	set := make(map[string]struct{}, len(styleKeywords))
	for _, kw := range styleKeywords {
		set[folder.String(kw)] = struct{}{}
	}
	return set
}()

// SplitNegativePrompt separates a comma-delimited negative prompt into
// content and style parts. Matching is case-insensitive on whole tokens.
func SplitNegativePrompt(negative string) (content, style string) {
	// A Caser is stateful, so each call gets its own.
	folder := cases.Fold()
	var contentParts, styleParts []string
	for _, token := range strings.Split(negative, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if _, ok := styleSet[folder.String(token)]; ok {
			styleParts = append(styleParts, token)
		} else {
			contentParts = append(contentParts, token)
		}
	}
	return strings.Join(contentParts, ", "), strings.Join(styleParts, ", ")
}
