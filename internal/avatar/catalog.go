package avatar

import "fmt"

// Picker catalog: deterministic generated avatars the user can choose from
// instead of uploading an image. Each style offers SeedsPerStyle numbered
// seeds; the resulting URL is stored directly on the profile row.

const SeedsPerStyle = 100

// Styles lists the generated-avatar styles in picker order.
var Styles = []string{
	"adventurer",
	"avataaars",
	"big-ears",
	"big-smile",
	"bottts",
	"croodles",
	"fun-emoji",
	"lorelei",
	"pixel-art",
	"thumbs",
}

// PresetURL returns the avatar URL for one style/seed cell of the picker.
func PresetURL(style string, seed int) string {
	return fmt.Sprintf("https://api.dicebear.com/7.x/%s/svg?seed=%s-%d", style, style, seed)
}

// ValidStyle reports whether the picker knows the style.
func ValidStyle(style string) bool {
	for _, s := range Styles {
		if s == style {
			return true
		}
	}
	return false
}

// Catalog returns all preset URLs for one style.
func Catalog(style string) []string {
	if !ValidStyle(style) {
		return nil
	}
	urls := make([]string, SeedsPerStyle)
	for i := range urls {
		urls[i] = PresetURL(style, i)
	}
	return urls
}
