package rewrite

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/column-mirror/internal/markup"
	"github.com/JakeFAU/column-mirror/internal/mirror"
	"github.com/JakeFAU/column-mirror/internal/sanitize"
)

// AssetPrefix marks image sources stored next to the page on the remote site.
const AssetPrefix = "assets/"

// Assets returns the distinct images below root whose src starts with
// AssetPrefix, resolved against pageURL. Unresolvable sources are skipped.
func Assets(root markup.Node, pageURL string) []mirror.AssetReference {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var out []mirror.AssetReference
	seen := make(map[string]struct{})
	for _, img := range markup.Elements(root, "img") {
		src, ok := img.Attr("src")
		if !ok || !strings.HasPrefix(src, AssetPrefix) {
			continue
		}
		ref, err := url.Parse(src)
		if err != nil {
			continue
		}
		local := sanitize.Name(sanitize.Basename(ref.Path))
		if _, dup := seen[local]; dup {
			continue
		}
		seen[local] = struct{}{}
		out = append(out, mirror.AssetReference{
			Src:       src,
			URL:       base.ResolveReference(ref).String(),
			LocalName: local,
		})
	}
	return out
}
