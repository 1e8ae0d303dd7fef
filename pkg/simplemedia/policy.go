package simplemedia

import "slices"

// Policy constrains uploads for one (target, type) pair.
type Policy struct {
	MaxWidth       int
	MaxHeight      int
	MaxSizeBytes   int64
	AllowedFormats []string
	// ResizeWidth bounds the canonical ORIGINAL width. Zero keeps the source width.
	ResizeWidth int
	// Single marks targets that hold exactly one asset per owner slot.
	Single bool
}

// Allows reports whether mimeType is in the allowed-format list.
func (p Policy) Allows(mimeType string) bool {
	return slices.Contains(p.AllowedFormats, mimeType)
}

// PolicyKey identifies a Policy.
type PolicyKey struct {
	Target Target
	Type   MediaType
}

// PolicyTable maps (target, type) to constraints.
type PolicyTable map[PolicyKey]Policy

// Lookup returns the policy for target/type.
func (t PolicyTable) Lookup(target Target, mediaType MediaType) (Policy, bool) {
	p, ok := t[PolicyKey{Target: target, Type: mediaType}]
	return p, ok
}

const mib = 1 << 20

var (
	imageFormats  = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	avatarFormats = []string{"image/jpeg", "image/png", "image/webp"}
)

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		{Target: TargetPost, Type: MediaTypeImage}: {
			MaxWidth: 4096, MaxHeight: 4096, MaxSizeBytes: 10 * mib,
			AllowedFormats: imageFormats, ResizeWidth: 1920,
		},
		{Target: TargetComment, Type: MediaTypeImage}: {
			MaxWidth: 2048, MaxHeight: 2048, MaxSizeBytes: 5 * mib,
			AllowedFormats: imageFormats, ResizeWidth: 1280,
		},
		{Target: TargetAvatar, Type: MediaTypeImage}: {
			MaxWidth: 1024, MaxHeight: 1024, MaxSizeBytes: 2 * mib,
			AllowedFormats: avatarFormats, ResizeWidth: 512, Single: true,
		},
	}
}

// VariantSpec configures one derivative rendition.
type VariantSpec struct {
	Variant Variant
	Width   int
	Quality int
	Suffix  string
	Ext     string
}

// DefaultVariantSpecs is the ordered derivative set produced for every ORIGINAL.
func DefaultVariantSpecs() []VariantSpec {
	return []VariantSpec{
		{Variant: VariantThumbnail, Width: 150, Quality: 70, Suffix: "thumb", Ext: "jpg"},
		{Variant: VariantMedium, Width: 600, Quality: 80, Suffix: "medium", Ext: "jpg"},
		{Variant: VariantLarge, Width: 1200, Quality: 85, Suffix: "large", Ext: "jpg"},
	}
}

// CompleteVariantSet reports whether variants holds exactly one row per spec.
func CompleteVariantSet(variants []*MediaAsset, specs []VariantSpec) bool {
	if len(variants) != len(specs) {
		return false
	}
	seen := make(map[Variant]bool, len(variants))
	for _, v := range variants {
		seen[v.Variant] = true
	}
	for _, s := range specs {
		if !seen[s.Variant] {
			return false
		}
	}
	return true
}
