package simplemedia

import (
	"time"

	"github.com/google/uuid"
)

// MediaType describes what kind of bytes an asset holds.
type MediaType string

// Media type constants (typed).
const (
	MediaTypeImage MediaType = "IMAGE"
	MediaTypeOther MediaType = "OTHER"
)

// IsValid reports whether t is a known media type.
func (t MediaType) IsValid() bool {
	switch t {
	case MediaTypeImage, MediaTypeOther:
		return true
	}
	return false
}

// Target describes how an asset will be used by the surrounding system.
type Target string

// Target constants (typed).
const (
	TargetPost    Target = "POST"
	TargetComment Target = "COMMENT"
	TargetAvatar  Target = "AVATAR"
)

// IsValid reports whether t is a known target.
func (t Target) IsValid() bool {
	switch t {
	case TargetPost, TargetComment, TargetAvatar:
		return true
	}
	return false
}

// Variant tags a stored rendition of an asset.
type Variant string

// Variant constants (typed).
const (
	VariantOriginal  Variant = "ORIGINAL"
	VariantThumbnail Variant = "THUMBNAIL"
	VariantMedium    Variant = "MEDIUM"
	VariantLarge     Variant = "LARGE"
)

// IsValid reports whether v is a known variant.
func (v Variant) IsValid() bool {
	switch v {
	case VariantOriginal, VariantThumbnail, VariantMedium, VariantLarge:
		return true
	}
	return false
}

// MediaAsset is a stored original or one of its derivatives.
//
// Hash is only set on ORIGINAL rows; ParentID is only set on derivative rows.
// RefCount is meaningful for ORIGINAL rows only.
type MediaAsset struct {
	ID        uuid.UUID  `json:"id"`
	Key       string     `json:"key"`
	Bucket    string     `json:"bucket"`
	Type      MediaType  `json:"type"`
	Target    Target     `json:"target"`
	Variant   Variant    `json:"variant"`
	MimeType  string     `json:"mime_type"`
	SizeBytes int64      `json:"size_bytes"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	PublicURL string     `json:"public_url"`
	Hash      string     `json:"hash,omitempty"`
	OwnerID   string     `json:"owner_id"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	RefCount  int        `json:"ref_count"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsOriginal reports whether the asset is an ORIGINAL row.
func (a *MediaAsset) IsOriginal() bool {
	return a.Variant == VariantOriginal && a.ParentID == nil
}

// AssetWithVariants is an ORIGINAL together with its derivative rows.
type AssetWithVariants struct {
	*MediaAsset
	Variants []*MediaAsset `json:"variants"`
}

// VariantRef is the externally visible address of one derivative.
type VariantRef struct {
	Variant   Variant `json:"variant,omitempty"`
	Key       string  `json:"key"`
	PublicURL string  `json:"publicUrl"`
}

// VariantRefs maps derivative rows to their references.
func VariantRefs(variants []*MediaAsset) []VariantRef {
	refs := make([]VariantRef, 0, len(variants))
	for _, v := range variants {
		refs = append(refs, VariantRef{Variant: v.Variant, Key: v.Key, PublicURL: v.PublicURL})
	}
	return refs
}

// ObjectInfo describes a blob held by a BlobStore.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// PutParams carries per-object attributes for BlobStore.Put.
type PutParams struct {
	ContentType string
	Size        int64
}
