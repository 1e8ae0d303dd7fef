package objectkey

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Generator defines the interface for object key generation strategies
type Generator interface {
	// OriginalKey creates the key of a newly stored ORIGINAL
	OriginalKey(mediaType, ownerID string, id uuid.UUID, ext string) string
	// VariantKey derives the key of a derivative from its ORIGINAL's key
	VariantKey(originalKey, suffix, ext string) string
}

// ConventionGenerator produces the published layout:
//
//	original:   {type}/{ownerId}/{randomId}.{ext}
//	derivative: {originalKey without ext}__{suffix}.{ext}
type ConventionGenerator struct{}

func NewConventionGenerator() *ConventionGenerator {
	return &ConventionGenerator{}
}

func (g *ConventionGenerator) OriginalKey(mediaType, ownerID string, id uuid.UUID, ext string) string {
	owner := sanitizePathComponent(ownerID)
	if owner == "" {
		owner = "anonymous"
	}
	return fmt.Sprintf("%s/%s/%s.%s", strings.ToLower(mediaType), owner, id, ext)
}

func (g *ConventionGenerator) VariantKey(originalKey, suffix, ext string) string {
	return fmt.Sprintf("%s__%s.%s", Stem(originalKey), sanitizePathComponent(suffix), ext)
}

// Stem returns key without its extension. Every derivative key of an ORIGINAL
// starts with the ORIGINAL's stem.
func Stem(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}

// IsVariantKey reports whether key follows the derivative layout.
func IsVariantKey(key string) bool {
	return strings.Contains(path.Base(key), "__")
}

// CustomFuncGenerator allows users to provide their own original key function.
// Derivative keys keep the convention layout.
type CustomFuncGenerator struct {
	ConventionGenerator
	GenerateFunc func(mediaType, ownerID string, id uuid.UUID, ext string) string
}

func NewCustomFuncGenerator(fn func(mediaType, ownerID string, id uuid.UUID, ext string) string) *CustomFuncGenerator {
	return &CustomFuncGenerator{GenerateFunc: fn}
}

func (g *CustomFuncGenerator) OriginalKey(mediaType, ownerID string, id uuid.UUID, ext string) string {
	return g.GenerateFunc(mediaType, ownerID, id, ext)
}

func sanitizePathComponent(component string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
		"..", "_",
	)
	return replacer.Replace(strings.TrimSpace(component))
}

// NewRecommendedGenerator returns the generator used by default
func NewRecommendedGenerator() Generator {
	return NewConventionGenerator()
}
