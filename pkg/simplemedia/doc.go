// Package simplemedia provides a content-addressable media ingestion and
// derivative-generation pipeline with pluggable repository, blob storage,
// task queue and event propagation backends.
//
// The Service accepts uploads, validates them against a per-target Policy,
// canonicalizes and hashes the bytes, and either reuses an existing ORIGINAL
// with the same (hash, type) or stores a new one and enqueues a variant task.
// Variants are produced asynchronously by the worker subpackage and announced
// through the events subpackage.
//
// # Storage Key Convention
//
// Originals are stored under {type}/{ownerId}/{randomId}.{ext} and variants
// under {originalKey without extension}__{suffix}.{ext}. Deletion tooling and
// CDN rules rely on this layout; see the objectkey subpackage.
//
// # Reference Counting
//
// Only ORIGINAL rows carry a reference count. Variants are deleted together
// with their parent once the count reaches zero.
package simplemedia
