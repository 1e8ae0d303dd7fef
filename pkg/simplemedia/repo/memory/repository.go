package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

type hashKey struct {
	hash string
	typ  simplemedia.MediaType
}

// Repository implements simplemedia.Repository using in-memory storage.
// It enforces the same uniqueness rules as the postgres schema.
type Repository struct {
	mu       sync.RWMutex
	assets   map[uuid.UUID]*simplemedia.MediaAsset
	byHash   map[hashKey]uuid.UUID     // ORIGINAL rows only
	byKey    map[string]uuid.UUID      // "bucket/key" -> id
	children map[uuid.UUID][]uuid.UUID // parent -> derivatives
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		assets:   make(map[uuid.UUID]*simplemedia.MediaAsset),
		byHash:   make(map[hashKey]uuid.UUID),
		byKey:    make(map[string]uuid.UUID),
		children: make(map[uuid.UUID][]uuid.UUID),
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func (r *Repository) CreateAsset(ctx context.Context, asset *simplemedia.MediaAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[asset.ID]; exists {
		return fmt.Errorf("asset %s already exists", asset.ID)
	}
	if _, exists := r.byKey[objectKey(asset.Bucket, asset.Key)]; exists {
		return fmt.Errorf("key %s already exists in bucket %s", asset.Key, asset.Bucket)
	}
	if asset.RefCount < 0 {
		return fmt.Errorf("ref_count must be non-negative")
	}

	if asset.ParentID == nil {
		hk := hashKey{asset.Hash, asset.Type}
		if _, exists := r.byHash[hk]; exists {
			return simplemedia.ErrDuplicateAsset
		}
		r.byHash[hk] = asset.ID
	} else {
		parent, exists := r.assets[*asset.ParentID]
		if !exists || parent.ParentID != nil {
			return fmt.Errorf("parent %s: %w", *asset.ParentID, simplemedia.ErrAssetNotFound)
		}
		for _, id := range r.children[parent.ID] {
			if r.assets[id].Variant == asset.Variant {
				return fmt.Errorf("variant %s of %s already exists", asset.Variant, parent.ID)
			}
		}
		r.children[parent.ID] = append(r.children[parent.ID], asset.ID)
	}

	assetCopy := *asset
	r.assets[asset.ID] = &assetCopy
	r.byKey[objectKey(asset.Bucket, asset.Key)] = asset.ID
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*simplemedia.MediaAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, exists := r.assets[id]
	if !exists {
		return nil, simplemedia.ErrAssetNotFound
	}
	assetCopy := *asset
	return &assetCopy, nil
}

func (r *Repository) FindOriginalByHash(ctx context.Context, hash string, mediaType simplemedia.MediaType) (*simplemedia.MediaAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byHash[hashKey{hash, mediaType}]
	if !exists {
		return nil, simplemedia.ErrAssetNotFound
	}
	assetCopy := *r.assets[id]
	return &assetCopy, nil
}

func (r *Repository) IncrementRefCount(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, exists := r.assets[id]
	if !exists || asset.ParentID != nil {
		return 0, simplemedia.ErrAssetNotFound
	}
	asset.RefCount++
	asset.UpdatedAt = time.Now().UTC()
	return asset.RefCount, nil
}

func (r *Repository) DecrementRefCount(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, exists := r.assets[id]
	if !exists || asset.ParentID != nil || asset.RefCount <= 0 {
		return 0, simplemedia.ErrAssetNotFound
	}
	asset.RefCount--
	asset.UpdatedAt = time.Now().UTC()
	return asset.RefCount, nil
}

// ListVariants returns derivatives ordered by creation time
func (r *Repository) ListVariants(ctx context.Context, parentID uuid.UUID) ([]*simplemedia.MediaAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*simplemedia.MediaAsset
	for _, id := range r.children[parentID] {
		assetCopy := *r.assets[id]
		out = append(out, &assetCopy)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) DeleteVariants(ctx context.Context, parentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleteChildren(parentID)
	return nil
}

func (r *Repository) deleteChildren(parentID uuid.UUID) {
	for _, id := range r.children[parentID] {
		child := r.assets[id]
		delete(r.byKey, objectKey(child.Bucket, child.Key))
		delete(r.assets, id)
	}
	delete(r.children, parentID)
}

func (r *Repository) DeleteIfUnreferenced(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, exists := r.assets[id]
	if !exists || asset.ParentID != nil || asset.RefCount != 0 {
		return false, nil
	}

	r.deleteChildren(id)
	delete(r.byHash, hashKey{asset.Hash, asset.Type})
	delete(r.byKey, objectKey(asset.Bucket, asset.Key))
	delete(r.assets, id)
	return true, nil
}

func (r *Repository) ListUnreferenced(ctx context.Context, before time.Time, limit int) ([]*simplemedia.MediaAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*simplemedia.MediaAsset
	for _, a := range r.assets {
		if a.ParentID != nil || a.RefCount != 0 || !a.UpdatedAt.Before(before) {
			continue
		}
		assetCopy := *a
		out = append(out, &assetCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) KeyExists(ctx context.Context, bucket, key string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.byKey[objectKey(bucket, key)]
	return exists, nil
}

// Len returns the number of stored rows
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.assets)
}

var _ simplemedia.Repository = (*Repository)(nil)
