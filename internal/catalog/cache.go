package catalog

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/curatehq/roundkeeper/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// entityTTL is the staleness window after which a cached row becomes eligible
// for re-fetch. Within the window a read is served straight from the store.
const entityTTL = 28 * 24 * time.Hour

const (
	opCacheItem   = "catalog.cache_item"
	opCacheAuthor = "catalog.cache_author"
	opMintAuthor  = "catalog.mint_author"
)

var (
	errMissingCacheDatabase = errors.New("database handle is required")
	errMissingCacheClient   = errors.New("content api client is required")
)

// ContentClient is the slice of the external content API the cache consumes.
type ContentClient interface {
	Item(ctx context.Context, id int64) (ItemPayload, error)
	AuthorByID(ctx context.Context, id int64) (AuthorPayload, error)
	AuthorByName(ctx context.Context, name string) (AuthorPayload, error)
}

// CompletionRecomputer re-evaluates derived round completion for an item.
// It runs inside the same transaction as the item upsert so no caller can
// observe a published item next to a stale round state.
type CompletionRecomputer interface {
	RecomputeCompletion(tx *gorm.DB, itemID int64) error
}

// FetchOptions tunes a single cache read.
type FetchOptions struct {
	// ForceUpdate bypasses the staleness window and always re-fetches.
	ForceUpdate bool
	// StoreMissingAsTombstone records an upstream 404 as a deleted_at
	// tombstone on the cached row instead of leaving the row untouched.
	StoreMissingAsTombstone bool
}

// CacheConfig bundles the dependencies for the entity cache.
type CacheConfig struct {
	Database   *gorm.DB
	Client     ContentClient
	Completion CompletionRecomputer
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Cache keeps locally cached rows of externally-owned items and authors fresh
// against the rate-limited content API. It owns content_items, item_variants
// and authors exclusively.
type Cache struct {
	db         *gorm.DB
	client     ContentClient
	completion CompletionRecomputer
	clock      func() time.Time
	logger     *zap.Logger
}

// NewCache constructs the entity cache with validated configuration.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Database == nil {
		return nil, errMissingCacheDatabase
	}
	if cfg.Client == nil {
		return nil, errMissingCacheClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		db:         cfg.Database,
		client:     cfg.Client,
		completion: cfg.Completion,
		clock:      clock,
		logger:     logger,
	}, nil
}

// ContentItem returns the cached item, re-fetching from the external API when
// the row is stale, missing, or ForceUpdate is set. The dominant fresh-hit
// path performs no network I/O.
func (c *Cache) ContentItem(ctx context.Context, id int64, opts FetchOptions) (ContentItem, error) {
	now := c.clock().UTC()

	var cached ContentItem
	cachedErr := c.db.WithContext(ctx).Where("id = ?", id).Take(&cached).Error
	haveCached := cachedErr == nil
	if cachedErr != nil && !errors.Is(cachedErr, gorm.ErrRecordNotFound) {
		return ContentItem{}, faults.Internal(opCacheItem, "item_select_failed", cachedErr).
			WithEntities(itemEntity(id))
	}

	if haveCached && !opts.ForceUpdate && now.Sub(cached.LastSyncedAt) < entityTTL {
		return cached, nil
	}

	payload, err := c.client.Item(ctx, id)
	if err != nil {
		if faults.KindOf(err) == faults.KindNotFound {
			return c.handleMissingItem(ctx, id, cached, haveCached, now, opts)
		}
		return ContentItem{}, err
	}

	status, err := parseItemStatus(payload.Status)
	if err != nil {
		return ContentItem{}, faults.Validation(opCacheItem, "malformed_payload", err).
			WithEntities(itemEntity(id))
	}

	item := ContentItem{
		ID:             payload.ID,
		Title:          payload.Title,
		Artist:         payload.Artist,
		SubmitterID:    payload.SubmitterID,
		FavouriteCount: payload.FavouriteCount,
		PlayCount:      payload.PlayCount,
		Status:         status,
		LastSyncedAt:   now,
	}

	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"title":           item.Title,
				"artist":          item.Artist,
				"submitter_id":    item.SubmitterID,
				"favourite_count": item.FavouriteCount,
				"play_count":      item.PlayCount,
				"status":          item.Status,
				"last_synced_at":  item.LastSyncedAt,
				"deleted_at":      nil,
			}),
		}).Create(&item).Error; err != nil {
			return faults.Internal(opCacheItem, "item_upsert_failed", err).WithEntities(itemEntity(id))
		}

		if err := tx.Where("item_id = ?", id).Delete(&ItemVariant{}).Error; err != nil {
			return faults.Internal(opCacheItem, "variant_replace_failed", err).WithEntities(itemEntity(id))
		}
		for _, variant := range payload.Variants {
			row := ItemVariant{
				VariantID:  variant.ID,
				ItemID:     id,
				Name:       variant.Name,
				AuthorID:   variant.AuthorID,
				StarRating: variant.StarRating,
			}
			if err := tx.Create(&row).Error; err != nil {
				return faults.Internal(opCacheItem, "variant_insert_failed", err).WithEntities(itemEntity(id))
			}
		}

		// Cascaded refresh is bounded to the authors directly referenced by
		// this item; authors reference nothing further.
		for _, authorID := range referencedAuthorIDs(payload) {
			if _, err := c.refreshAuthorTx(ctx, tx, authorID, now); err != nil {
				if faults.KindOf(err) == faults.KindNotFound {
					// The banned placeholder row is already in place.
					continue
				}
				return err
			}
		}

		if item.Status == ItemStatusPublished && c.completion != nil {
			if err := c.completion.RecomputeCompletion(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return ContentItem{}, txErr
	}

	c.logger.Debug("content item refreshed",
		zap.Int64("item_id", id), zap.String("status", string(item.Status)))
	return item, nil
}

// Variants returns the cached variant rows for an item.
func (c *Cache) Variants(ctx context.Context, itemID int64) ([]ItemVariant, error) {
	var variants []ItemVariant
	if err := c.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("variant_id ASC").
		Find(&variants).Error; err != nil {
		return nil, faults.Internal(opCacheItem, "variant_select_failed", err).
			WithEntities(itemEntity(itemID))
	}
	return variants, nil
}

func (c *Cache) handleMissingItem(ctx context.Context, id int64, cached ContentItem, haveCached bool, now time.Time, opts FetchOptions) (ContentItem, error) {
	if !haveCached {
		return ContentItem{}, faults.NotFound(opCacheItem, "missing_upstream", nil).
			WithEntities(itemEntity(id))
	}
	if !opts.StoreMissingAsTombstone {
		return cached, nil
	}
	if cached.DeletedAt == nil {
		if err := c.db.WithContext(ctx).Model(&ContentItem{}).
			Where("id = ? AND deleted_at IS NULL", id).
			Updates(map[string]interface{}{"deleted_at": now, "last_synced_at": now}).
			Error; err != nil {
			return ContentItem{}, faults.Internal(opCacheItem, "tombstone_failed", err).
				WithEntities(itemEntity(id))
		}
		cached.DeletedAt = &now
		cached.LastSyncedAt = now
		c.logger.Info("content item tombstoned", zap.Int64("item_id", id))
	}
	return cached, nil
}

// Author returns the cached author, re-fetching when stale or forced.
func (c *Cache) Author(ctx context.Context, id int64, opts FetchOptions) (Author, error) {
	now := c.clock().UTC()

	var cached Author
	cachedErr := c.db.WithContext(ctx).Where("id = ?", id).Take(&cached).Error
	haveCached := cachedErr == nil
	if cachedErr != nil && !errors.Is(cachedErr, gorm.ErrRecordNotFound) {
		return Author{}, faults.Internal(opCacheAuthor, "author_select_failed", cachedErr).
			WithEntities(authorEntity(id))
	}

	if haveCached && !opts.ForceUpdate && now.Sub(cached.LastSyncedAt) < entityTTL {
		return cached, nil
	}
	// Minted rows have no upstream identity to re-fetch.
	if haveCached && cached.Minted() {
		return cached, nil
	}

	var author Author
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		author, txErr = c.refreshAuthorTx(ctx, tx, id, now)
		return txErr
	})
	if err != nil {
		if faults.KindOf(err) == faults.KindNotFound && haveCached {
			return cached, nil
		}
		return Author{}, err
	}
	return author, nil
}

// AuthorByName resolves an author by display name, minting a local id for
// accounts the external API cannot resolve. Minted ids are strictly
// increasing and never reused.
func (c *Cache) AuthorByName(ctx context.Context, name string) (Author, error) {
	now := c.clock().UTC()

	payload, err := c.client.AuthorByName(ctx, name)
	if err == nil {
		author := authorFromPayload(payload, now)
		if err := c.upsertAuthor(ctx, c.db, author); err != nil {
			return Author{}, err
		}
		return author, nil
	}
	if faults.KindOf(err) != faults.KindNotFound {
		return Author{}, err
	}

	var minted Author
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Author
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ? AND id >= ?", name, MintedAuthorIDFloor).
			Take(&existing).Error
		if err == nil {
			minted = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return faults.Internal(opMintAuthor, "author_select_failed", err).WithEntities("author:" + name)
		}

		var ceiling struct {
			MaxID int64
		}
		if err := tx.Model(&Author{}).
			Select("COALESCE(MAX(id), 0) AS max_id").
			Where("id >= ?", MintedAuthorIDFloor).
			Scan(&ceiling).Error; err != nil {
			return faults.Internal(opMintAuthor, "ceiling_select_failed", err).WithEntities("author:" + name)
		}

		nextID := MintedAuthorIDFloor
		if ceiling.MaxID >= MintedAuthorIDFloor {
			nextID = ceiling.MaxID + 1
		}

		minted = Author{
			ID:           nextID,
			Name:         name,
			Banned:       true,
			LastSyncedAt: now,
		}
		if err := tx.Create(&minted).Error; err != nil {
			return faults.Internal(opMintAuthor, "author_insert_failed", err).WithEntities("author:" + name)
		}
		c.logger.Info("minted local author id",
			zap.String("name", name), zap.Int64("author_id", nextID))
		return nil
	})
	if txErr != nil {
		return Author{}, txErr
	}
	return minted, nil
}

// refreshAuthorTx fetches and upserts one author inside the caller's
// transaction. A 404 for a referenced author stores a banned placeholder so
// the item's references stay resolvable.
func (c *Cache) refreshAuthorTx(ctx context.Context, tx *gorm.DB, id int64, now time.Time) (Author, error) {
	payload, err := c.client.AuthorByID(ctx, id)
	if err != nil {
		if faults.KindOf(err) == faults.KindNotFound {
			placeholder := Author{ID: id, Banned: true, LastSyncedAt: now}
			if upsertErr := c.upsertAuthor(ctx, tx, placeholder); upsertErr != nil {
				return Author{}, upsertErr
			}
			return placeholder, err
		}
		return Author{}, err
	}

	author := authorFromPayload(payload, now)
	if err := c.upsertAuthor(ctx, tx, author); err != nil {
		return Author{}, err
	}
	return author, nil
}

func (c *Cache) upsertAuthor(ctx context.Context, db *gorm.DB, author Author) error {
	assignments := map[string]interface{}{
		"banned":         author.Banned,
		"last_synced_at": author.LastSyncedAt,
	}
	// A 404 placeholder carries no identity; keep whatever the cache knew.
	if author.Name != "" {
		assignments["name"] = author.Name
		assignments["country"] = author.Country
	}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&author).Error; err != nil {
		return faults.Internal(opCacheAuthor, "author_upsert_failed", err).
			WithEntities(authorEntity(author.ID))
	}
	return nil
}

func authorFromPayload(payload AuthorPayload, now time.Time) Author {
	return Author{
		ID:           payload.ID,
		Name:         payload.Name,
		Banned:       payload.Banned,
		Country:      strings.ToUpper(payload.Country),
		LastSyncedAt: now,
	}
}

func referencedAuthorIDs(payload ItemPayload) []int64 {
	seen := map[int64]struct{}{}
	ids := make([]int64, 0, len(payload.Variants)+1)
	if payload.SubmitterID > 0 {
		seen[payload.SubmitterID] = struct{}{}
		ids = append(ids, payload.SubmitterID)
	}
	for _, variant := range payload.Variants {
		if variant.AuthorID <= 0 {
			continue
		}
		if _, ok := seen[variant.AuthorID]; ok {
			continue
		}
		seen[variant.AuthorID] = struct{}{}
		ids = append(ids, variant.AuthorID)
	}
	return ids
}

func itemEntity(id int64) string {
	return "item:" + strconv.FormatInt(id, 10)
}

func authorEntity(id int64) string {
	return "author:" + strconv.FormatInt(id, 10)
}
