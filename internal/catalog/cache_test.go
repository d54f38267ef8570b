package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/curatehq/roundkeeper/internal/faults"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubContentClient struct {
	items         map[int64]ItemPayload
	authors       map[int64]AuthorPayload
	authorsByName map[string]AuthorPayload
	itemCalls     int
	authorCalls   int
}

func (s *stubContentClient) Item(_ context.Context, id int64) (ItemPayload, error) {
	s.itemCalls++
	payload, ok := s.items[id]
	if !ok {
		return ItemPayload{}, faults.NotFound("catalog.fetch_item", "missing_upstream", nil)
	}
	return payload, nil
}

func (s *stubContentClient) AuthorByID(_ context.Context, id int64) (AuthorPayload, error) {
	s.authorCalls++
	payload, ok := s.authors[id]
	if !ok {
		return AuthorPayload{}, faults.NotFound("catalog.fetch_author", "missing_upstream", nil)
	}
	return payload, nil
}

func (s *stubContentClient) AuthorByName(_ context.Context, name string) (AuthorPayload, error) {
	payload, ok := s.authorsByName[name]
	if !ok {
		return AuthorPayload{}, faults.NotFound("catalog.fetch_author", "missing_upstream", nil)
	}
	return payload, nil
}

type recordingRecomputer struct {
	itemIDs []int64
}

func (r *recordingRecomputer) RecomputeCompletion(_ *gorm.DB, itemID int64) error {
	r.itemIDs = append(r.itemIDs, itemID)
	return nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "catalog.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&ContentItem{}, &ItemVariant{}, &Author{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func newTestCache(t *testing.T, db *gorm.DB, client ContentClient, recomputer CompletionRecomputer, clock func() time.Time) *Cache {
	t.Helper()
	cache, err := NewCache(CacheConfig{
		Database:   db,
		Client:     client,
		Completion: recomputer,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	return cache
}

func TestContentItemFreshHitSkipsNetwork(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	client := &stubContentClient{}
	cache := newTestCache(t, db, client, nil, func() time.Time { return now })

	seeded := ContentItem{
		ID:           10,
		Title:        "Tidal",
		Artist:       "Cove",
		SubmitterID:  501,
		Status:       ItemStatusPending,
		LastSyncedAt: now.Add(-time.Hour),
	}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}

	item, err := cache.ContentItem(context.Background(), 10, FetchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Title != "Tidal" {
		t.Fatalf("unexpected item: %+v", item)
	}
	if client.itemCalls != 0 {
		t.Fatalf("fresh hit must not call the content api, saw %d calls", client.itemCalls)
	}
}

func TestContentItemStaleRowRefetches(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	client := &stubContentClient{
		items: map[int64]ItemPayload{
			10: {
				ID: 10, Title: "Tidal (Remaster)", Artist: "Cove", SubmitterID: 501,
				FavouriteCount: 7, PlayCount: 900, Status: "pending",
				Variants: []VariantPayload{
					{ID: 100, Name: "Calm", AuthorID: 501, StarRating: 2.5},
					{ID: 101, Name: "Storm", AuthorID: 502, StarRating: 5.1},
				},
			},
		},
		authors: map[int64]AuthorPayload{
			501: {ID: 501, Name: "cove", Country: "gb"},
			502: {ID: 502, Name: "gale", Country: "de"},
		},
	}
	cache := newTestCache(t, db, client, nil, func() time.Time { return now })

	stale := ContentItem{
		ID:           10,
		Title:        "Tidal",
		SubmitterID:  501,
		Status:       ItemStatusPending,
		LastSyncedAt: now.Add(-entityTTL - time.Hour),
	}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	if err := db.Create(&ItemVariant{VariantID: 99, ItemID: 10, Name: "Old", AuthorID: 501}).Error; err != nil {
		t.Fatalf("failed to seed variant: %v", err)
	}

	item, err := cache.ContentItem(context.Background(), 10, FetchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Title != "Tidal (Remaster)" {
		t.Fatalf("expected refreshed title, got %q", item.Title)
	}
	if client.itemCalls != 1 {
		t.Fatalf("expected one content api call, saw %d", client.itemCalls)
	}

	variants, err := cache.Variants(context.Background(), 10)
	if err != nil {
		t.Fatalf("failed to load variants: %v", err)
	}
	if len(variants) != 2 || variants[0].VariantID != 100 || variants[1].VariantID != 101 {
		t.Fatalf("expected wholesale variant replacement, got %+v", variants)
	}

	var author Author
	if err := db.Where("id = ?", int64(502)).Take(&author).Error; err != nil {
		t.Fatalf("expected referenced author to be cached: %v", err)
	}
	if author.Country != "DE" {
		t.Fatalf("expected uppercased country, got %q", author.Country)
	}
}

func TestContentItemForceUpdateClearsTombstone(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	client := &stubContentClient{
		items: map[int64]ItemPayload{
			10: {ID: 10, Title: "Tidal", SubmitterID: 501, Status: "draft"},
		},
		authors: map[int64]AuthorPayload{501: {ID: 501, Name: "cove"}},
	}
	cache := newTestCache(t, db, client, nil, func() time.Time { return now })

	deletedAt := now.Add(-time.Hour)
	if err := db.Create(&ContentItem{
		ID: 10, Title: "Tidal", SubmitterID: 501, Status: ItemStatusDraft,
		LastSyncedAt: now.Add(-time.Hour), DeletedAt: &deletedAt,
	}).Error; err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}

	item, err := cache.ContentItem(context.Background(), 10, FetchOptions{ForceUpdate: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !item.Active() {
		t.Fatalf("expected re-fetched item to be active")
	}

	var stored ContentItem
	if err := db.Where("id = ?", int64(10)).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload item: %v", err)
	}
	if stored.DeletedAt != nil {
		t.Fatalf("expected tombstone to be cleared on successful re-fetch")
	}
}

func TestContentItemMissingUpstream(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	client := &stubContentClient{}
	cache := newTestCache(t, db, client, nil, func() time.Time { return now })

	_, err := cache.ContentItem(context.Background(), 77, FetchOptions{})
	if faults.KindOf(err) != faults.KindNotFound {
		t.Fatalf("expected not_found fault for uncached missing item, got %v", err)
	}

	if err := db.Create(&ContentItem{
		ID: 78, Title: "Gone", SubmitterID: 501, Status: ItemStatusPending,
		LastSyncedAt: now.Add(-entityTTL - time.Hour),
	}).Error; err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}

	item, err := cache.ContentItem(context.Background(), 78, FetchOptions{})
	if err != nil {
		t.Fatalf("expected cached row without tombstone option, got %v", err)
	}
	if !item.Active() {
		t.Fatalf("row must stay untouched without the tombstone option")
	}

	item, err = cache.ContentItem(context.Background(), 78, FetchOptions{StoreMissingAsTombstone: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Active() {
		t.Fatalf("expected tombstoned item")
	}
	var stored ContentItem
	if err := db.Where("id = ?", int64(78)).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload item: %v", err)
	}
	if stored.DeletedAt == nil || !stored.DeletedAt.Equal(now) {
		t.Fatalf("expected deleted_at to record the sync time, got %v", stored.DeletedAt)
	}
}

func TestContentItemMissingAuthorStoresBannedPlaceholder(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	client := &stubContentClient{
		items: map[int64]ItemPayload{
			10: {
				ID: 10, Title: "Tidal", SubmitterID: 501, Status: "pending",
				Variants: []VariantPayload{{ID: 100, Name: "Calm", AuthorID: 666}},
			},
		},
		authors: map[int64]AuthorPayload{501: {ID: 501, Name: "cove"}},
	}
	cache := newTestCache(t, db, client, nil, func() time.Time { return now })

	if _, err := cache.ContentItem(context.Background(), 10, FetchOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var placeholder Author
	if err := db.Where("id = ?", int64(666)).Take(&placeholder).Error; err != nil {
		t.Fatalf("expected placeholder author row: %v", err)
	}
	if !placeholder.Banned {
		t.Fatalf("expected placeholder to be marked banned")
	}
}

func TestContentItemPublishedTriggersRecompute(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	client := &stubContentClient{
		items: map[int64]ItemPayload{
			10: {ID: 10, Title: "Tidal", SubmitterID: 501, Status: "published"},
			11: {ID: 11, Title: "Drift", SubmitterID: 501, Status: "pending"},
		},
		authors: map[int64]AuthorPayload{501: {ID: 501, Name: "cove"}},
	}
	recomputer := &recordingRecomputer{}
	cache := newTestCache(t, db, client, recomputer, func() time.Time { return now })

	if _, err := cache.ContentItem(context.Background(), 10, FetchOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.ContentItem(context.Background(), 11, FetchOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(recomputer.itemIDs) != 1 || recomputer.itemIDs[0] != 10 {
		t.Fatalf("expected recompute only for the published item, got %v", recomputer.itemIDs)
	}
}

func TestAuthorMintedRowNeverRefetched(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	client := &stubContentClient{}
	cache := newTestCache(t, db, client, nil, func() time.Time { return now })

	minted := Author{
		ID:           MintedAuthorIDFloor + 3,
		Name:         "ghost",
		Banned:       true,
		LastSyncedAt: now.Add(-entityTTL - time.Hour),
	}
	if err := db.Create(&minted).Error; err != nil {
		t.Fatalf("failed to seed author: %v", err)
	}

	author, err := cache.Author(context.Background(), minted.ID, FetchOptions{ForceUpdate: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if author.Name != "ghost" {
		t.Fatalf("unexpected author: %+v", author)
	}
	if client.authorCalls != 0 {
		t.Fatalf("minted author must not hit the content api, saw %d calls", client.authorCalls)
	}
}

func TestAuthorFallsBackToCacheWhenUpstreamMissing(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	client := &stubContentClient{}
	cache := newTestCache(t, db, client, nil, func() time.Time { return now })

	if err := db.Create(&Author{
		ID: 501, Name: "cove", LastSyncedAt: now.Add(-entityTTL - time.Hour),
	}).Error; err != nil {
		t.Fatalf("failed to seed author: %v", err)
	}

	author, err := cache.Author(context.Background(), 501, FetchOptions{})
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if author.Name != "cove" {
		t.Fatalf("unexpected author: %+v", author)
	}

	var stored Author
	if err := db.Where("id = ?", int64(501)).Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload author: %v", err)
	}
	if !stored.Banned {
		t.Fatalf("expected upstream 404 to mark the cached author banned")
	}
}

func TestAuthorByNameMintsIncreasingIDs(t *testing.T) {
	db := openTestDatabase(t)
	now := time.Unix(1700000000, 0).UTC()
	client := &stubContentClient{
		authorsByName: map[string]AuthorPayload{
			"cove": {ID: 501, Name: "cove", Country: "gb"},
		},
	}
	cache := newTestCache(t, db, client, nil, func() time.Time { return now })

	resolved, err := cache.AuthorByName(context.Background(), "cove")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.ID != 501 || resolved.Minted() {
		t.Fatalf("resolvable author must keep the external id, got %+v", resolved)
	}

	first, err := cache.AuthorByName(context.Background(), "vanished")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != MintedAuthorIDFloor {
		t.Fatalf("expected first minted id at the floor, got %d", first.ID)
	}
	if !first.Banned {
		t.Fatalf("expected minted author to be marked banned")
	}

	second, err := cache.AuthorByName(context.Background(), "erased")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != MintedAuthorIDFloor+1 {
		t.Fatalf("expected strictly increasing minted ids, got %d", second.ID)
	}

	again, err := cache.AuthorByName(context.Background(), "vanished")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("repeated lookup must reuse the minted id, got %d and %d", first.ID, again.ID)
	}
}
