package catalog

import (
	"time"
)

// ItemStatus enumerates the publication status of an externally-owned item.
type ItemStatus string

const (
	ItemStatusDraft     ItemStatus = "draft"
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusApproved  ItemStatus = "approved"
	ItemStatusQualified ItemStatus = "qualified"
	ItemStatusPublished ItemStatus = "published"
)

// MintedAuthorIDFloor is the reserved band for locally-minted author ids.
// Authors the external API cannot resolve by id (banned or deleted accounts
// looked up by name) receive ids at or above this threshold; ids below it are
// always external.
const MintedAuthorIDFloor int64 = 4294000000

// ContentItem caches an externally-owned content item. Rows are never
// physically deleted; when the external source reports the item missing the
// row is tombstoned through DeletedAt.
type ContentItem struct {
	ID             int64      `gorm:"column:id;primaryKey"`
	Title          string     `gorm:"column:title;size:512;not null"`
	Artist         string     `gorm:"column:artist;size:512;not null;default:''"`
	SubmitterID    int64      `gorm:"column:submitter_id;not null;index"`
	FavouriteCount int64      `gorm:"column:favourite_count;not null;default:0"`
	PlayCount      int64      `gorm:"column:play_count;not null;default:0"`
	Status         ItemStatus `gorm:"column:status;size:32;not null"`
	LastSyncedAt   time.Time  `gorm:"column:last_synced_at;not null"`
	DeletedAt      *time.Time `gorm:"column:deleted_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ContentItem) TableName() string {
	return "content_items"
}

// Active reports whether the item is still present upstream.
func (i ContentItem) Active() bool {
	return i.DeletedAt == nil
}

// ItemVariant caches one constituent variant of a content item. Variants are
// replaced wholesale on every item refresh.
type ItemVariant struct {
	VariantID  int64   `gorm:"column:variant_id;primaryKey"`
	ItemID     int64   `gorm:"column:item_id;not null;index"`
	Name       string  `gorm:"column:name;size:255;not null"`
	AuthorID   int64   `gorm:"column:author_id;not null"`
	StarRating float64 `gorm:"column:star_rating;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ItemVariant) TableName() string {
	return "item_variants"
}

// Author caches an externally-owned creator. Authors below MintedAuthorIDFloor
// mirror the external id space; those at or above it were minted locally for
// accounts the external API cannot resolve.
type Author struct {
	ID           int64     `gorm:"column:id;primaryKey"`
	Name         string    `gorm:"column:name;size:255;not null;index"`
	Banned       bool      `gorm:"column:banned;not null;default:false"`
	Country      string    `gorm:"column:country;size:8;not null;default:''"`
	LastSyncedAt time.Time `gorm:"column:last_synced_at;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Author) TableName() string {
	return "authors"
}

// Minted reports whether the author id was allocated locally.
func (a Author) Minted() bool {
	return a.ID >= MintedAuthorIDFloor
}
