package gallery

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrImageNotFound is returned when an image id has no row in the images table.
	ErrImageNotFound = errors.New("image not found")
	// ErrAlbumNotFound is returned when an album id has no row in the categories table.
	ErrAlbumNotFound = errors.New("album not found")
)

// Image is the subset of a gallery image row the agent works with.
type Image struct {
	ID   int64  `db:"id"`
	File string `db:"file"`
	Path string `db:"path"`
}

// AlbumImage is an image together with the album it was selected through.
type AlbumImage struct {
	Image
	AlbumID int64 `db:"category_id"`
}

// Metadata is the gallery-side metadata written into image files.
type Metadata struct {
	Name       string
	Comment    string
	Author     string
	CreateDate *time.Time
	Tags       []string
}

type rawMetadata struct {
	Name         *string  `json:"name"`
	Comment      *string  `json:"comment"`
	Author       *string  `json:"author"`
	DateCreation *string  `json:"date_creation"`
	Tags         []string `json:"tags"`
}

// Label is a scene label detected on an image.
type Label struct {
	Name       string          `json:"Name"`
	Confidence float64         `json:"Confidence"`
	Parents    json.RawMessage `json:"Parents,omitempty"`
}

// FaceRecord is a face stored in the recognition collection.
type FaceRecord struct {
	FaceID          string
	ImageID         string
	ExternalImageID string
	Confidence      float64
	Details         json.RawMessage
}

// ImageTag pairs an image with a tag to apply.
type ImageTag struct {
	ImageID int64 `db:"piwigo_image_id"`
	TagID   int64 `db:"tag_id"`
}

// VirtualPath is one row of the image_virtual_paths table.
type VirtualPath struct {
	ImageID      int64  `db:"image_id"`
	PhysicalPath string `db:"physical_path"`
	VirtualPath  string `db:"virtual_path"`
}
