// Package recognition wraps the face and label recognition service.
package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/pwgo-agent/internal/gallery"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/mattjoyce/pwgo-agent/internal/recognition Client

// Client is the recognition service surface the agent uses.
type Client interface {
	DetectLabels(ctx context.Context, img []byte) ([]gallery.Label, error)
	DetectFaces(ctx context.Context, img []byte) ([]Face, error)
	// SearchFace returns the best match for the single face in img, or nil
	// when the collection holds no match.
	SearchFace(ctx context.Context, img []byte) (*FaceMatch, error)
	IndexFaces(ctx context.Context, img []byte, externalImageID string) ([]gallery.FaceRecord, error)
	ListFaces(ctx context.Context) ([]IndexedFace, error)
	DeleteFaces(ctx context.Context, faceIDs []string) ([]string, error)
}

// Box is a bounding box expressed as ratios of the image size.
type Box struct {
	Left   float64 `json:"Left"`
	Top    float64 `json:"Top"`
	Width  float64 `json:"Width"`
	Height float64 `json:"Height"`
}

// Face is a face located in an image.
type Face struct {
	Index       int     `json:"index"`
	BoundingBox Box     `json:"BoundingBox"`
	Confidence  float64 `json:"Confidence"`
}

// ParseFace decodes a face stored by an earlier detection.
func ParseFace(doc json.RawMessage) (Face, error) {
	var f Face
	if err := json.Unmarshal(doc, &f); err != nil {
		return Face{}, fmt.Errorf("decode face details: %w", err)
	}
	return f, nil
}

// FaceMatch is a collection face matched against a query face.
type FaceMatch struct {
	FaceID          string
	ExternalImageID string
	Similarity      float64
}

// IndexedFace is a face held in the collection.
type IndexedFace struct {
	FaceID          string
	ExternalImageID string
}

const externalIDSep = ":"

// ExternalImageID tags an indexed face with the album and image it came from.
func ExternalImageID(albumID, imageID int64) string {
	return fmt.Sprintf("%d%s%d", albumID, externalIDSep, imageID)
}

// ParseExternalImageID splits an id built by ExternalImageID.
func ParseExternalImageID(id string) (albumID, imageID int64, err error) {
	album, image, ok := strings.Cut(id, externalIDSep)
	if !ok {
		return 0, 0, fmt.Errorf("external image id %q: missing separator", id)
	}
	if _, err := fmt.Sscan(album, &albumID); err != nil {
		return 0, 0, fmt.Errorf("external image id %q: album: %w", id, err)
	}
	if _, err := fmt.Sscan(image, &imageID); err != nil {
		return 0, 0, fmt.Errorf("external image id %q: image: %w", id, err)
	}
	return albumID, imageID, nil
}
