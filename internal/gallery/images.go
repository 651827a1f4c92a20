package gallery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const creationDateLayout = "2006-01-02 15:04:05"

// Image loads the file and path of an image.
func (s *Store) Image(ctx context.Context, id int64) (Image, error) {
	var img Image
	err := s.db.GetContext(ctx, &img, s.q(`SELECT id, file, path FROM {pwgo}.images WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, fmt.Errorf("%w: %d", ErrImageNotFound, id)
	}
	if err != nil {
		return Image{}, fmt.Errorf("load image %d: %w", id, err)
	}
	return img, nil
}

// Metadata loads the metadata document the gallery maintains for an image.
func (s *Store) Metadata(ctx context.Context, id int64) (Metadata, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, s.q(`SELECT image_metadata FROM {pwgo}.image_metadata WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, fmt.Errorf("%w: no metadata for image %d", ErrImageNotFound, id)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("load metadata for image %d: %w", id, err)
	}
	return parseMetadata([]byte(doc))
}

func parseMetadata(doc []byte) (Metadata, error) {
	var raw rawMetadata
	if err := json.Unmarshal(doc, &raw); err != nil {
		return Metadata{}, fmt.Errorf("decode image metadata: %w", err)
	}
	var md Metadata
	if raw.Name != nil {
		md.Name = *raw.Name
	}
	if raw.Comment != nil {
		md.Comment = *raw.Comment
	}
	if raw.Author != nil {
		md.Author = *raw.Author
	}
	if raw.DateCreation != nil && *raw.DateCreation != "" {
		if t, err := time.Parse(creationDateLayout, *raw.DateCreation); err == nil {
			md.CreateDate = &t
		}
	}
	seen := make(map[string]struct{}, len(raw.Tags))
	for _, tag := range raw.Tags {
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		md.Tags = append(md.Tags, tag)
	}
	return md, nil
}

// InAlbum reports whether an image belongs to an album.
func (s *Store) InAlbum(ctx context.Context, imageID, albumID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM {pwgo}.image_category WHERE image_id = ? AND category_id = ?`), imageID, albumID)
	if err != nil {
		return false, fmt.Errorf("check album %d membership of image %d: %w", albumID, imageID, err)
	}
	return n > 0, nil
}

// MoveImage removes an image from one album and, unless it is already
// there, adds it to another.
func (s *Store) MoveImage(ctx context.Context, imageID, from, to int64, alreadyInTarget bool) error {
	if s.skipWrite("move_image", "image_id", imageID, "from", from, "to", to) {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if !alreadyInTarget {
			if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO {pwgo}.image_category (image_id, category_id) VALUES (?, ?)`), imageID, to); err != nil {
				return fmt.Errorf("add image %d to album %d: %w", imageID, to, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM {pwgo}.image_category WHERE image_id = ? AND category_id = ?`), imageID, from); err != nil {
			return fmt.Errorf("remove image %d from album %d: %w", imageID, from, err)
		}
		return nil
	})
}

// ImagesInAlbum lists the images directly in an album.
func (s *Store) ImagesInAlbum(ctx context.Context, albumID int64) ([]Image, error) {
	var imgs []Image
	err := s.db.SelectContext(ctx, &imgs, s.q(`
SELECT i.id, i.file, i.path
FROM {pwgo}.images i
JOIN {pwgo}.image_category ic ON ic.image_id = i.id
WHERE ic.category_id = ?`), albumID)
	if err != nil {
		return nil, fmt.Errorf("list images in album %d: %w", albumID, err)
	}
	return imgs, nil
}

const missingImplicitTags = `
FROM {pwgo}.image_tag it
JOIN {pwgo}.expanded_implicit_tags imp ON imp.triggered_by_tag_id = it.tag_id
LEFT JOIN {pwgo}.image_tag it2 ON it2.image_id = it.image_id AND it2.tag_id = imp.implied_tag_id
WHERE it.image_id = ? AND it2.image_id IS NULL`

// MissingImplicitTags counts implied tags not yet applied to an image.
func (s *Store) MissingImplicitTags(ctx context.Context, imageID int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*)`+missingImplicitTags), imageID); err != nil {
		return 0, fmt.Errorf("count implicit tags for image %d: %w", imageID, err)
	}
	return n, nil
}

// ApplyImplicitTags inserts every implied tag missing from an image.
func (s *Store) ApplyImplicitTags(ctx context.Context, imageID int64) (int64, error) {
	if s.skipWrite("apply_implicit_tags", "image_id", imageID) {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO {pwgo}.image_tag (image_id, tag_id)
SELECT DISTINCT it.image_id, imp.implied_tag_id`+missingImplicitTags), imageID)
	if err != nil {
		return 0, fmt.Errorf("apply implicit tags for image %d: %w", imageID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AddTags applies tags to an image, ignoring those it already has.
func (s *Store) AddTags(ctx context.Context, imageID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 || s.skipWrite("add_tags", "image_id", imageID, "tags", tagIDs) {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, tagID := range tagIDs {
			_, err := tx.ExecContext(ctx, s.q(`INSERT INTO {pwgo}.image_tag (image_id, tag_id) VALUES (?, ?) ON DUPLICATE KEY UPDATE tag_id = tag_id`), imageID, tagID)
			if err != nil {
				return fmt.Errorf("add tag %d to image %d: %w", tagID, imageID, err)
			}
		}
		return nil
	})
}

// TagIDsByName resolves tag names to ids. Unknown names are dropped.
func (s *Store) TagIDsByName(ctx context.Context, names []string) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	query, args, err := s.in(`SELECT id FROM {pwgo}.tags WHERE name IN (?)`, names)
	if err != nil {
		return nil, fmt.Errorf("build tag lookup: %w", err)
	}
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("look up tags by name: %w", err)
	}
	return ids, nil
}

// AlbumTags returns the tag ids declared in an album's comment as
// {"tags": [..]} objects.
func (s *Store) AlbumTags(ctx context.Context, albumID int64) ([]int64, error) {
	var comment sql.NullString
	err := s.db.GetContext(ctx, &comment, s.q(`SELECT comment FROM {pwgo}.categories WHERE id = ?`), albumID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrAlbumNotFound, albumID)
	}
	if err != nil {
		return nil, fmt.Errorf("load album %d comment: %w", albumID, err)
	}
	if !comment.Valid {
		return nil, nil
	}
	return tagsFromComment(comment.String), nil
}

// FaceIndexAlbums lists the child albums of parent, skipping those whose
// name starts with a dot.
func (s *Store) FaceIndexAlbums(ctx context.Context, parent int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.q(`SELECT c.id FROM {pwgo}.categories c WHERE c.id_uppercat = ? AND c.name NOT LIKE ?`), parent, ".%")
	if err != nil {
		return nil, fmt.Errorf("list face index albums under %d: %w", parent, err)
	}
	return ids, nil
}

// FaceIndexImages lists the images in the given albums.
func (s *Store) FaceIndexImages(ctx context.Context, albumIDs []int64) ([]AlbumImage, error) {
	if len(albumIDs) == 0 {
		return nil, nil
	}
	query, args, err := s.in(`
SELECT i.id, i.file, i.path, c.id AS category_id
FROM {pwgo}.images i
JOIN {pwgo}.image_category ic ON ic.image_id = i.id
JOIN {pwgo}.categories c ON c.id = ic.category_id
WHERE c.id IN (?)`, albumIDs)
	if err != nil {
		return nil, fmt.Errorf("build face index image query: %w", err)
	}
	var imgs []AlbumImage
	if err := s.db.SelectContext(ctx, &imgs, query, args...); err != nil {
		return nil, fmt.Errorf("list face index images: %w", err)
	}
	return imgs, nil
}

// VirtualPaths lists every virtual path row.
func (s *Store) VirtualPaths(ctx context.Context) ([]VirtualPath, error) {
	var rows []VirtualPath
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT image_id, physical_path, virtual_path FROM {pwgo}.image_virtual_paths`))
	if err != nil {
		return nil, fmt.Errorf("list virtual paths: %w", err)
	}
	return rows, nil
}
