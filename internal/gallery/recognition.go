package gallery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ProcessedFaces returns the face details stored for an image by an earlier
// detection, in face index order.
func (s *Store) ProcessedFaces(ctx context.Context, imageID int64) ([]json.RawMessage, error) {
	var docs []string
	err := s.db.SelectContext(ctx, &docs, s.q(`SELECT face_details FROM {rek}.processed_faces WHERE piwigo_image_id = ? ORDER BY face_index`), imageID)
	if err != nil {
		return nil, fmt.Errorf("load processed faces for image %d: %w", imageID, err)
	}
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, json.RawMessage(d))
	}
	return out, nil
}

// SaveProcessedFaces records the faces detected on an image. details[i] is stored as face index i.
func (s *Store) SaveProcessedFaces(ctx context.Context, imageID int64, details []json.RawMessage) error {
	if len(details) == 0 || s.skipWrite("save_processed_faces", "image_id", imageID, "faces", len(details)) {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for i, d := range details {
			_, err := tx.ExecContext(ctx, s.q(`INSERT INTO {rek}.processed_faces (piwigo_image_id, face_index, face_details) VALUES (?, ?, ?)`), imageID, i, string(d))
			if err != nil {
				return fmt.Errorf("save face %d of image %d: %w", i, imageID, err)
			}
		}
		return nil
	})
}

// SetMatchedFace records which indexed face a detected face matched.
func (s *Store) SetMatchedFace(ctx context.Context, imageID int64, faceIndex int, faceID string) error {
	if s.skipWrite("set_matched_face", "image_id", imageID, "face_index", faceIndex) {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE {rek}.processed_faces SET matched_to_face_id = ? WHERE piwigo_image_id = ? AND face_index = ?`), faceID, imageID, faceIndex)
	if err != nil {
		return fmt.Errorf("record face match for image %d: %w", imageID, err)
	}
	return nil
}

// ImageLabels returns the stored labels of an image at or above minConfidence.
func (s *Store) ImageLabels(ctx context.Context, imageID int64, minConfidence float64) ([]string, error) {
	var labels []string
	err := s.db.SelectContext(ctx, &labels, s.q(`SELECT label FROM {rek}.image_labels WHERE piwigo_image_id = ? AND confidence >= ?`), imageID, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("load labels for image %d: %w", imageID, err)
	}
	return labels, nil
}

// SaveImageLabels stores the labels detected on an image.
func (s *Store) SaveImageLabels(ctx context.Context, imageID int64, labels []Label) error {
	if len(labels) == 0 || s.skipWrite("save_image_labels", "image_id", imageID, "labels", len(labels)) {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, l := range labels {
			parents := string(l.Parents)
			if parents == "" {
				parents = "[]"
			}
			_, err := tx.ExecContext(ctx, s.q(`INSERT INTO {rek}.image_labels (piwigo_image_id, label, confidence, parents) VALUES (?, ?, ?, ?)`), imageID, l.Name, l.Confidence, parents)
			if err != nil {
				return fmt.Errorf("save label %q for image %d: %w", l.Name, imageID, err)
			}
		}
		return nil
	})
}

// ImagesWithLabel lists images whose stored labels match the name of tagID.
func (s *Store) ImagesWithLabel(ctx context.Context, tagID int64, minConfidence float64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, s.q(`
SELECT DISTINCT il.piwigo_image_id
FROM {rek}.image_labels il
JOIN {pwgo}.tags t ON t.name = il.label
WHERE t.id = ? AND il.confidence >= ?`), tagID, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("list images labelled like tag %d: %w", tagID, err)
	}
	return ids, nil
}

// UnappliedLabelTags lists image/tag pairs where a stored label matches a tag
// the image does not have yet.
func (s *Store) UnappliedLabelTags(ctx context.Context, minConfidence float64) ([]ImageTag, error) {
	var pairs []ImageTag
	err := s.db.SelectContext(ctx, &pairs, s.q(`
SELECT DISTINCT il.piwigo_image_id, t.id AS tag_id
FROM {rek}.image_labels il
JOIN {pwgo}.tags t ON t.name = il.label
LEFT JOIN {pwgo}.image_tag it ON it.image_id = il.piwigo_image_id AND it.tag_id = t.id
WHERE it.image_id IS NULL AND il.confidence >= ?`), minConfidence)
	if err != nil {
		return nil, fmt.Errorf("list unapplied label tags: %w", err)
	}
	return pairs, nil
}

// SaveIndexedFaces records faces added to the recognition collection.
func (s *Store) SaveIndexedFaces(ctx context.Context, imageID, albumID int64, faces []FaceRecord) error {
	if len(faces) == 0 || s.skipWrite("save_indexed_faces", "image_id", imageID, "faces", len(faces)) {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, f := range faces {
			_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO {rek}.indexed_faces (face_id, image_id, piwigo_image_id, piwigo_category_id, face_confidence, face_details)
VALUES (?, ?, ?, ?, ?, ?)`), f.FaceID, f.ImageID, imageID, albumID, f.Confidence, string(f.Details))
			if err != nil {
				return fmt.Errorf("save indexed face %s: %w", f.FaceID, err)
			}
		}
		return nil
	})
}

// DeleteIndexedFaces forgets faces removed from the recognition collection.
func (s *Store) DeleteIndexedFaces(ctx context.Context, faceIDs []string) error {
	if len(faceIDs) == 0 || s.skipWrite("delete_indexed_faces", "faces", len(faceIDs)) {
		return nil
	}
	query, args, err := s.in(`DELETE FROM {rek}.indexed_faces WHERE face_id IN (?)`, faceIDs)
	if err != nil {
		return fmt.Errorf("build indexed face delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete indexed faces: %w", err)
	}
	return nil
}
