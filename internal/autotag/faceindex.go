package autotag

import (
	"context"
	"fmt"
	"slices"

	"github.com/mattjoyce/pwgo-agent/internal/gallery"
	"github.com/mattjoyce/pwgo-agent/internal/recognition"
)

// IsFaceIndexAlbum reports whether albumID was a face index album at the last
// load or sync.
func (t *Tagger) IsFaceIndexAlbum(albumID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.faceAlbums[albumID]
}

// LoadFaceIndexAlbums refreshes the face index album ids from the gallery.
func (t *Tagger) LoadFaceIndexAlbums(ctx context.Context) ([]int64, error) {
	ids, err := t.store.FaceIndexAlbums(ctx, t.opts.Albums.FaceIndexParent)
	if err != nil {
		return nil, err
	}
	albums := make(map[int64]bool, len(ids))
	for _, id := range ids {
		albums[id] = true
	}
	t.mu.Lock()
	t.faceAlbums = albums
	t.mu.Unlock()
	t.logger.Debug("loaded face index albums", "albums", ids)
	return ids, nil
}

// SyncFaceIndex adds and removes collection faces so that the collection holds
// exactly the faces of the images in the face index albums.
func (t *Tagger) SyncFaceIndex(ctx context.Context) error {
	t.logger.Info("beginning face index sync")
	albums, err := t.LoadFaceIndexAlbums(ctx)
	if err != nil {
		return err
	}

	indexed, err := t.client.ListFaces(ctx)
	if err != nil {
		return fmt.Errorf("list indexed faces: %w", err)
	}
	existing := make(map[int64][]string)
	var stray []string
	for _, f := range indexed {
		_, imageID, err := recognition.ParseExternalImageID(f.ExternalImageID)
		if err != nil {
			t.logger.Warn("indexed face has unrecognised external id", "face_id", f.FaceID, "error", err)
			stray = append(stray, f.FaceID)
			continue
		}
		existing[imageID] = append(existing[imageID], f.FaceID)
	}

	wanted, err := t.store.FaceIndexImages(ctx, albums)
	if err != nil {
		return err
	}
	want := make(map[int64]bool, len(wanted))
	for _, w := range wanted {
		want[w.ID] = true
	}

	remove := stray
	for imageID, faceIDs := range existing {
		if !want[imageID] {
			remove = append(remove, faceIDs...)
		}
	}
	if len(remove) > 0 {
		slices.Sort(remove)
		if err := t.removeFaces(ctx, remove); err != nil {
			return err
		}
	}

	added := 0
	for _, w := range wanted {
		if _, ok := existing[w.ID]; ok {
			continue
		}
		// An image filed under two face index albums is indexed once.
		existing[w.ID] = nil
		if err := t.indexImage(ctx, w.Image, w.AlbumID); err != nil {
			return err
		}
		added++
	}

	t.logger.Info("finished face index sync", "albums", len(albums), "added_images", added, "removed_faces", len(remove))
	return nil
}

func (t *Tagger) removeFaces(ctx context.Context, faceIDs []string) error {
	t.logger.Info("removing faces from face index", "faces", len(faceIDs))
	if t.opts.DryRun {
		return nil
	}
	deleted, err := t.client.DeleteFaces(ctx, faceIDs)
	if err != nil {
		return fmt.Errorf("delete indexed faces: %w", err)
	}
	return t.store.DeleteIndexedFaces(ctx, deleted)
}

func (t *Tagger) indexImage(ctx context.Context, img gallery.Image, albumID int64) error {
	t.logger.Info("adding image faces to face index", "image_id", img.ID, "file", img.File, "album_id", albumID)
	if t.opts.DryRun {
		return nil
	}
	l, err := t.imageFile(img)()
	if err != nil {
		return err
	}
	faces, err := t.client.IndexFaces(ctx, l.data, recognition.ExternalImageID(albumID, img.ID))
	if err != nil {
		return fmt.Errorf("index faces of image %d: %w", img.ID, err)
	}
	return t.store.SaveIndexedFaces(ctx, img.ID, albumID, faces)
}
