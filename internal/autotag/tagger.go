// Package autotag applies tags to gallery images from face matches, detected
// labels and implicit tag rules, and keeps the recognition face collection in
// step with the face index albums.
package autotag

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/pwgo-agent/internal/config"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/gallery"
	"github.com/mattjoyce/pwgo-agent/internal/imaging"
	"github.com/mattjoyce/pwgo-agent/internal/log"
	"github.com/mattjoyce/pwgo-agent/internal/metrics"
	"github.com/mattjoyce/pwgo-agent/internal/recognition"
)

const defaultBacklogConcurrency = 4

// Store is the gallery surface the tagger reads and writes.
type Store interface {
	Image(ctx context.Context, id int64) (gallery.Image, error)
	InAlbum(ctx context.Context, imageID, albumID int64) (bool, error)
	MoveImage(ctx context.Context, imageID, from, to int64, alreadyInTarget bool) error
	ImagesInAlbum(ctx context.Context, albumID int64) ([]gallery.Image, error)

	MissingImplicitTags(ctx context.Context, imageID int64) (int, error)
	ApplyImplicitTags(ctx context.Context, imageID int64) (int64, error)
	AddTags(ctx context.Context, imageID int64, tagIDs []int64) error
	TagIDsByName(ctx context.Context, names []string) ([]int64, error)
	AlbumTags(ctx context.Context, albumID int64) ([]int64, error)

	ProcessedFaces(ctx context.Context, imageID int64) ([]json.RawMessage, error)
	SaveProcessedFaces(ctx context.Context, imageID int64, details []json.RawMessage) error
	SetMatchedFace(ctx context.Context, imageID int64, faceIndex int, faceID string) error
	ImageLabels(ctx context.Context, imageID int64, minConfidence float64) ([]string, error)
	SaveImageLabels(ctx context.Context, imageID int64, labels []gallery.Label) error
	ImagesWithLabel(ctx context.Context, tagID int64, minConfidence float64) ([]int64, error)
	UnappliedLabelTags(ctx context.Context, minConfidence float64) ([]gallery.ImageTag, error)

	FaceIndexAlbums(ctx context.Context, parent int64) ([]int64, error)
	FaceIndexImages(ctx context.Context, albumIDs []int64) ([]gallery.AlbumImage, error)
	SaveIndexedFaces(ctx context.Context, imageID, albumID int64, faces []gallery.FaceRecord) error
	DeleteIndexedFaces(ctx context.Context, faceIDs []string) error
}

// ImageLoader reads an image file and returns it scaled for upload.
type ImageLoader interface {
	Load(path string) (image.Image, []byte, error)
}

// Options configures a Tagger.
type Options struct {
	Albums        config.AlbumsConfig
	MinConfidence float64
	// CropSavePath keeps a copy of every face crop when set.
	CropSavePath       string
	Paths              gallery.PathMapper
	BacklogConcurrency int
	DryRun             bool
	Hub                *events.Hub
	Metrics            *metrics.Metrics
}

// Tagger implements the autotagging actions of image and tag tasks.
type Tagger struct {
	store  Store
	client recognition.Client
	loader ImageLoader
	opts   Options
	logger *slog.Logger

	mu         sync.RWMutex
	faceAlbums map[int64]bool
}

func New(store Store, client recognition.Client, loader ImageLoader, opts Options) *Tagger {
	if opts.BacklogConcurrency <= 0 {
		opts.BacklogConcurrency = defaultBacklogConcurrency
	}
	return &Tagger{
		store:      store,
		client:     client,
		loader:     loader,
		opts:       opts,
		logger:     log.WithComponent("autotag"),
		faceAlbums: make(map[int64]bool),
	}
}

type loadedImage struct {
	img  image.Image
	data []byte
}

// imageFile returns a loader that reads the file of img at most once.
func (t *Tagger) imageFile(img gallery.Image) func() (loadedImage, error) {
	return sync.OnceValues(func() (loadedImage, error) {
		path, err := t.opts.Paths.HostPath(img.Path)
		if err != nil {
			return loadedImage{}, err
		}
		decoded, data, err := t.loader.Load(path)
		if err != nil {
			return loadedImage{}, fmt.Errorf("load image %d: %w", img.ID, err)
		}
		return loadedImage{img: decoded, data: data}, nil
	})
}

// AutotagImage tags an image from its matched faces and detected labels and
// moves it from the auto-tag album to the processed album.
func (t *Tagger) AutotagImage(ctx context.Context, imageID int64) (err error) {
	defer func() { t.opts.Metrics.Action("autotag", err) }()
	logger := t.logger.With("image_id", imageID)

	done, err := t.store.InAlbum(ctx, imageID, t.opts.Albums.AutoTagProcessed)
	if err != nil {
		return err
	}
	if done {
		logger.Warn("image already in processed auto-tag album; skipping autotagging")
		return t.store.MoveImage(ctx, imageID, t.opts.Albums.AutoTag, t.opts.Albums.AutoTagProcessed, true)
	}

	img, err := t.store.Image(ctx, imageID)
	if err != nil {
		return err
	}
	logger.Debug("autotagging image", "file", img.File)
	load := t.imageFile(img)

	var (
		mu   sync.Mutex
		tags = make(map[int64]struct{})
	)
	collect := func(ids []int64) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range ids {
			tags[id] = struct{}{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		faces, err := t.faces(gctx, imageID, load)
		if err != nil {
			return err
		}
		for _, f := range faces {
			f := f // per-iteration copy (go1.22 loopvar semantics under go 1.21)
			g.Go(func() error {
				ids, err := t.faceTags(gctx, imageID, f, load)
				if err != nil {
					return err
				}
				collect(ids)
				return nil
			})
		}
		return nil
	})
	g.Go(func() error {
		ids, err := t.labelTags(gctx, imageID, load)
		if err != nil {
			return err
		}
		collect(ids)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("autotag image %d: %w", imageID, err)
	}

	ids := make([]int64, 0, len(tags))
	for id := range tags {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if len(ids) > 0 {
		logger.Info("adding tags", "file", img.File, "tags", ids)
	}
	if err := t.store.AddTags(ctx, imageID, ids); err != nil {
		return err
	}
	logger.Info("moving image to processed album", "file", img.File)
	return t.store.MoveImage(ctx, imageID, t.opts.Albums.AutoTag, t.opts.Albums.AutoTagProcessed, false)
}

// faces returns the faces stored for an image, detecting and storing them
// first when the image has not been through detection yet.
func (t *Tagger) faces(ctx context.Context, imageID int64, load func() (loadedImage, error)) ([]recognition.Face, error) {
	stored, err := t.store.ProcessedFaces(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		faces := make([]recognition.Face, 0, len(stored))
		for _, doc := range stored {
			f, err := recognition.ParseFace(doc)
			if err != nil {
				return nil, fmt.Errorf("image %d: %w", imageID, err)
			}
			faces = append(faces, f)
		}
		return faces, nil
	}
	if t.opts.DryRun {
		t.logger.Info("dry run: skipping face detection", "image_id", imageID)
		return nil, nil
	}

	l, err := load()
	if err != nil {
		return nil, err
	}
	faces, err := t.client.DetectFaces(ctx, l.data)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	docs := make([]json.RawMessage, 0, len(faces))
	for i := range faces {
		faces[i].Index = i
		doc, err := json.Marshal(faces[i])
		if err != nil {
			return nil, fmt.Errorf("encode face %d: %w", i, err)
		}
		docs = append(docs, doc)
	}
	if err := t.store.SaveProcessedFaces(ctx, imageID, docs); err != nil {
		return nil, err
	}
	t.logger.Debug("detected faces", "image_id", imageID, "faces", len(faces))
	return faces, nil
}

// faceTags crops one face out of the image, matches it against the face
// collection and returns the tags declared by the album the match belongs to.
func (t *Tagger) faceTags(ctx context.Context, imageID int64, f recognition.Face, load func() (loadedImage, error)) ([]int64, error) {
	if t.opts.DryRun {
		return nil, nil
	}
	l, err := load()
	if err != nil {
		return nil, err
	}
	crop, err := imaging.Crop(l.img, imaging.Box{
		Left:   f.BoundingBox.Left,
		Top:    f.BoundingBox.Top,
		Width:  f.BoundingBox.Width,
		Height: f.BoundingBox.Height,
	})
	if err != nil {
		t.logger.Warn("skipping face", "image_id", imageID, "face_index", f.Index, "error", err)
		return nil, nil
	}
	data, err := imaging.EncodeJPEG(crop)
	if err != nil {
		return nil, err
	}
	if t.opts.CropSavePath != "" {
		if path, err := imaging.SaveCrop(t.opts.CropSavePath, data); err != nil {
			t.logger.Warn("failed to save face crop", "error", err)
		} else {
			t.logger.Debug("saved face crop", "image_id", imageID, "face_index", f.Index, "path", path)
		}
	}

	match, err := t.client.SearchFace(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("match face %d: %w", f.Index, err)
	}
	if match == nil {
		return nil, nil
	}
	if err := t.store.SetMatchedFace(ctx, imageID, f.Index, match.FaceID); err != nil {
		return nil, err
	}
	albumID, _, err := recognition.ParseExternalImageID(match.ExternalImageID)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("face matched", "image_id", imageID, "face_index", f.Index, "album_id", albumID, "similarity", match.Similarity)
	return t.store.AlbumTags(ctx, albumID)
}

// labelTags returns the ids of tags named like the labels of an image,
// detecting and storing labels first when none are stored.
func (t *Tagger) labelTags(ctx context.Context, imageID int64, load func() (loadedImage, error)) ([]int64, error) {
	names, err := t.store.ImageLabels(ctx, imageID, t.opts.MinConfidence)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		if t.opts.DryRun {
			t.logger.Info("dry run: skipping label detection", "image_id", imageID)
			return nil, nil
		}
		l, err := load()
		if err != nil {
			return nil, err
		}
		labels, err := t.client.DetectLabels(ctx, l.data)
		if err != nil {
			return nil, fmt.Errorf("detect labels: %w", err)
		}
		if err := t.store.SaveImageLabels(ctx, imageID, labels); err != nil {
			return nil, err
		}
		for _, label := range labels {
			names = append(names, label.Name)
		}
	}
	return t.store.TagIDsByName(ctx, names)
}

// AddImplicitTags applies the tags implied by the tags an image already has.
func (t *Tagger) AddImplicitTags(ctx context.Context, imageID int64) (err error) {
	defer func() { t.opts.Metrics.Action("implicit_tags", err) }()

	missing, err := t.store.MissingImplicitTags(ctx, imageID)
	if err != nil {
		return err
	}
	if missing == 0 {
		return nil
	}
	t.logger.Info("adding implicit tags", "image_id", imageID, "count", missing)
	_, err = t.store.ApplyImplicitTags(ctx, imageID)
	return err
}

// ProcessNewTag applies a newly created tag to every image whose stored
// labels carry its name.
func (t *Tagger) ProcessNewTag(ctx context.Context, tagID int64) (err error) {
	defer func() { t.opts.Metrics.Action("new_tag", err) }()

	ids, err := t.store.ImagesWithLabel(ctx, tagID, t.opts.MinConfidence)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		t.logger.Info("applying new tag to labelled images", "tag_id", tagID, "images", len(ids))
	}
	for _, id := range ids {
		if err := t.store.AddTags(ctx, id, []int64{tagID}); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBacklog autotags every image waiting in the auto-tag album, then
// applies tags matching labels detected on earlier runs. Failures on single
// images are logged and combined into the returned error.
func (t *Tagger) ProcessBacklog(ctx context.Context) error {
	imgs, err := t.store.ImagesInAlbum(ctx, t.opts.Albums.AutoTag)
	if err != nil {
		return err
	}
	t.logger.Info("processing autotag backlog", "images", len(imgs))

	failures := make([]error, len(imgs))
	sem := make(chan struct{}, t.opts.BacklogConcurrency)
	var wg sync.WaitGroup
	for i, img := range imgs {
		i, img := i, img // per-iteration copy (go1.22 loopvar semantics under go 1.21)
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := t.AutotagImage(ctx, img.ID); err != nil {
				t.logger.Error("backlog autotag failed", "image_id", img.ID, "file", img.File, "error", err)
				failures[i] = fmt.Errorf("autotag image %d: %w", img.ID, err)
			}
		}()
	}
	wg.Wait()
	errs := multierr.Combine(failures...)

	pairs, err := t.store.UnappliedLabelTags(ctx, t.opts.MinConfidence)
	if err != nil {
		return multierr.Append(errs, err)
	}
	byImage := make(map[int64][]int64)
	for _, p := range pairs {
		byImage[p.ImageID] = append(byImage[p.ImageID], p.TagID)
	}
	for imageID, tagIDs := range byImage {
		if err := t.store.AddTags(ctx, imageID, tagIDs); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	t.opts.Hub.Publish(events.TypeAutotagBacklog, map[string]any{
		"images":     len(imgs),
		"label_tags": len(pairs),
		"failed":     len(multierr.Errors(errs)),
	})
	return errs
}
