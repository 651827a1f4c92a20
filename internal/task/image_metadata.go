package task

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
)

// ImageActions are the batched side effects of an image metadata task.
type ImageActions interface {
	AddImplicitTags(ctx context.Context, imageID int64) error
	AutotagImage(ctx context.Context, imageID int64) error
	WriteMetadata(ctx context.Context, imageID int64) error
}

// ImageMetadata resolves image_tag, image_category and images rows into one
// debounced task per image.
type ImageMetadata struct {
	actions      ImageActions
	delay        time.Duration
	autoTagAlbum int64
}

// NewImageMetadata creates the variant. delay is the debounce interval and
// autoTagAlbum the only album whose membership changes are counted.
func NewImageMetadata(actions ImageActions, delay time.Duration, autoTagAlbum int64) *ImageMetadata {
	return &ImageMetadata{actions: actions, delay: delay, autoTagAlbum: autoTagAlbum}
}

func (v *ImageMetadata) Kind() Kind { return KindImageMetadata }

func (v *ImageMetadata) Tables() []string {
	return []string{dbevent.TableImageTag, dbevent.TableImageCategory, dbevent.TableImages}
}

// imageDelta is one row's contribution to a pending task.
type imageDelta struct {
	tagID    int64
	tagInc   int
	hasTag   bool
	albumID  int64
	albumInc int
	hasAlbum bool
	dirty    bool
}

// signFor is the counter step of a membership row. Updates have none.
func signFor(op dbevent.Operation) (int, bool) {
	switch op {
	case dbevent.OpInsert:
		return 1, true
	case dbevent.OpDelete:
		return -1, true
	default:
		return 0, false
	}
}

func (v *ImageMetadata) delta(r *Registry, row *dbevent.Row) (imageDelta, error) {
	var d imageDelta
	switch row.TableName {
	case dbevent.TableImageTag:
		tagID, err := row.KeyInt(1)
		if err != nil {
			return d, fmt.Errorf("image_tag key: %w", err)
		}
		d.dirty = true
		if inc, ok := signFor(row.Operation); ok {
			d.tagID, d.tagInc, d.hasTag = tagID, inc, true
		} else {
			r.log.Debug("ignoring image_tag operation for tag counter", "operation", string(row.Operation), "image_id", row.RecordID, "tag_id", tagID)
		}
	case dbevent.TableImageCategory:
		albumID, err := row.KeyInt(1)
		if err != nil {
			return d, fmt.Errorf("image_category key: %w", err)
		}
		if albumID != v.autoTagAlbum {
			break
		}
		if inc, ok := signFor(row.Operation); ok {
			d.albumID, d.albumInc, d.hasAlbum = albumID, inc, true
		} else {
			r.log.Debug("ignoring image_category operation for album counter", "operation", string(row.Operation), "image_id", row.RecordID, "album_id", albumID)
		}
	case dbevent.TableImages:
		d.dirty = row.Operation != dbevent.OpDelete
	default:
		return d, fmt.Errorf("no image event handler for table %s", row.TableName)
	}
	return d, nil
}

func (v *ImageMetadata) newTask(r *Registry, imageID int64) *ImageMetadataTask {
	t := &ImageMetadataTask{
		clock:   r.clock,
		delay:   v.delay,
		actions: v.actions,
		tags:    make(map[int64]int),
		albums:  make(map[int64]int),
	}
	t.setup(r, KindImageMetadata, imageID)
	t.self = t
	t.onCancel = t.stopTimerLocked
	r.addLocked(t, entityKey(imageID))
	return t
}

func (v *ImageMetadata) resolve(ctx context.Context, r *Registry, row *dbevent.Row) (Task, error) {
	isDelete := row.IsImageDelete()
	var d imageDelta
	if !isDelete {
		var err error
		if d, err = v.delta(r, row); err != nil {
			return nil, err
		}
	}

	key := entityKey(row.RecordID)
	for {
		r.mu.Lock()
		existing, ok := r.lookupLocked(KindImageMetadata, key)
		if !ok {
			t := v.newTask(r, row.RecordID)
			if isDelete {
				err := t.cancelLocked()
				r.mu.Unlock()
				return nil, err
			}
			t.merge(d)
			r.mu.Unlock()
			return t, nil
		}

		t := existing.(*ImageMetadataTask)
		if isDelete {
			err := t.cancelLocked()
			r.mu.Unlock()
			if err != nil {
				t.log.Debug("image deleted while task in flight; leaving it to finish")
			}
			return nil, nil
		}
		if t.merge(d) {
			r.mu.Unlock()
			return t, nil
		}
		r.mu.Unlock()

		t.log.Debug("task already executing; waiting before creating successor")
		select {
		case <-t.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ImageMetadataTask batches every change to one image until the debounce interval
// passes without activity.
type ImageMetadataTask struct {
	base

	clock   clock.Clock
	delay   time.Duration
	actions ImageActions

	// Guarded by base.mu.
	tags   map[int64]int
	albums map[int64]int
	dirty  bool
	timer  *clock.Timer
	gen    uint64
}

// merge folds d into the task. It reports false once the task is past WAITING.
func (t *ImageMetadataTask) merge(d imageDelta) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusInitialized && t.status != StatusWaiting {
		return false
	}

	if d.hasTag {
		t.tags[d.tagID] += d.tagInc
	}
	if d.hasAlbum {
		t.albums[d.albumID] += d.albumInc
	}
	if d.dirty {
		t.dirty = true
	}
	if t.status == StatusWaiting {
		t.armLocked()
	}
	return true
}

func (t *ImageMetadataTask) ScheduleStart(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusInitialized {
		return
	}
	t.status = StatusWaiting
	t.ctx = context.WithoutCancel(ctx)
	t.armLocked()
}

// armLocked replaces any outstanding timer; only the latest one can fire.
func (t *ImageMetadataTask) armLocked() {
	t.stopTimerLocked()
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.delay, func() { t.fire(gen) })
}

func (t *ImageMetadataTask) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *ImageMetadataTask) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.status != StatusWaiting {
		t.mu.Unlock()
		return
	}
	t.status = StatusExecQueued
	t.timer = nil
	handleTags := anyPositive(t.tags)
	handleAlbums := anyPositive(t.albums)
	dirty := t.dirty
	ctx := t.ctx
	t.mu.Unlock()

	t.setStatus(StatusExec)
	t.finish(t.run(ctx, handleTags, handleAlbums, dirty))
}

func (t *ImageMetadataTask) run(ctx context.Context, handleTags, handleAlbums, dirty bool) error {
	t.log.Debug("handling image events", "implicit_tags", handleTags, "autotag", handleAlbums, "write_metadata", dirty)
	if handleTags {
		if err := t.actions.AddImplicitTags(ctx, t.entityID); err != nil {
			return fmt.Errorf("add implicit tags for image %d: %w", t.entityID, err)
		}
	}
	if handleAlbums {
		if err := t.actions.AutotagImage(ctx, t.entityID); err != nil {
			return fmt.Errorf("autotag image %d: %w", t.entityID, err)
		}
	}
	if dirty {
		if err := t.actions.WriteMetadata(ctx, t.entityID); err != nil {
			return fmt.Errorf("write metadata for image %d: %w", t.entityID, err)
		}
	}
	return nil
}

// Counters returns copies of the net tag and album counters and the metadata flag.
func (t *ImageMetadataTask) Counters() (tags, albums map[int64]int, dirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tags = make(map[int64]int, len(t.tags))
	for k, v := range t.tags {
		tags[k] = v
	}
	albums = make(map[int64]int, len(t.albums))
	for k, v := range t.albums {
		albums[k] = v
	}
	return tags, albums, t.dirty
}

func anyPositive(m map[int64]int) bool {
	for _, v := range m {
		if v > 0 {
			return true
		}
	}
	return false
}
