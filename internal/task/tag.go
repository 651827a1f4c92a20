package task

import (
	"context"
	"fmt"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
)

// TagActions handles changes to the tag catalogue.
type TagActions interface {
	// ProcessNewTag applies tagID to images whose detected labels match the tag name.
	ProcessNewTag(ctx context.Context, tagID int64) error
}

// Tag resolves rows of the tags table. Every row gets a fresh task.
type Tag struct {
	actions TagActions
}

func NewTag(actions TagActions) *Tag {
	return &Tag{actions: actions}
}

func (v *Tag) Kind() Kind { return KindTag }

func (v *Tag) Tables() []string { return []string{dbevent.TableTags} }

func (v *Tag) resolve(_ context.Context, r *Registry, row *dbevent.Row) (Task, error) {
	t := &TagTask{actions: v.actions, op: row.Operation}
	t.setup(r, KindTag, row.RecordID)
	t.self = t

	r.mu.Lock()
	r.addLocked(t, t.id)
	r.mu.Unlock()
	return t, nil
}

// TagTask runs the new-tag action for one tags row without delay.
type TagTask struct {
	base

	actions TagActions
	op      dbevent.Operation
}

func (t *TagTask) ScheduleStart(ctx context.Context) {
	if !t.begin(ctx) {
		return
	}
	go t.run()
}

func (t *TagTask) run() {
	t.setStatus(StatusExec)
	if t.op == dbevent.OpDelete {
		t.log.Info("tag deleted; nothing to do")
		t.finish(nil)
		return
	}

	var err error
	if perr := t.actions.ProcessNewTag(t.ctx, t.entityID); perr != nil {
		err = fmt.Errorf("process new tag %d: %w", t.entityID, perr)
	}
	t.finish(err)
}
