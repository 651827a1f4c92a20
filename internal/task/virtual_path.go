package task

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
)

// PathActions maintains the virtual filesystem symlink tree.
type PathActions interface {
	CreateLink(ctx context.Context, physicalPath, virtualPath string) error
	RemoveLink(ctx context.Context, virtualPath string) error
}

// VirtualPath resolves image_virtual_paths rows. Rows outside the configured
// category subtree resolve to nothing.
type VirtualPath struct {
	actions    PathActions
	categoryID int64
}

// NewVirtualPath creates the variant. A zero categoryID disables filtering.
func NewVirtualPath(actions PathActions, categoryID int64) *VirtualPath {
	return &VirtualPath{actions: actions, categoryID: categoryID}
}

func (v *VirtualPath) Kind() Kind { return KindVirtualPath }

func (v *VirtualPath) Tables() []string { return []string{dbevent.TableImageVirtualPaths} }

func (v *VirtualPath) resolve(_ context.Context, r *Registry, row *dbevent.Row) (Task, error) {
	payload := row.Payload()
	if row.Operation == dbevent.OpDelete && row.Before != nil && row.Values == nil {
		payload = row.Before
	}

	if v.categoryID != 0 {
		uppercats, _ := dbevent.StringField(payload, "category_uppercats")
		if !containsCategory(uppercats, v.categoryID) {
			r.log.Debug("virtual path outside virtualfs category; skipping",
				"category_uppercats", uppercats, "virtualfs_category", v.categoryID)
			return nil, nil
		}
	}

	t := &VirtualPathTask{actions: v.actions, op: row.Operation}
	t.physical, _ = dbevent.StringField(payload, "physical_path")
	t.virtual, _ = dbevent.StringField(payload, "virtual_path")
	if row.Operation == dbevent.OpUpdate {
		t.previous, _ = dbevent.StringField(row.Before, "virtual_path")
	}
	if t.virtual == "" {
		return nil, fmt.Errorf("image_virtual_paths row has no virtual_path")
	}

	t.setup(r, KindVirtualPath, row.RecordID)
	t.self = t
	r.mu.Lock()
	r.addLocked(t, t.id)
	r.mu.Unlock()
	return t, nil
}

func containsCategory(uppercats string, id int64) bool {
	for _, part := range strings.Split(uppercats, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil && n == id {
			return true
		}
	}
	return false
}

// VirtualPathTask creates or removes one symlink.
type VirtualPathTask struct {
	base

	actions  PathActions
	op       dbevent.Operation
	physical string
	virtual  string
	previous string
}

func (t *VirtualPathTask) ScheduleStart(ctx context.Context) {
	if !t.begin(ctx) {
		return
	}
	go t.run()
}

func (t *VirtualPathTask) run() {
	t.setStatus(StatusExec)
	t.finish(t.apply(t.ctx))
}

func (t *VirtualPathTask) apply(ctx context.Context) error {
	switch t.op {
	case dbevent.OpInsert:
		if err := t.actions.CreateLink(ctx, t.physical, t.virtual); err != nil {
			return fmt.Errorf("create virtual path %s: %w", t.virtual, err)
		}
	case dbevent.OpDelete:
		if err := t.actions.RemoveLink(ctx, t.virtual); err != nil {
			return fmt.Errorf("remove virtual path %s: %w", t.virtual, err)
		}
	case dbevent.OpUpdate:
		if t.previous != "" && t.previous != t.virtual {
			if err := t.actions.RemoveLink(ctx, t.previous); err != nil {
				return fmt.Errorf("remove virtual path %s: %w", t.previous, err)
			}
		}
		if err := t.actions.CreateLink(ctx, t.physical, t.virtual); err != nil {
			return fmt.Errorf("create virtual path %s: %w", t.virtual, err)
		}
	}
	return nil
}

// Paths returns the physical and virtual paths the task acts on.
func (t *VirtualPathTask) Paths() (physical, virtual string) {
	return t.physical, t.virtual
}
