// Package doctor checks that the host an agent runs on matches its
// configuration: directories exist, tools are installed and settings agree
// with each other.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/pwgo-agent/internal/config"
	"github.com/mattjoyce/pwgo-agent/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateAlbums(r)
	d.validatePaths(r)
	d.validateVirtualFS(r)
	d.validateExiftool(r)
	d.validateLocalFiles(r)
	d.warnRecognition(r)
	d.warnSource(r)
	d.warnAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// addProblem is an error normally and a warning in dry-run mode, which never
// touches the filesystem.
func (d *Doctor) addProblem(r *Result, category, field, msg string) {
	if d.cfg.Service.DryRun {
		d.addWarning(r, category, field, msg+" (ignored in dry run)")
		return
	}
	d.addError(r, category, field, msg)
}

func (d *Doctor) validateAlbums(r *Result) {
	a := d.cfg.Albums
	if a.AutoTag == a.AutoTagProcessed {
		d.addError(r, "albums", "albums.auto_tag_processed", "processed album must differ from the auto-tag album")
	}
	if a.FaceIndexParent == a.AutoTag || a.FaceIndexParent == a.AutoTagProcessed {
		d.addError(r, "albums", "albums.face_index_parent", "face index parent must not be an auto-tag album")
	}
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func (d *Doctor) validatePaths(r *Result) {
	p := d.cfg.Paths
	if p.GalleriesHostPath == "" {
		d.addError(r, "paths", "paths.galleries_host_path", "galleries_host_path is required to locate image files")
	} else if err := requireDir(p.GalleriesHostPath); err != nil {
		d.addProblem(r, "paths", "paths.galleries_host_path", err.Error())
	}
	if p.GalleryVirtualPath == "" {
		d.addWarning(r, "paths", "paths.gallery_virtual_path", "gallery_virtual_path is empty; stored image paths are resolved against the working directory")
	}
	if dir := d.cfg.Recognition.CropSavePath; dir != "" {
		if err := requireDir(dir); err != nil {
			d.addProblem(r, "paths", "recognition.crop_save_path", err.Error())
		}
	}
}

func (d *Doctor) validateVirtualFS(r *Result) {
	v := d.cfg.VirtualFS
	if v.Root == "" {
		d.addWarning(r, "virtualfs", "virtualfs.root", "virtualfs is disabled; image_virtual_paths changes will be ignored")
		return
	}
	if err := requireDir(v.Root); err != nil {
		d.addProblem(r, "virtualfs", "virtualfs.root", err.Error())
	}
	if v.CategoryID == 0 {
		d.addWarning(r, "virtualfs", "virtualfs.category_id", "no category filter; every album gets virtual paths")
	}
	if d.cfg.Paths.GalleriesHostPath != "" && strings.HasPrefix(v.Root+string(os.PathSeparator), d.cfg.Paths.GalleriesHostPath+string(os.PathSeparator)) {
		d.addError(r, "virtualfs", "virtualfs.root", "virtualfs root must not be inside the galleries directory")
	}
}

func (d *Doctor) validateExiftool(r *Result) {
	bin := d.cfg.Paths.Exiftool
	if bin == "" {
		bin = "exiftool"
	}
	if _, err := d.lookPath(bin); err != nil {
		d.addProblem(r, "metadata", "paths.exiftool", fmt.Sprintf("exiftool not found: %v", err))
	}
}

func (d *Doctor) validateLocalFiles(r *Result) {
	if err := storage.RequireLocalFilesystem(d.cfg.LockPath, "lock_path"); err != nil {
		d.addError(r, "storage", "lock_path", err.Error())
	}
	if d.cfg.Audit.Path == "" {
		return
	}
	if err := storage.RequireLocalFilesystem(d.cfg.Audit.Path, "audit.path"); err != nil {
		d.addError(r, "storage", "audit.path", err.Error())
	}
	if d.cfg.Audit.Retention == 0 {
		d.addWarning(r, "storage", "audit.retention", "audit records are never pruned")
	}
}

func (d *Doctor) warnRecognition(r *Result) {
	rc := d.cfg.Recognition
	if !rc.Enabled() {
		d.addWarning(r, "recognition", "recognition", "region and collection_id are not set; face index sync and autotagging are disabled")
		return
	}
	if rc.AccessKeyID == "" || rc.SecretAccessKey == "" {
		d.addWarning(r, "recognition", "recognition.access_key_id", "no static credentials; the default AWS credential chain will be used")
	}
	if rc.MinConfidence < 50 {
		d.addWarning(r, "recognition", "recognition.min_confidence", fmt.Sprintf("face match confidence %.0f is low; expect wrong tags", rc.MinConfidence))
	}
}

func (d *Doctor) warnSource(r *Result) {
	if d.cfg.Source.Kind == config.SourceKafka && d.cfg.Source.GroupID == "" {
		d.addWarning(r, "source", "source.group_id", "no consumer group; offsets are not committed and restarts replay nothing")
	}
}

func (d *Doctor) warnAPI(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.API.Token != "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address: %v", err))
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.token", "API listens beyond loopback without a token")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Host checks passed.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Host checks passed (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Host checks failed (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
	}
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
