package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pwgo-agent/internal/config"
)

type host struct {
	galleries, vfs, lock string
}

func newHost(t *testing.T) host {
	t.Helper()
	base := t.TempDir()
	h := host{
		galleries: filepath.Join(base, "galleries"),
		vfs:       filepath.Join(base, "vfs"),
		lock:      filepath.Join(base, "pwgo-agent.lock"),
	}
	require.NoError(t, os.MkdirAll(h.galleries, 0o755))
	require.NoError(t, os.MkdirAll(h.vfs, 0o755))
	return h
}

func (h host) config() *config.Config {
	cfg := config.Defaults()
	cfg.Paths.GalleriesHostPath = h.galleries
	cfg.Paths.GalleryVirtualPath = "/var/www/piwigo"
	cfg.VirtualFS.Root = h.vfs
	cfg.VirtualFS.CategoryID = 3
	cfg.Recognition.Region = "ap-southeast-2"
	cfg.Recognition.CollectionID = "family"
	cfg.Recognition.AccessKeyID = "AKIA"
	cfg.Recognition.SecretAccessKey = "secret"
	cfg.LockPath = h.lock
	return cfg
}

func doctorFor(cfg *config.Config, exiftoolFound bool) *Doctor {
	d := New(cfg)
	d.lookPath = func(bin string) (string, error) {
		if exiftoolFound {
			return "/usr/bin/" + bin, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
	return d
}

func fields(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Field)
	}
	return out
}

func TestValidateHealthyHost(t *testing.T) {
	t.Parallel()
	r := doctorFor(newHost(t).config(), true).Validate()
	assert.True(t, r.Valid, "errors: %v", r.Errors)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, "Host checks passed.\n", FormatHuman(r))
}

func TestValidateMissingDirectories(t *testing.T) {
	t.Parallel()
	h := newHost(t)
	cfg := h.config()
	cfg.Paths.GalleriesHostPath = filepath.Join(h.galleries, "nope")
	cfg.VirtualFS.Root = filepath.Join(h.vfs, "nope")

	r := doctorFor(cfg, false).Validate()
	assert.False(t, r.Valid)
	assert.ElementsMatch(t, []string{"paths.galleries_host_path", "virtualfs.root", "paths.exiftool"}, fields(r.Errors))
}

func TestValidateDryRunDowngradesHostProblems(t *testing.T) {
	t.Parallel()
	h := newHost(t)
	cfg := h.config()
	cfg.Service.DryRun = true
	cfg.VirtualFS.Root = filepath.Join(h.vfs, "nope")

	r := doctorFor(cfg, false).Validate()
	assert.True(t, r.Valid, "errors: %v", r.Errors)
	assert.ElementsMatch(t, []string{"virtualfs.root", "paths.exiftool"}, fields(r.Warnings))
	for _, w := range r.Warnings {
		assert.Contains(t, w.Message, "ignored in dry run")
	}
}

func TestValidateAlbums(t *testing.T) {
	t.Parallel()
	cfg := newHost(t).config()
	cfg.Albums.AutoTagProcessed = cfg.Albums.AutoTag
	cfg.Albums.FaceIndexParent = cfg.Albums.AutoTag

	r := doctorFor(cfg, true).Validate()
	assert.ElementsMatch(t, []string{"albums.auto_tag_processed", "albums.face_index_parent"}, fields(r.Errors))
}

func TestValidateVirtualFSInsideGalleries(t *testing.T) {
	t.Parallel()
	h := newHost(t)
	cfg := h.config()
	cfg.VirtualFS.Root = filepath.Join(h.galleries, "virtual")
	require.NoError(t, os.MkdirAll(cfg.VirtualFS.Root, 0o755))

	r := doctorFor(cfg, true).Validate()
	assert.Equal(t, []string{"virtualfs.root"}, fields(r.Errors))
}

func TestValidateWarnings(t *testing.T) {
	t.Parallel()
	cfg := newHost(t).config()
	cfg.VirtualFS.Root = ""
	cfg.Recognition.Region = ""
	cfg.Source.Kind = config.SourceKafka
	cfg.API.Enabled = true
	cfg.API.Listen = "0.0.0.0:8081"

	r := doctorFor(cfg, true).Validate()
	assert.True(t, r.Valid, "errors: %v", r.Errors)
	assert.ElementsMatch(t, []string{"virtualfs.root", "recognition", "source.group_id", "api.token"}, fields(r.Warnings))

	report := FormatHuman(r)
	assert.True(t, strings.HasPrefix(report, "Host checks passed (4 warning(s))"), report)
	assert.Contains(t, report, "WARN  [api] api.token")
}

func TestValidateLoopbackAPIWithoutToken(t *testing.T) {
	t.Parallel()
	cfg := newHost(t).config()
	cfg.API.Enabled = true

	r := doctorFor(cfg, true).Validate()
	assert.Empty(t, r.Warnings)
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: false, Errors: []Issue{{Category: "paths", Field: "paths.galleries_host_path", Message: "missing"}}}
	out, err := FormatJSON(r)
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": false`)
	assert.Contains(t, out, `"field": "paths.galleries_host_path"`)
}
