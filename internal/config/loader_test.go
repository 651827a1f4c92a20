package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file uses defaults",
			yaml: ``,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Dispatcher.Workers != 5 || cfg.Dispatcher.WorkerErrorLimit != 5 {
					t.Errorf("dispatcher defaults not applied: %+v", cfg.Dispatcher)
				}
				if cfg.Dispatcher.Debounce != time.Second {
					t.Errorf("debounce = %v, want 1s", cfg.Dispatcher.Debounce)
				}
				if cfg.Dispatcher.StopTimeout != 10*time.Second {
					t.Errorf("stop_timeout = %v, want 10s", cfg.Dispatcher.StopTimeout)
				}
				if cfg.Albums.AutoTag != 125 || cfg.Albums.AutoTagProcessed != 126 || cfg.Albums.FaceIndexParent != 128 {
					t.Errorf("album defaults not applied: %+v", cfg.Albums)
				}
				if cfg.Recognition.MinConfidence != 90 {
					t.Errorf("min_confidence = %v, want 90", cfg.Recognition.MinConfidence)
				}
				if cfg.Source.Kind != SourceBinlog {
					t.Errorf("source.kind = %q, want binlog", cfg.Source.Kind)
				}
				if !cfg.VirtualFS.AllowBrokenLinks || !cfg.VirtualFS.RemoveEmptyDirs {
					t.Errorf("virtualfs defaults not applied: %+v", cfg.VirtualFS)
				}
			},
		},
		{
			name: "overrides",
			yaml: `
service:
  log_level: debug
  dry_run: true
dispatcher:
  workers: 2
  worker_error_limit: 3
  debounce: 250ms
virtualfs:
  root: /srv/vfs
  category_id: 42
  allow_broken_links: false
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if !cfg.Service.DryRun {
					t.Error("dry_run not parsed")
				}
				if cfg.Dispatcher.Workers != 2 || cfg.Dispatcher.WorkerErrorLimit != 3 {
					t.Errorf("dispatcher not parsed: %+v", cfg.Dispatcher)
				}
				if cfg.Dispatcher.Debounce != 250*time.Millisecond {
					t.Errorf("debounce = %v", cfg.Dispatcher.Debounce)
				}
				if cfg.Dispatcher.StopTimeout != 10*time.Second {
					t.Error("unset stop_timeout should keep default")
				}
				if cfg.VirtualFS.CategoryID != 42 || cfg.VirtualFS.AllowBrokenLinks {
					t.Errorf("virtualfs not parsed: %+v", cfg.VirtualFS)
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
gallery:
  user: agent
  password: ${PWGO_TEST_DB_PASSWORD}
`,
			env: map[string]string{"PWGO_TEST_DB_PASSWORD": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Gallery.Password != "s3cret" {
					t.Errorf("password = %q, want s3cret", cfg.Gallery.Password)
				}
			},
		},
		{
			name: "unset env var",
			yaml: `
gallery:
  password: ${PWGO_TEST_UNSET_VAR}
`,
			wantErr: "PWGO_TEST_UNSET_VAR",
		},
		{
			name: "zero workers",
			yaml: `
dispatcher:
  workers: 0
`,
			wantErr: "dispatcher.workers must be positive",
		},
		{
			name: "bad log level",
			yaml: `
service:
  log_level: verbose
`,
			wantErr: "service.log_level",
		},
		{
			name: "relative vfs root",
			yaml: `
virtualfs:
  root: vfs
`,
			wantErr: "virtualfs.root",
		},
		{
			name: "kafka without brokers",
			yaml: `
source:
  kind: kafka
  topic: pwgo
`,
			wantErr: "source.brokers",
		},
		{
			name: "unknown source kind",
			yaml: `
source:
  kind: polling
`,
			wantErr: "source.kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: from-dir\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Service.Name != "from-dir" {
		t.Errorf("service.name = %q, want from-dir", cfg.Service.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestRecognitionEnabled(t *testing.T) {
	r := Defaults().Recognition
	if r.Enabled() {
		t.Error("default recognition config should be disabled")
	}
	r.Region = "ap-southeast-2"
	r.CollectionID = "faces"
	if !r.Enabled() {
		t.Error("recognition with region and collection should be enabled")
	}
}
