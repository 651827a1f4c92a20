package config

import "time"

// Config represents the complete pwgo-agent configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Gallery     GalleryConfig     `yaml:"gallery"`
	Albums      AlbumsConfig      `yaml:"albums"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Paths       PathsConfig       `yaml:"paths"`
	VirtualFS   VirtualFSConfig   `yaml:"virtualfs"`
	Source      SourceConfig      `yaml:"source"`
	API         APIConfig         `yaml:"api,omitempty"`
	Audit       AuditConfig       `yaml:"audit,omitempty"`
	Tracing     TracingConfig     `yaml:"tracing,omitempty"`
	LockPath    string            `yaml:"lock_path"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// DryRun disables every side effect: DB writes, file writes, symlinks and recognition calls.
	DryRun bool `yaml:"dry_run"`
}

// DispatcherConfig sizes the worker pool and its failure tolerance.
type DispatcherConfig struct {
	Workers          int           `yaml:"workers"`
	WorkerErrorLimit int           `yaml:"worker_error_limit"`
	Debounce         time.Duration `yaml:"debounce"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
}

// GalleryConfig holds the MySQL connection used for the gallery, recognition and messaging schemas.
type GalleryConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	PiwigoDB          string `yaml:"piwigo_db"`
	RekognitionDB     string `yaml:"rekognition_db"`
	MessagingDB       string `yaml:"messaging_db"`
	ConnectRetryLimit int    `yaml:"connect_retry_limit"`
}

// AlbumsConfig names the albums the agent watches.
type AlbumsConfig struct {
	AutoTag          int64 `yaml:"auto_tag"`
	AutoTagProcessed int64 `yaml:"auto_tag_processed"`
	FaceIndexParent  int64 `yaml:"face_index_parent"`
}

// RecognitionConfig configures the face/label recognition service.
type RecognitionConfig struct {
	Region          string  `yaml:"region"`
	AccessKeyID     string  `yaml:"access_key_id"`
	SecretAccessKey string  `yaml:"secret_access_key"`
	CollectionID    string  `yaml:"collection_id"`
	MinConfidence   float64 `yaml:"min_confidence"`
	LabelConfidence float64 `yaml:"label_confidence"`
	ScaledMaxWidth  int     `yaml:"scaled_max_width"`
	ScaledMaxHeight int     `yaml:"scaled_max_height"`
	CropSavePath    string  `yaml:"crop_save_path,omitempty"`
}

// Enabled reports whether recognition credentials are present.
func (r RecognitionConfig) Enabled() bool {
	return r.Region != "" && r.CollectionID != ""
}

// PathsConfig maps gallery paths onto the host filesystem.
type PathsConfig struct {
	GalleriesHostPath  string `yaml:"galleries_host_path"`
	GalleryVirtualPath string `yaml:"gallery_virtual_path"`
	// Exiftool overrides the exiftool executable found on PATH.
	Exiftool string `yaml:"exiftool,omitempty"`
}

// VirtualFSConfig configures the symlink tree.
type VirtualFSConfig struct {
	Root             string `yaml:"root"`
	CategoryID       int64  `yaml:"category_id"`
	AllowBrokenLinks bool   `yaml:"allow_broken_links"`
	RemoveEmptyDirs  bool   `yaml:"remove_empty_dirs"`
}

// Source kinds.
const (
	SourceBinlog = "binlog"
	SourceKafka  = "kafka"
)

// SourceConfig selects the change-stream reader.
type SourceConfig struct {
	Kind         string   `yaml:"kind"`
	ServerID     uint32   `yaml:"server_id"`
	Flavor       string   `yaml:"flavor"`
	MessageTable string   `yaml:"message_table"`
	Brokers      []string `yaml:"brokers,omitempty"`
	Topic        string   `yaml:"topic,omitempty"`
	GroupID      string   `yaml:"group_id,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token guards every endpoint except /healthz. Supports ${ENV} interpolation.
	Token string `yaml:"token,omitempty"`
}

// AuditConfig enables the sqlite envelope audit trail. Empty path disables it.
type AuditConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// TracingConfig configures the OTLP trace exporter. Empty endpoint disables it.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}
