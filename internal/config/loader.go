package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Defaults returns a configuration populated with the agent's default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "pwgo-agent",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Dispatcher: DispatcherConfig{
			Workers:          5,
			WorkerErrorLimit: 5,
			Debounce:         time.Second,
			StopTimeout:      10 * time.Second,
		},
		Gallery: GalleryConfig{
			Host:              "localhost",
			Port:              3306,
			PiwigoDB:          "piwigo",
			RekognitionDB:     "rekognition",
			MessagingDB:       "messaging",
			ConnectRetryLimit: 5,
		},
		Albums: AlbumsConfig{
			AutoTag:          125,
			AutoTagProcessed: 126,
			FaceIndexParent:  128,
		},
		Recognition: RecognitionConfig{
			MinConfidence:   90,
			LabelConfidence: 80,
			ScaledMaxWidth:  1024,
			ScaledMaxHeight: 1024,
		},
		VirtualFS: VirtualFSConfig{
			AllowBrokenLinks: true,
			RemoveEmptyDirs:  true,
		},
		Source: SourceConfig{
			Kind:         SourceBinlog,
			ServerID:     100,
			Flavor:       "mysql",
			MessageTable: "pwgo_message",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8081",
		},
		Audit: AuditConfig{
			Retention: 7 * 24 * time.Hour,
		},
		LockPath: "./pwgo-agent.lock",
	}
}

// Load reads and parses configuration from a file, applying defaults for missing values.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} placeholders with environment values.
// Unset variables are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive (got %d)", cfg.Dispatcher.Workers)
	}
	if cfg.Dispatcher.WorkerErrorLimit <= 0 {
		return fmt.Errorf("dispatcher.worker_error_limit must be positive (got %d)", cfg.Dispatcher.WorkerErrorLimit)
	}
	if cfg.Dispatcher.Debounce < 0 {
		return fmt.Errorf("dispatcher.debounce must not be negative")
	}
	if cfg.Dispatcher.StopTimeout <= 0 {
		return fmt.Errorf("dispatcher.stop_timeout must be positive")
	}

	if cfg.Gallery.Host == "" {
		return fmt.Errorf("gallery.host is required")
	}
	for field, value := range map[string]string{
		"gallery.user":                  cfg.Gallery.User,
		"gallery.password":              cfg.Gallery.Password,
		"recognition.access_key_id":     cfg.Recognition.AccessKeyID,
		"recognition.secret_access_key": cfg.Recognition.SecretAccessKey,
	} {
		if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}

	if cfg.Recognition.MinConfidence < 0 || cfg.Recognition.MinConfidence > 100 {
		return fmt.Errorf("recognition.min_confidence must be within 0-100")
	}

	if cfg.VirtualFS.Root != "" && !filepath.IsAbs(cfg.VirtualFS.Root) {
		return fmt.Errorf("virtualfs.root must be an absolute path (got %q)", cfg.VirtualFS.Root)
	}

	switch cfg.Source.Kind {
	case SourceBinlog:
		if cfg.Source.MessageTable == "" {
			return fmt.Errorf("source.message_table is required for binlog source")
		}
	case SourceKafka:
		if len(cfg.Source.Brokers) == 0 || cfg.Source.Topic == "" {
			return fmt.Errorf("source.brokers and source.topic are required for kafka source")
		}
	default:
		return fmt.Errorf("source.kind must be %q or %q (got %q)", SourceBinlog, SourceKafka, cfg.Source.Kind)
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}
	return nil
}
