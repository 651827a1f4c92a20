package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const redacted = "REDACTED"

// Fingerprint hashes the config file as written on disk. A directory is
// resolved to the config.yaml inside it, as Load does.
func Fingerprint(filePath string) (string, error) {
	if info, err := os.Stat(filePath); err == nil && info.IsDir() {
		filePath = filepath.Join(filePath, "config.yaml")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return sum(data), nil
}

// EffectiveFingerprint hashes the resolved config, flag overrides included.
// Secrets contribute only whether they are set, so the value is safe to log.
func EffectiveFingerprint(cfg *Config) (string, error) {
	c := Redacted(cfg)
	data, err := yaml.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return sum(data), nil
}

// Redacted returns a copy of cfg with credentials masked.
func Redacted(cfg *Config) Config {
	c := *cfg
	c.Gallery.Password = mask(c.Gallery.Password)
	c.Recognition.AccessKeyID = mask(c.Recognition.AccessKeyID)
	c.Recognition.SecretAccessKey = mask(c.Recognition.SecretAccessKey)
	c.API.Token = mask(c.API.Token)
	c.Source.Brokers = append([]string(nil), cfg.Source.Brokers...)
	return c
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

func sum(data []byte) string {
	h := blake3.Sum256(data)
	return hex.EncodeToString(h[:])
}
