// Package metadata writes gallery metadata into image files as IPTC fields.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/barasher/go-exiftool"

	"github.com/mattjoyce/pwgo-agent/internal/gallery"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

// IPTC field names and their length limits, in characters.
const (
	FieldObjectName = "IPTC:ObjectName"
	FieldCaption    = "IPTC:Caption-Abstract"
	FieldByline     = "IPTC:By-line"
	FieldKeywords   = "IPTC:Keywords"

	maxObjectName = 64
	maxCaption    = 2000
	maxByline     = 32
)

// Fields maps gallery metadata onto IPTC fields. Empty values are omitted.
func Fields(md gallery.Metadata) map[string][]string {
	fields := make(map[string][]string, 4)
	if md.Name != "" {
		fields[FieldObjectName] = []string{truncate(md.Name, maxObjectName)}
	}
	if md.Comment != "" {
		fields[FieldCaption] = []string{truncate(md.Comment, maxCaption)}
	}
	if md.Author != "" {
		fields[FieldByline] = []string{truncate(md.Author, maxByline)}
	}
	if len(md.Tags) > 0 {
		fields[FieldKeywords] = append([]string(nil), md.Tags...)
	}
	return fields
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Writer owns a long-running exiftool process. Close releases it.
type Writer struct {
	et     *exiftool.Exiftool
	logger *slog.Logger
}

// Open starts exiftool. binary overrides the executable looked up on PATH.
func Open(binary string) (*Writer, error) {
	opts := []func(*exiftool.Exiftool) error{exiftool.Charset("filename=utf8")}
	if binary != "" {
		opts = append(opts, exiftool.SetExiftoolBinaryPath(binary))
	}
	et, err := exiftool.NewExiftool(opts...)
	if err != nil {
		return nil, fmt.Errorf("start exiftool: %w", err)
	}
	return &Writer{et: et, logger: log.WithComponent("metadata")}, nil
}

func (w *Writer) Close() error {
	return w.et.Close()
}

// Write replaces the IPTC fields of the file at path with fields.
func (w *Writer) Write(path string, fields map[string][]string) error {
	fm := exiftool.EmptyFileMetadata()
	fm.File = path
	for _, k := range []string{FieldObjectName, FieldCaption, FieldByline, FieldKeywords} {
		fm.Clear(k)
	}
	for k, v := range fields {
		if len(v) == 1 && k != FieldKeywords {
			fm.SetString(k, v[0])
			continue
		}
		fm.SetStrings(k, v)
	}

	fms := []exiftool.FileMetadata{fm}
	w.et.WriteMetadata(fms)
	if err := fms[0].Err; err != nil {
		return fmt.Errorf("write metadata to %s: %w", path, err)
	}
	w.logger.Debug("wrote metadata", "path", path, "fields", len(fields))
	return nil
}

// FileWriter writes IPTC fields into one file.
type FileWriter interface {
	Write(path string, fields map[string][]string) error
}

// Source loads what the syncer needs from the gallery.
type Source interface {
	Image(ctx context.Context, id int64) (gallery.Image, error)
	Metadata(ctx context.Context, id int64) (gallery.Metadata, error)
}

// Syncer copies an image's gallery metadata into its file.
type Syncer struct {
	src    Source
	paths  gallery.PathMapper
	writer FileWriter
	dryRun bool
	logger *slog.Logger
}

func NewSyncer(src Source, paths gallery.PathMapper, writer FileWriter, dryRun bool) *Syncer {
	return &Syncer{src: src, paths: paths, writer: writer, dryRun: dryRun, logger: log.WithComponent("metadata")}
}

// WriteMetadata loads the metadata of imageID and writes it into the image file.
func (s *Syncer) WriteMetadata(ctx context.Context, imageID int64) error {
	img, err := s.src.Image(ctx, imageID)
	if err != nil {
		return err
	}
	md, err := s.src.Metadata(ctx, imageID)
	if err != nil {
		return err
	}
	path, err := s.paths.HostPath(img.Path)
	if err != nil {
		return err
	}

	fields := Fields(md)
	if s.dryRun {
		s.logger.Info("dry run: skipping metadata write", "image_id", imageID, "path", path, "fields", len(fields))
		return nil
	}
	if s.writer == nil {
		return errors.New("no metadata writer configured")
	}
	s.logger.Info("writing metadata to file", "image_id", imageID, "file", img.File)
	return s.writer.Write(path, fields)
}
