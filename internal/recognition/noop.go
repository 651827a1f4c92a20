package recognition

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/pwgo-agent/internal/gallery"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

// Noop is the Client used in dry-run mode or when recognition is not
// configured. Every call logs and reports nothing found.
type Noop struct {
	logger *slog.Logger
}

func NewNoop() *Noop {
	return &Noop{logger: log.WithComponent("recognition")}
}

func (n *Noop) DetectLabels(context.Context, []byte) ([]gallery.Label, error) {
	n.logger.Debug("recognition disabled: skipping label detection")
	return nil, nil
}

func (n *Noop) DetectFaces(context.Context, []byte) ([]Face, error) {
	n.logger.Debug("recognition disabled: skipping face detection")
	return nil, nil
}

func (n *Noop) SearchFace(context.Context, []byte) (*FaceMatch, error) {
	return nil, nil
}

func (n *Noop) IndexFaces(_ context.Context, _ []byte, externalImageID string) ([]gallery.FaceRecord, error) {
	n.logger.Debug("recognition disabled: skipping face indexing", "external_image_id", externalImageID)
	return nil, nil
}

func (n *Noop) ListFaces(context.Context) ([]IndexedFace, error) {
	return nil, nil
}

func (n *Noop) DeleteFaces(_ context.Context, faceIDs []string) ([]string, error) {
	n.logger.Debug("recognition disabled: skipping face removal", "faces", len(faceIDs))
	return nil, nil
}
