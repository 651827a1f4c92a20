package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/mattjoyce/pwgo-agent/internal/config"
	"github.com/mattjoyce/pwgo-agent/internal/gallery"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

type rekognitionAPI interface {
	DetectLabels(ctx context.Context, in *rekognition.DetectLabelsInput, opts ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
	DetectFaces(ctx context.Context, in *rekognition.DetectFacesInput, opts ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error)
	SearchFacesByImage(ctx context.Context, in *rekognition.SearchFacesByImageInput, opts ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error)
	IndexFaces(ctx context.Context, in *rekognition.IndexFacesInput, opts ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error)
	ListFaces(ctx context.Context, in *rekognition.ListFacesInput, opts ...func(*rekognition.Options)) (*rekognition.ListFacesOutput, error)
	DeleteFaces(ctx context.Context, in *rekognition.DeleteFacesInput, opts ...func(*rekognition.Options)) (*rekognition.DeleteFacesOutput, error)
}

// Rekognition is a Client backed by AWS Rekognition.
type Rekognition struct {
	api             rekognitionAPI
	collectionID    string
	labelConfidence float32
	logger          *slog.Logger
}

// NewRekognition builds a client from cfg. Static credentials are used when
// configured, otherwise the default AWS credential chain.
func NewRekognition(ctx context.Context, cfg config.RecognitionConfig) (*Rekognition, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newRekognition(rekognition.NewFromConfig(awsCfg), cfg), nil
}

func newRekognition(api rekognitionAPI, cfg config.RecognitionConfig) *Rekognition {
	return &Rekognition{
		api:             api,
		collectionID:    cfg.CollectionID,
		labelConfidence: float32(cfg.LabelConfidence),
		logger:          log.WithComponent("recognition"),
	}
}

func (r *Rekognition) DetectLabels(ctx context.Context, img []byte) ([]gallery.Label, error) {
	out, err := r.api.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:         &types.Image{Bytes: img},
		MinConfidence: aws.Float32(r.labelConfidence),
	})
	if err != nil {
		return nil, fmt.Errorf("detect labels: %w", err)
	}
	labels := make([]gallery.Label, 0, len(out.Labels))
	for _, l := range out.Labels {
		parents := make([]map[string]string, 0, len(l.Parents))
		for _, p := range l.Parents {
			parents = append(parents, map[string]string{"Name": aws.ToString(p.Name)})
		}
		doc, err := json.Marshal(parents)
		if err != nil {
			return nil, fmt.Errorf("encode label parents: %w", err)
		}
		labels = append(labels, gallery.Label{
			Name:       aws.ToString(l.Name),
			Confidence: float64(aws.ToFloat32(l.Confidence)),
			Parents:    doc,
		})
	}
	return labels, nil
}

func (r *Rekognition) DetectFaces(ctx context.Context, img []byte) ([]Face, error) {
	out, err := r.api.DetectFaces(ctx, &rekognition.DetectFacesInput{Image: &types.Image{Bytes: img}})
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	faces := make([]Face, 0, len(out.FaceDetails))
	for i, d := range out.FaceDetails {
		faces = append(faces, Face{
			Index:       i,
			BoundingBox: toBox(d.BoundingBox),
			Confidence:  float64(aws.ToFloat32(d.Confidence)),
		})
	}
	return faces, nil
}

// SearchFace treats an InvalidParameterException as no match: the service
// raises it when the crop holds no face it can search with.
func (r *Rekognition) SearchFace(ctx context.Context, img []byte) (*FaceMatch, error) {
	out, err := r.api.SearchFacesByImage(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId: aws.String(r.collectionID),
		Image:        &types.Image{Bytes: img},
		MaxFaces:     aws.Int32(1),
	})
	var invalid *types.InvalidParameterException
	if errors.As(err, &invalid) {
		r.logger.Info("no searchable face in crop")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search faces: %w", err)
	}
	if len(out.FaceMatches) == 0 || out.FaceMatches[0].Face == nil {
		return nil, nil
	}
	m := out.FaceMatches[0]
	return &FaceMatch{
		FaceID:          aws.ToString(m.Face.FaceId),
		ExternalImageID: aws.ToString(m.Face.ExternalImageId),
		Similarity:      float64(aws.ToFloat32(m.Similarity)),
	}, nil
}

func (r *Rekognition) IndexFaces(ctx context.Context, img []byte, externalImageID string) ([]gallery.FaceRecord, error) {
	out, err := r.api.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:        aws.String(r.collectionID),
		Image:               &types.Image{Bytes: img},
		ExternalImageId:     aws.String(externalImageID),
		DetectionAttributes: []types.Attribute{types.AttributeAll},
	})
	if err != nil {
		return nil, fmt.Errorf("index faces: %w", err)
	}
	records := make([]gallery.FaceRecord, 0, len(out.FaceRecords))
	for _, fr := range out.FaceRecords {
		if fr.Face == nil {
			continue
		}
		details, err := json.Marshal(fr.FaceDetail)
		if err != nil {
			return nil, fmt.Errorf("encode face detail: %w", err)
		}
		records = append(records, gallery.FaceRecord{
			FaceID:          aws.ToString(fr.Face.FaceId),
			ImageID:         aws.ToString(fr.Face.ImageId),
			ExternalImageID: aws.ToString(fr.Face.ExternalImageId),
			Confidence:      float64(aws.ToFloat32(fr.Face.Confidence)),
			Details:         details,
		})
	}
	return records, nil
}

func (r *Rekognition) ListFaces(ctx context.Context) ([]IndexedFace, error) {
	var faces []IndexedFace
	pages := rekognition.NewListFacesPaginator(r.api, &rekognition.ListFacesInput{CollectionId: aws.String(r.collectionID)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list faces: %w", err)
		}
		for _, f := range page.Faces {
			faces = append(faces, IndexedFace{FaceID: aws.ToString(f.FaceId), ExternalImageID: aws.ToString(f.ExternalImageId)})
		}
	}
	return faces, nil
}

func (r *Rekognition) DeleteFaces(ctx context.Context, faceIDs []string) ([]string, error) {
	if len(faceIDs) == 0 {
		return nil, nil
	}
	out, err := r.api.DeleteFaces(ctx, &rekognition.DeleteFacesInput{
		CollectionId: aws.String(r.collectionID),
		FaceIds:      faceIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("delete faces: %w", err)
	}
	return out.DeletedFaces, nil
}

func toBox(b *types.BoundingBox) Box {
	if b == nil {
		return Box{}
	}
	return Box{
		Left:   float64(aws.ToFloat32(b.Left)),
		Top:    float64(aws.ToFloat32(b.Top)),
		Width:  float64(aws.ToFloat32(b.Width)),
		Height: float64(aws.ToFloat32(b.Height)),
	}
}
