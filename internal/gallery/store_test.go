package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pwgo-agent/internal/config"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func newMockStore(t *testing.T, dryRun bool) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		mock.ExpectClose()
		require.NoError(t, db.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return New(sqlx.NewDb(db, "mysql"), Schemas{Piwigo: "piwigo", Rekognition: "rekognition"}, dryRun), mock
}

func TestDSN(t *testing.T) {
	dsn := DSN(config.GalleryConfig{Host: "db", Port: 3307, User: "agent", Password: "s3cret", PiwigoDB: "piwigo"})
	assert.Contains(t, dsn, "agent:s3cret@tcp(db:3307)/piwigo")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestImage(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`SELECT id, file, path FROM piwigo\.images WHERE id = \?`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "file", "path"}).AddRow(42, "IMG_1.jpg", "./galleries/2021/IMG_1.jpg"))

	img, err := s.Image(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, Image{ID: 42, File: "IMG_1.jpg", Path: "./galleries/2021/IMG_1.jpg"}, img)
}

func TestImageNotFound(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`FROM piwigo\.images WHERE id = \?`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "file", "path"}))

	_, err := s.Image(context.Background(), 7)
	assert.ErrorIs(t, err, ErrImageNotFound)
}

func TestMetadata(t *testing.T) {
	s, mock := newMockStore(t, false)
	doc := `{"name": "Beach", "comment": "sunset", "author": "jo", "date_creation": "2021-07-04 18:30:00", "tags": ["sea", "sun", "sea"]}`
	mock.ExpectQuery(`SELECT image_metadata FROM piwigo\.image_metadata WHERE id = \?`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"image_metadata"}).AddRow(doc))

	md, err := s.Metadata(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "Beach", md.Name)
	assert.Equal(t, "sunset", md.Comment)
	assert.Equal(t, "jo", md.Author)
	require.NotNil(t, md.CreateDate)
	assert.Equal(t, 2021, md.CreateDate.Year())
	assert.Equal(t, []string{"sea", "sun"}, md.Tags)
}

func TestParseMetadataBadDate(t *testing.T) {
	md, err := parseMetadata([]byte(`{"name": null, "date_creation": "yesterday", "tags": null}`))
	require.NoError(t, err)
	assert.Nil(t, md.CreateDate)
	assert.Empty(t, md.Name)
	assert.Empty(t, md.Tags)

	_, err = parseMetadata([]byte(`not json`))
	assert.Error(t, err)
}

func TestInAlbum(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM piwigo\.image_category WHERE image_id = \? AND category_id = \?`).
		WithArgs(int64(5), int64(126)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))

	in, err := s.InAlbum(context.Background(), 5, 126)
	require.NoError(t, err)
	assert.True(t, in)
}

func TestMoveImage(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO piwigo\.image_category \(image_id, category_id\) VALUES \(\?, \?\)`).
		WithArgs(int64(5), int64(126)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM piwigo\.image_category WHERE image_id = \? AND category_id = \?`).
		WithArgs(int64(5), int64(125)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.MoveImage(context.Background(), 5, 125, 126, false))
}

func TestMoveImageAlreadyProcessedOnlyRemoves(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM piwigo\.image_category`).
		WithArgs(int64(5), int64(125)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.MoveImage(context.Background(), 5, 125, 126, true))
}

func TestMoveImageRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t, false)
	boom := errors.New("deadlock")
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO piwigo\.image_category`).WillReturnError(boom)
	mock.ExpectRollback()

	err := s.MoveImage(context.Background(), 5, 125, 126, false)
	assert.ErrorIs(t, err, boom)
}

func TestDryRunSkipsWrites(t *testing.T) {
	s, _ := newMockStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.MoveImage(ctx, 5, 125, 126, false))
	require.NoError(t, s.AddTags(ctx, 5, []int64{1, 2}))
	n, err := s.ApplyImplicitTags(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, s.SaveImageLabels(ctx, 5, []Label{{Name: "Dog", Confidence: 99}}))
	require.NoError(t, s.DeleteIndexedFaces(ctx, []string{"f1"}))
}

func TestImplicitTags(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM piwigo\.image_tag it JOIN piwigo\.expanded_implicit_tags imp`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))
	mock.ExpectExec(`INSERT INTO piwigo\.image_tag \(image_id, tag_id\) SELECT DISTINCT it\.image_id, imp\.implied_tag_id`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	ctx := context.Background()
	n, err := s.MissingImplicitTags(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	added, err := s.ApplyImplicitTags(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), added)
}

func TestAddTags(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectBegin()
	for _, tag := range []int64{3, 4} {
		mock.ExpectExec(`INSERT INTO piwigo\.image_tag \(image_id, tag_id\) VALUES \(\?, \?\) ON DUPLICATE KEY UPDATE tag_id = tag_id`).
			WithArgs(int64(8), tag).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.AddTags(context.Background(), 8, []int64{3, 4}))
	require.NoError(t, s.AddTags(context.Background(), 8, nil))
}

func TestTagIDsByName(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`SELECT id FROM piwigo\.tags WHERE name IN \(\?, \?\)`).
		WithArgs("Dog", "Beach").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11).AddRow(12))

	ids, err := s.TagIDsByName(context.Background(), []string{"Dog", "Beach"})
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids)

	ids, err = s.TagIDsByName(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAlbumTags(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`SELECT comment FROM piwigo\.categories WHERE id = \?`).
		WithArgs(int64(130)).
		WillReturnRows(sqlmock.NewRows([]string{"comment"}).AddRow(`Aunt Jo {"tags": [21, 22]}`))
	mock.ExpectQuery(`SELECT comment FROM piwigo\.categories WHERE id = \?`).
		WithArgs(int64(131)).
		WillReturnRows(sqlmock.NewRows([]string{"comment"}))

	tags, err := s.AlbumTags(context.Background(), 130)
	require.NoError(t, err)
	assert.Equal(t, []int64{21, 22}, tags)

	_, err = s.AlbumTags(context.Background(), 131)
	assert.ErrorIs(t, err, ErrAlbumNotFound)
}

func TestFaceIndexAlbums(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`SELECT c\.id FROM piwigo\.categories c WHERE c\.id_uppercat = \? AND c\.name NOT LIKE \?`).
		WithArgs(int64(128), ".%").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(130).AddRow(131))

	ids, err := s.FaceIndexAlbums(context.Background(), 128)
	require.NoError(t, err)
	assert.Equal(t, []int64{130, 131}, ids)
}

func TestFaceIndexImages(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`WHERE c\.id IN \(\?, \?\)`).
		WithArgs(int64(130), int64(131)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "file", "path", "category_id"}).
			AddRow(1, "a.jpg", "./galleries/a.jpg", 130).
			AddRow(2, "b.jpg", "./galleries/b.jpg", 131))

	imgs, err := s.FaceIndexImages(context.Background(), []int64{130, 131})
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, int64(131), imgs[1].AlbumID)
	assert.Equal(t, "b.jpg", imgs[1].File)
}

func TestVirtualPaths(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`SELECT image_id, physical_path, virtual_path FROM piwigo\.image_virtual_paths`).
		WillReturnRows(sqlmock.NewRows([]string{"image_id", "physical_path", "virtual_path"}).
			AddRow(1, "2021/a.jpg", "Family/2021/a.jpg"))

	rows, err := s.VirtualPaths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []VirtualPath{{ImageID: 1, PhysicalPath: "2021/a.jpg", VirtualPath: "Family/2021/a.jpg"}}, rows)
}

func TestRecognitionTables(t *testing.T) {
	s, mock := newMockStore(t, false)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT face_details FROM rekognition\.processed_faces WHERE piwigo_image_id = \?`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"face_details"}).AddRow(`{"index": 0}`))
	faces, err := s.ProcessedFaces(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []json.RawMessage{json.RawMessage(`{"index": 0}`)}, faces)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rekognition\.processed_faces`).
		WithArgs(int64(4), 0, `{"index":0}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, s.SaveProcessedFaces(ctx, 4, []json.RawMessage{json.RawMessage(`{"index":0}`)}))

	mock.ExpectExec(`UPDATE rekognition\.processed_faces SET matched_to_face_id = \?`).
		WithArgs("face-1", int64(4), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetMatchedFace(ctx, 4, 0, "face-1"))

	mock.ExpectQuery(`SELECT label FROM rekognition\.image_labels WHERE piwigo_image_id = \? AND confidence >= \?`).
		WithArgs(int64(4), 90.0).
		WillReturnRows(sqlmock.NewRows([]string{"label"}).AddRow("Dog"))
	labels, err := s.ImageLabels(ctx, 4, 90)
	require.NoError(t, err)
	assert.Equal(t, []string{"Dog"}, labels)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO rekognition\.image_labels`).
		WithArgs(int64(4), "Dog", 97.5, "[]").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, s.SaveImageLabels(ctx, 4, []Label{{Name: "Dog", Confidence: 97.5}}))

	mock.ExpectExec(`DELETE FROM rekognition\.indexed_faces WHERE face_id IN \(\?, \?\)`).
		WithArgs("f1", "f2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, s.DeleteIndexedFaces(ctx, []string{"f1", "f2"}))
}

func TestLabelTagQueries(t *testing.T) {
	s, mock := newMockStore(t, false)
	ctx := context.Background()

	mock.ExpectQuery(`FROM rekognition\.image_labels il JOIN piwigo\.tags t ON t\.name = il\.label WHERE t\.id = \?`).
		WithArgs(int64(11), 90.0).
		WillReturnRows(sqlmock.NewRows([]string{"piwigo_image_id"}).AddRow(1).AddRow(2))
	ids, err := s.ImagesWithLabel(ctx, 11, 90)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	mock.ExpectQuery(`LEFT JOIN piwigo\.image_tag it`).
		WithArgs(90.0).
		WillReturnRows(sqlmock.NewRows([]string{"piwigo_image_id", "tag_id"}).AddRow(1, 11).AddRow(1, 12))
	pairs, err := s.UnappliedLabelTags(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, []ImageTag{{ImageID: 1, TagID: 11}, {ImageID: 1, TagID: 12}}, pairs)
}
