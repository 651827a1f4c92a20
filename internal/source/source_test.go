package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pwgo-agent/internal/config"
	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
	"github.com/mattjoyce/pwgo-agent/internal/dispatch"
	"github.com/mattjoyce/pwgo-agent/internal/events"
	"github.com/mattjoyce/pwgo-agent/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeSink struct {
	mu   sync.Mutex
	rows []dbevent.RawRow
	err  func(dbevent.RawRow) error
}

func (s *fakeSink) QueueEvent(raw dbevent.RawRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		if err := s.err(raw); err != nil {
			return err
		}
	}
	s.rows = append(s.rows, raw)
	return nil
}

func TestNewSelectsKind(t *testing.T) {
	cfg := config.Defaults()
	src, err := New(cfg, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "binlog", src.Name())

	cfg.Source.Kind = config.SourceKafka
	src, err = New(cfg, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "kafka", src.Name())

	cfg.Source.Kind = "stdin"
	_, err = New(cfg, Deps{})
	assert.Error(t, err)
}

func TestDeliver(t *testing.T) {
	logger := log.WithComponent("test")
	sink := &fakeSink{err: func(raw dbevent.RawRow) error {
		switch raw.MessageType {
		case "BAD":
			return fmt.Errorf("%w: %w", dispatch.ErrInvalidArgument, dbevent.ErrMalformed)
		case "LATE":
			return fmt.Errorf("%w: dispatcher is stopped", dispatch.ErrInvalidState)
		}
		return nil
	}}

	assert.NoError(t, deliver(sink, dbevent.RawRow{MessageType: "IMG_METADATA"}, logger))
	assert.NoError(t, deliver(sink, dbevent.RawRow{MessageType: "BAD"}, logger))
	assert.ErrorIs(t, deliver(sink, dbevent.RawRow{MessageType: "LATE"}, logger), ErrSinkClosed)
	assert.Len(t, sink.rows, 1)
}

func newTestBinlog() *Binlog {
	b := NewBinlog(BinlogConfig{Schema: "messaging", Table: "pwgo_message"}, Deps{Hub: events.NewHub(8)})
	b.columns = []string{"id", "message_type", "message"}
	b.pos = mysql.Position{Name: "binlog.000007", Pos: 100}
	b.pending = b.pos
	return b
}

func xidEvent(logPos uint32) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.XID_EVENT, LogPos: logPos},
		Event:  &replication.XIDEvent{XID: 1},
	}
}

func rowsEvent(eventType replication.EventType, schema, table string, logPos uint32, rows ...[]any) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: eventType, LogPos: logPos},
		Event: &replication.RowsEvent{
			Table: &replication.TableMapEvent{Schema: []byte(schema), Table: []byte(table)},
			Rows:  rows,
		},
	}
}

func TestBinlogForwardsMessageInserts(t *testing.T) {
	b := newTestBinlog()
	sink := &fakeSink{}

	ev := rowsEvent(replication.WRITE_ROWS_EVENTv2, "messaging", "pwgo_message", 420,
		[]any{int64(1), "IMG_METADATA", []byte(`{"image_id":5}`)},
		[]any{int64(2), []byte("TAGS"), `{"tag_id":9}`},
	)
	require.NoError(t, b.handleEvent(ev, sink))

	require.Len(t, sink.rows, 2)
	assert.Equal(t, dbevent.RawRow{MessageType: "IMG_METADATA", Message: []byte(`{"image_id":5}`)}, sink.rows[0])
	assert.Equal(t, "TAGS", sink.rows[1].MessageType)
	assert.Equal(t, uint32(100), b.pos.Pos, "resume position waits for the commit")

	require.NoError(t, b.handleEvent(xidEvent(450), sink))
	assert.Equal(t, mysql.Position{Name: "binlog.000007", Pos: 450}, b.pos)
}

func TestBinlogResumesFromLastCommit(t *testing.T) {
	b := newTestBinlog()
	sink := &fakeSink{}

	tableMap := &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.TABLE_MAP_EVENT, LogPos: 200},
		Event:  &replication.TableMapEvent{Schema: []byte("messaging"), Table: []byte("pwgo_message")},
	}
	require.NoError(t, b.handleEvent(tableMap, sink))
	assert.Equal(t, uint32(100), b.pos.Pos)

	require.NoError(t, b.handleEvent(rowsEvent(replication.WRITE_ROWS_EVENTv2, "messaging", "pwgo_message", 300,
		[]any{int64(1), "TAGS", `{"tag_id":1}`}), sink))
	assert.Equal(t, uint32(100), b.pos.Pos)
	assert.Equal(t, uint32(300), b.pending.Pos)

	require.NoError(t, b.handleEvent(xidEvent(330), sink))
	assert.Equal(t, uint32(330), b.pos.Pos)

	// A rotate commits the new file immediately.
	require.NoError(t, b.handleEvent(&replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.ROTATE_EVENT},
		Event:  &replication.RotateEvent{Position: 4, NextLogName: []byte("binlog.000008")},
	}, sink))
	require.NoError(t, b.handleEvent(tableMap, sink))
	assert.Equal(t, mysql.Position{Name: "binlog.000008", Pos: 4}, b.pos)
}

func TestBinlogIgnoresOtherEvents(t *testing.T) {
	b := newTestBinlog()
	sink := &fakeSink{}

	require.NoError(t, b.handleEvent(rowsEvent(replication.UPDATE_ROWS_EVENTv2, "messaging", "pwgo_message", 10, []any{int64(1), "TAGS", "{}"}), sink))
	require.NoError(t, b.handleEvent(rowsEvent(replication.WRITE_ROWS_EVENTv2, "piwigo", "images", 20, []any{int64(1)}), sink))
	assert.Empty(t, sink.rows)
}

func TestBinlogTracksRotation(t *testing.T) {
	b := newTestBinlog()
	ev := &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: replication.ROTATE_EVENT},
		Event:  &replication.RotateEvent{Position: 4, NextLogName: []byte("binlog.000042")},
	}
	require.NoError(t, b.handleEvent(ev, &fakeSink{}))
	assert.Equal(t, "binlog.000042", b.pos.Name)
	assert.Equal(t, uint32(4), b.pos.Pos)
}

func TestBinlogMissingColumns(t *testing.T) {
	b := newTestBinlog()
	b.columns = []string{"id", "payload"}
	err := b.handleEvent(rowsEvent(replication.WRITE_ROWS_EVENTv2, "messaging", "pwgo_message", 1, []any{int64(1), "x"}), &fakeSink{})
	assert.Error(t, err)
}

func TestBinlogStopsWhenSinkCloses(t *testing.T) {
	b := newTestBinlog()
	sink := &fakeSink{err: func(dbevent.RawRow) error { return dispatch.ErrInvalidState }}
	err := b.handleEvent(rowsEvent(replication.WRITE_ROWS_EVENTv2, "messaging", "pwgo_message", 1, []any{int64(1), "TAGS", "{}"}), sink)
	assert.ErrorIs(t, err, ErrSinkClosed)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	fetchErr  error
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	err := r.fetchErr
	r.mu.Unlock()
	if err != nil {
		return kafka.Message{}, err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func newTestKafka(r *fakeReader) *Kafka {
	k := NewKafka(KafkaConfig{Topic: "pwgo"}, Deps{Hub: events.NewHub(8)})
	k.newReader = func() kafkaReader { return r }
	return k
}

func TestKafkaQueuesAndCommits(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"message_type":"TAGS","message":{"tag_id":3}}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"message_type":"IMG_METADATA","message":{"image_id":4}}`)},
	}}
	sink := &fakeSink{}
	k := newTestKafka(reader)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, sink) }()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Len(t, sink.rows, 2)
	assert.Equal(t, "TAGS", sink.rows[0].MessageType)
	assert.JSONEq(t, `{"tag_id":3}`, string(sink.rows[0].Message))
	assert.True(t, reader.closed)
}

func TestKafkaFetchError(t *testing.T) {
	reader := &fakeReader{fetchErr: errors.New("broker unreachable")}
	err := newTestKafka(reader).Run(context.Background(), &fakeSink{})
	assert.ErrorContains(t, err, "broker unreachable")
}

func TestKafkaStopsWhenSinkCloses(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: []byte(`{"message_type":"TAGS","message":{}}`)}}}
	sink := &fakeSink{err: func(dbevent.RawRow) error { return dispatch.ErrInvalidState }}
	err := newTestKafka(reader).Run(context.Background(), sink)
	assert.ErrorIs(t, err, ErrSinkClosed)
	assert.Empty(t, reader.committed)
}
