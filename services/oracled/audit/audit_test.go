package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"
	"gorm.io/gorm"

	"feedoracle/core/events"
	"feedoracle/core/types"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return withClock(t, db)
}

func withClock(t *testing.T, db *gorm.DB) *Store {
	t.Helper()
	store, err := New(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return store
}

func TestRecordAndFilter(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	_, err := store.Record(ctx, &types.Event{Type: "controller.license.added", Attributes: map[string]string{
		"controller": "0xc0", "feedId": "123", "license": "payperuse", "price": "10",
	}})
	require.NoError(t, err)
	_, err = store.Record(ctx, &types.Event{Type: "oracle.request.created", Attributes: map[string]string{
		"oracle": "0x0a", "consumer": "0xcc", "feedId": "123",
	}})
	require.NoError(t, err)
	_, err = store.Record(ctx, &types.Event{Type: "datanode.stored", Attributes: map[string]string{
		"node": "0x0d", "feedId": "7",
	}})
	require.NoError(t, err)

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "datanode.stored", all[0].Type)

	feedID := uint32(123)
	byFeed, err := store.List(ctx, Filter{FeedID: &feedID})
	require.NoError(t, err)
	require.Len(t, byFeed, 2)

	byEmitter, err := store.List(ctx, Filter{Emitter: "0x0A"})
	require.NoError(t, err)
	require.Len(t, byEmitter, 1)
	require.Equal(t, "0xcc", byEmitter[0].Attrs()["consumer"])

	limited, err := store.List(ctx, Filter{Type: "controller.license.added", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "10", limited[0].Attrs()["price"])
}

func TestRecordJSONInlinesAttributes(t *testing.T) {
	store := setupStore(t)
	rec, err := store.Record(context.Background(), &types.Event{Type: "consumer.updated", Attributes: map[string]string{"consumer": "0xcc", "value": "-42"}})
	require.NoError(t, err)

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "consumer.updated", decoded["type"])
	require.Equal(t, "0xcc", decoded["emitter"])
	require.Equal(t, map[string]any{"consumer": "0xcc", "value": "-42"}, decoded["attributes"])
}

func TestRecordRejectsUntypedEvents(t *testing.T) {
	_, err := setupStore(t).Record(context.Background(), &types.Event{})
	require.Error(t, err)
}

func TestRunDrainsBus(t *testing.T) {
	store := setupStore(t)
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)

	done := make(chan error, 1)
	go func() { done <- store.Run(context.Background(), ch) }()

	bus.Emit(events.Typed{Evt: &types.Event{Type: "datanode.stored", Attributes: map[string]string{"node": "0x0d"}}})
	bus.Emit(plainEvent("ignored"))
	require.Eventually(t, func() bool {
		recs, err := store.List(context.Background(), Filter{})
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type plainEvent string

func (p plainEvent) EventType() string { return string(p) }

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open("  ", nil)
	require.ErrorIs(t, err, ErrDSNRequired)
}

func recordN(t *testing.T, store *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Record(context.Background(), &types.Event{Type: "datanode.stored", Attributes: map[string]string{
			"node": "0x0d", "feedId": fmt.Sprint(i + 1),
		}})
		require.NoError(t, err)
	}
}

func TestRecordsFormHashChain(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	recordN(t, store, 3)

	recs, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, uint64(3), recs[0].Seq)
	require.Equal(t, recs[1].Hash, recs[0].PrevHash)
	require.Equal(t, recs[2].Hash, recs[1].PrevHash)
	require.Empty(t, recs[2].PrevHash)

	v, err := store.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v.Records)
	require.Equal(t, recs[0].Hash, v.Head)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	recordN(t, store, 3)

	require.NoError(t, store.db.Model(&EventRecord{}).Where("seq = ?", 2).
		Update("attributes", `{"feedId":"99","node":"0x0d"}`).Error)
	_, err := store.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyDetectsRemovedRecord(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	recordN(t, store, 3)

	require.NoError(t, store.db.Where("seq = ?", 2).Delete(&EventRecord{}).Error)
	_, err := store.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestReopenedStoreExtendsChain(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	recordN(t, store, 2)

	reopened := withClock(t, store.db)
	rec, err := reopened.Record(ctx, &types.Event{Type: "consumer.updated", Attributes: map[string]string{"consumer": "0xcc"}})
	require.NoError(t, err)
	require.Equal(t, uint64(3), rec.Seq)

	v, err := reopened.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.Hash, v.Head)
}

func TestWriteParquet(t *testing.T) {
	store := setupStore(t)
	recordN(t, store, 2)
	recs, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteParquet(&buf, recs))
	out := buf.Bytes()
	require.Greater(t, len(out), 8)
	require.Equal(t, "PAR1", string(out[:4]))
	require.Equal(t, "PAR1", string(out[len(out)-4:]))

	pr, err := reader.NewParquetReader(buffer.NewBufferFileFromBytes(out), new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.EqualValues(t, len(recs), pr.GetNumRows())
	rows := make([]parquetRow, len(recs))
	require.NoError(t, pr.Read(&rows))
	for i, rec := range recs {
		require.Equal(t, int64(rec.Seq), rows[i].Seq)
		require.Equal(t, rec.Type, rows[i].Type)
		require.Equal(t, rec.Hash, rows[i].Hash)
		require.Equal(t, rec.PrevHash, rows[i].PrevHash)
	}
}
