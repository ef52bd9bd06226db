package persistence

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"seamodem/internal/link"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "traffic.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.db")
	ctx := context.Background()

	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer func() { _ = db.Close() }()
}

func TestTrafficRepoRoundTrip(t *testing.T) {
	repo := NewTrafficRepo(openTestDB(t))
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	events := []link.Datagram{
		{Direction: link.DirectionOut, Size: 12, OK: true, At: base},
		{Direction: link.DirectionIn, Size: 12, OK: true, At: base.Add(time.Second)},
		{Direction: link.DirectionIn, Size: 33, OK: false, At: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if _, err := repo.InsertDatagram(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	records, err := repo.ListRecentDatagrams(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	newest := records[0]
	if newest.Direction != string(link.DirectionIn) || newest.OK || newest.Size != 33 {
		t.Fatalf("unexpected newest record: %+v", newest)
	}
	if !newest.At.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("timestamp mangled: %s vs %s", newest.At, base.Add(2*time.Second))
	}
}

func TestTrafficRepoLossRate(t *testing.T) {
	repo := NewTrafficRepo(openTestDB(t))
	ctx := context.Background()

	rate, err := repo.LossRate(ctx)
	if err != nil || rate != 0 {
		t.Fatalf("empty log loss rate = %f, %v, want 0", rate, err)
	}

	now := time.Now()
	inserts := []link.Datagram{
		{Direction: link.DirectionIn, Size: 8, OK: true, At: now},
		{Direction: link.DirectionIn, Size: 8, OK: true, At: now},
		{Direction: link.DirectionIn, Size: 8, OK: false, At: now},
		{Direction: link.DirectionIn, Size: 8, OK: false, At: now},
		// Outgoing never counts toward loss.
		{Direction: link.DirectionOut, Size: 8, OK: true, At: now},
	}
	for _, ev := range inserts {
		if _, err := repo.InsertDatagram(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rate, err = repo.LossRate(ctx)
	if err != nil {
		t.Fatalf("loss rate: %v", err)
	}
	if rate != 0.5 {
		t.Fatalf("loss rate = %f, want 0.5", rate)
	}
}

func TestDiagnosticRepoRoundTrip(t *testing.T) {
	repo := NewDiagnosticRepo(openTestDB(t))
	ctx := context.Background()

	ev := link.Diagnostic{
		LinkUp:          true,
		PacketCount:     120,
		PacketLossCount: 7,
		BitErrorRate:    0.1,
		Role:            "b",
		Channel:         3,
		At:              time.Now().Truncate(time.Millisecond),
	}
	if _, err := repo.Insert(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	records, err := repo.ListRecent(ctx, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if !rec.LinkUp || rec.PacketCount != 120 || rec.PacketLossCount != 7 ||
		rec.BitErrorRate != 0.1 || rec.Role != "b" || rec.Channel != 3 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.At.Equal(ev.At) {
		t.Fatalf("timestamp mangled: %s vs %s", rec.At, ev.At)
	}
}

func TestWriterQueueRunsWrites(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWriterQueue(logger, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	done := make(chan struct{})
	w.Enqueue("probe", func(context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued write never ran")
	}
}

func TestWriterQueueRetries(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWriterQueue(logger, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	var attempts atomic.Int32
	done := make(chan struct{})
	w.Enqueue("flaky", func(context.Context) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("write was not retried")
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}
