package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"seamodem/internal/link"
)

// DatagramRecord is one logged datagram transfer.
type DatagramRecord struct {
	LocalID   int64
	Direction string
	Size      int
	OK        bool
	At        time.Time
}

type TrafficRepo struct {
	db *sql.DB
}

func NewTrafficRepo(db *sql.DB) *TrafficRepo {
	return &TrafficRepo{db: db}
}

func (r *TrafficRepo) InsertDatagram(ctx context.Context, ev link.Datagram) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO datagrams(direction, size, ok, at)
		VALUES(?, ?, ?, ?)
	`, string(ev.Direction), ev.Size, boolToInt(ev.OK), toUnixMillis(ev.At))
	if err != nil {
		return 0, fmt.Errorf("insert datagram: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get datagram local id: %w", err)
	}
	return id, nil
}

// ListRecentDatagrams returns the newest transfers first.
func (r *TrafficRepo) ListRecentDatagrams(ctx context.Context, limit int) ([]DatagramRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT local_id, direction, size, ok, at
		FROM datagrams
		ORDER BY at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list datagrams: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []DatagramRecord
	for rows.Next() {
		var (
			rec DatagramRecord
			ok  int
			at  int64
		)
		if err := rows.Scan(&rec.LocalID, &rec.Direction, &rec.Size, &ok, &at); err != nil {
			return nil, fmt.Errorf("scan datagram: %w", err)
		}
		rec.OK = ok != 0
		rec.At = fromUnixMillis(at)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate datagrams: %w", err)
	}
	return out, nil
}

// LossRate reports the fraction of logged incoming datagrams that were
// discarded as corrupt, over the whole log.
func (r *TrafficRepo) LossRate(ctx context.Context) (float64, error) {
	var total, bad int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0)
		FROM datagrams
		WHERE direction = ?
	`, string(link.DirectionIn)).Scan(&total, &bad)
	if err != nil {
		return 0, fmt.Errorf("aggregate datagram loss: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(bad) / float64(total), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
