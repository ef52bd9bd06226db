package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"seamodem/internal/link"
)

// DiagnosticRecord is one logged link quality snapshot.
type DiagnosticRecord struct {
	LocalID         int64
	LinkUp          bool
	PacketCount     int
	PacketLossCount int
	BitErrorRate    float64
	Role            string
	Channel         int
	At              time.Time
}

type DiagnosticRepo struct {
	db *sql.DB
}

func NewDiagnosticRepo(db *sql.DB) *DiagnosticRepo {
	return &DiagnosticRepo{db: db}
}

func (r *DiagnosticRepo) Insert(ctx context.Context, ev link.Diagnostic) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO diagnostics(link_up, packet_count, packet_loss, bit_error_rate, role, channel, at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, boolToInt(ev.LinkUp), ev.PacketCount, ev.PacketLossCount, ev.BitErrorRate, ev.Role, ev.Channel, toUnixMillis(ev.At))
	if err != nil {
		return 0, fmt.Errorf("insert diagnostic: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get diagnostic local id: %w", err)
	}
	return id, nil
}

// ListRecent returns the newest snapshots first.
func (r *DiagnosticRepo) ListRecent(ctx context.Context, limit int) ([]DiagnosticRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT local_id, link_up, packet_count, packet_loss, bit_error_rate, role, channel, at
		FROM diagnostics
		ORDER BY at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []DiagnosticRecord
	for rows.Next() {
		var (
			rec    DiagnosticRecord
			linkUp int
			at     int64
		)
		if err := rows.Scan(&rec.LocalID, &linkUp, &rec.PacketCount, &rec.PacketLossCount,
			&rec.BitErrorRate, &rec.Role, &rec.Channel, &at); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		rec.LinkUp = linkUp != 0
		rec.At = fromUnixMillis(at)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagnostics: %w", err)
	}
	return out, nil
}
