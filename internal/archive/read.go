package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyreap/keyreap/internal/crack"
)

// SessionRow is one session history entry.
type SessionRow struct {
	ID        string
	RootPath  string
	Mode      string
	Phase     string
	Failure   string
	Items     int
	Cracked   int
	Exhausted int
	Errored   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListSessions returns the session history, newest first.
func (a *Archive) ListSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, root_path, mode, phase, failure,
		       items, cracked, exhausted, errored,
		       created_at, updated_at
		FROM sessions
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var created, updated string
		if err := rows.Scan(
			&r.ID, &r.RootPath, &r.Mode, &r.Phase, &r.Failure,
			&r.Items, &r.Cracked, &r.Exhausted, &r.Errored,
			&created, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("session %s: bad created_at: %w", r.ID, err)
		}
		if r.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
			return nil, fmt.Errorf("session %s: bad updated_at: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	return out, nil
}

// KnownSecrets returns the pot entries matching the given hash lines, as
// recovered pairs suitable for seeding a new run's engine potfile. Lines
// with no pot entry are simply absent from the result.
func (a *Archive) KnownSecrets(ctx context.Context, lines []string) ([]crack.Recovered, error) {
	if len(lines) == 0 {
		return nil, nil
	}

	stmt, err := a.db.PrepareContext(ctx, `SELECT secret FROM pot WHERE hash = ?`)
	if err != nil {
		return nil, fmt.Errorf("known secrets: %w", err)
	}
	defer stmt.Close()

	seen := make(map[string]bool, len(lines))
	var out []crack.Recovered
	for _, line := range lines {
		if seen[line] {
			continue
		}
		seen[line] = true

		var secret string
		switch err := stmt.QueryRowContext(ctx, line).Scan(&secret); {
		case err == nil:
			out = append(out, crack.Recovered{Hash: line, Secret: secret})
		case errors.Is(err, sql.ErrNoRows):
			// Not in the pot; the engine will have to earn this one.
		default:
			return nil, fmt.Errorf("known secrets: %w", err)
		}
	}

	return out, nil
}

// PotSize returns the total number of recovered secrets in the pot.
func (a *Archive) PotSize(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pot`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pot size: %w", err)
	}
	return n, nil
}
