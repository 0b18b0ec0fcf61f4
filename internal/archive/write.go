package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/keyreap/keyreap/internal/crack"
	"github.com/keyreap/keyreap/internal/session"
)

const timeLayout = time.RFC3339Nano

// RecordSession upserts the session's current state into the history.
// Called after every phase transition; the row always reflects the latest
// persisted snapshot.
func (a *Archive) RecordSession(ctx context.Context, s *session.BatchSession) error {
	var cracked, exhausted, errored int
	for _, o := range s.Outcomes {
		switch o.Status {
		case crack.StatusCracked:
			cracked++
		case crack.StatusExhausted:
			exhausted++
		case crack.StatusError:
			errored++
		}
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO sessions
		(id, root_path, mode, phase, failure, items, cracked, exhausted, errored, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase      = excluded.phase,
			failure    = excluded.failure,
			items      = excluded.items,
			cracked    = excluded.cracked,
			exhausted  = excluded.exhausted,
			errored    = excluded.errored,
			updated_at = excluded.updated_at
	`,
		s.ID,
		s.RootPath,
		string(s.Mode),
		string(s.Phase),
		s.Failure,
		len(s.Items),
		cracked,
		exhausted,
		errored,
		s.CreatedAt.UTC().Format(timeLayout),
		s.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}

	return nil
}

// AddSecrets inserts recovered hash-line/secret pairs into the pot.
// Uses ON CONFLICT(hash) DO NOTHING for idempotency - a hash recovered in
// an earlier run (or re-read from the same run's show output) is silently
// ignored, keeping the first recorded secret.
func (a *Archive) AddSecrets(ctx context.Context, sessionID string, recovered []crack.Recovered, now time.Time) error {
	if len(recovered) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add secrets: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pot (hash, secret, session_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("add secrets: %w", err)
	}
	defer stmt.Close()

	at := now.UTC().Format(timeLayout)
	for _, r := range recovered {
		if _, err := stmt.ExecContext(ctx, r.Hash, r.Secret, sessionID, at); err != nil {
			return fmt.Errorf("add secret: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add secrets: %w", err)
	}

	return nil
}
