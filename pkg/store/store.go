// Package store persists sessions and their step results in the
// embedded database. Every operation is a single transaction; partial
// failure leaves no visible change. Transient failures are retried once
// before surfacing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepthink-mcp/deepthink/pkg/models"
)

// ErrNotFound indicates the requested session does not exist.
var ErrNotFound = errors.New("session not found in store")

// ErrStorage marks a database failure that survived the internal retry.
var ErrStorage = errors.New("storage failure")

// timeFormat is the canonical timestamp encoding for TEXT columns.
const timeFormat = time.RFC3339Nano

// SessionStore is the durable record of sessions, step outputs, quality
// scores, and cursor state.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a session store over an open database handle.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// SaveSession writes the full session record: row, cursor, and all step
// results. The session manager uses it when a session is created; its
// later writes go through the narrower operations below.
func (s *SessionStore) SaveSession(ctx context.Context, session *models.Session) error {
	return s.withRetry(ctx, "SaveSession", func(tx *sql.Tx) error {
		contextJSON, err := json.Marshal(session.Context)
		if err != nil {
			return fmt.Errorf("failed to encode session context: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, topic, flow_type, status, context_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				topic = excluded.topic,
				status = excluded.status,
				context_json = excluded.context_json,
				updated_at = excluded.updated_at`,
			session.ID, session.Topic, session.FlowType, string(session.Status),
			string(contextJSON), session.CreatedAt.Format(timeFormat), session.UpdatedAt.Format(timeFormat))
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_current (session_id, current_step_name, current_iteration, step_number)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				current_step_name = excluded.current_step_name,
				current_iteration = excluded.current_iteration,
				step_number = excluded.step_number`,
			session.ID, session.CurrentStep, session.CurrentIteration, session.StepNumber)
		if err != nil {
			return err
		}

		for _, results := range session.StepResults {
			for _, r := range results {
				if err := upsertStepResult(ctx, tx, session.ID, r); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// LoadSession reads the full session record, assembling step results and
// cursor state. Returns ErrNotFound for unknown ids.
func (s *SessionStore) LoadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session *models.Session
	err := s.withRetry(ctx, "LoadSession", func(tx *sql.Tx) error {
		loaded, err := loadSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		session = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// AppendStepResult records one step execution and refreshes the
// session's updated_at in the same transaction.
func (s *SessionStore) AppendStepResult(ctx context.Context, sessionID string, result models.StepResult) error {
	return s.withRetry(ctx, "AppendStepResult", func(tx *sql.Tx) error {
		if err := requireSession(ctx, tx, sessionID); err != nil {
			return err
		}
		if err := upsertStepResult(ctx, tx, sessionID, result); err != nil {
			return err
		}
		return touchSession(ctx, tx, sessionID)
	})
}

// UpdateStepResult is AppendStepResult under a name matching its use:
// retries and status flips overwrite the same (step, iteration) slot.
func (s *SessionStore) UpdateStepResult(ctx context.Context, sessionID string, result models.StepResult) error {
	return s.AppendStepResult(ctx, sessionID, result)
}

// UpdateCurrentStep moves the session cursor.
func (s *SessionStore) UpdateCurrentStep(ctx context.Context, sessionID, stepName string, iteration, stepNumber int) error {
	return s.withRetry(ctx, "UpdateCurrentStep", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE session_current
			SET current_step_name = ?, current_iteration = ?, step_number = ?
			WHERE session_id = ?`,
			stepName, iteration, stepNumber, sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return touchSession(ctx, tx, sessionID)
	})
}

// MarkStatus transitions the session status.
func (s *SessionStore) MarkStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	return s.withRetry(ctx, "MarkStatus", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC().Format(timeFormat), sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil
	})
}

// TouchSession refreshes the session's updated_at without other
// changes. Used by the session manager when an MCP tool reads a session.
func (s *SessionStore) TouchSession(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, "TouchSession", func(tx *sql.Tx) error {
		if err := requireSession(ctx, tx, sessionID); err != nil {
			return err
		}
		return touchSession(ctx, tx, sessionID)
	})
}

// ListExpired returns ids of active sessions whose updated_at is older
// than the cutoff.
func (s *SessionStore) ListExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, "ListExpired", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM sessions WHERE status = ? AND datetime(updated_at) < datetime(?)`,
			string(models.SessionStatusActive), cutoff.UTC().Format(timeFormat))
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteSession removes a session and all derived rows.
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, "DeleteSession", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_steps WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_current WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil
	})
}

// CountActive returns the number of active sessions, enforced against
// max_sessions on create.
func (s *SessionStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.withRetry(ctx, "CountActive", func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status = ?`,
			string(models.SessionStatusActive)).Scan(&count)
	})
	return count, err
}

// withRetry runs fn in a transaction, retrying once on transient
// failure. Lookup misses are never retried.
func (s *SessionStore) withRetry(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := s.inTx(ctx, fn)
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}

	slog.Warn("Store operation failed, retrying once", "op", op, "error", err)
	if retryErr := s.inTx(ctx, fn); retryErr == nil {
		return nil
	} else if errors.Is(retryErr, ErrNotFound) {
		return retryErr
	} else {
		return fmt.Errorf("%w: %s failed after retry: %w", ErrStorage, op, retryErr)
	}
}

func (s *SessionStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func requireSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return err
}

func touchSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeFormat), sessionID)
	return err
}

func upsertStepResult(ctx context.Context, tx *sql.Tx, sessionID string, r models.StepResult) error {
	var outputJSON sql.NullString
	if r.StructuredOutput != nil {
		data, err := json.Marshal(r.StructuredOutput)
		if err != nil {
			return fmt.Errorf("failed to encode structured output: %w", err)
		}
		outputJSON = sql.NullString{String: string(data), Valid: true}
	}

	var score sql.NullFloat64
	if r.QualityScore != nil {
		score = sql.NullFloat64{Float64: *r.QualityScore, Valid: true}
	}

	var finished sql.NullString
	if r.FinishedAt != nil {
		finished = sql.NullString{String: r.FinishedAt.UTC().Format(timeFormat), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO session_steps
			(session_id, step_name, iteration_index, status, raw_text,
			 structured_output_json, quality_score, retry_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, step_name, iteration_index) DO UPDATE SET
			status = excluded.status,
			raw_text = excluded.raw_text,
			structured_output_json = excluded.structured_output_json,
			quality_score = excluded.quality_score,
			retry_count = excluded.retry_count,
			finished_at = excluded.finished_at`,
		sessionID, r.StepName, r.IterationIndex, string(r.Status), r.RawText,
		outputJSON, score, r.RetryCount, r.StartedAt.UTC().Format(timeFormat), finished)
	return err
}

func loadSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (*models.Session, error) {
	var (
		session             models.Session
		status              string
		contextJSON         string
		createdAt, updateAt string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, topic, flow_type, status, context_json, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID).
		Scan(&session.ID, &session.Topic, &session.FlowType, &status,
			&contextJSON, &createdAt, &updateAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}

	session.Status = models.SessionStatus(status)
	if err := json.Unmarshal([]byte(contextJSON), &session.Context); err != nil {
		return nil, fmt.Errorf("failed to decode session context: %w", err)
	}
	if session.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if session.UpdatedAt, err = time.Parse(timeFormat, updateAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		SELECT current_step_name, current_iteration, step_number
		FROM session_current WHERE session_id = ?`, sessionID).
		Scan(&session.CurrentStep, &session.CurrentIteration, &session.StepNumber)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	session.StepResults = make(map[string][]models.StepResult)
	session.StepOutputs = make(map[string]any)
	session.QualityScores = make(map[string]float64)

	rows, err := tx.QueryContext(ctx, `
		SELECT step_name, iteration_index, status, raw_text,
		       structured_output_json, quality_score, retry_count, started_at, finished_at
		FROM session_steps WHERE session_id = ?
		ORDER BY step_name, iteration_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r          models.StepResult
			stepStatus string
			outputJSON sql.NullString
			score      sql.NullFloat64
			started    string
			finished   sql.NullString
		)
		if err := rows.Scan(&r.StepName, &r.IterationIndex, &stepStatus, &r.RawText,
			&outputJSON, &score, &r.RetryCount, &started, &finished); err != nil {
			return nil, err
		}
		r.Status = models.StepStatus(stepStatus)
		if outputJSON.Valid {
			var out any
			if err := json.Unmarshal([]byte(outputJSON.String), &out); err != nil {
				return nil, fmt.Errorf("failed to decode structured output for %s: %w", r.StepName, err)
			}
			r.StructuredOutput = out
		}
		if score.Valid {
			v := score.Float64
			r.QualityScore = &v
		}
		if r.StartedAt, err = time.Parse(timeFormat, started); err != nil {
			return nil, fmt.Errorf("failed to parse started_at: %w", err)
		}
		if finished.Valid {
			t, err := time.Parse(timeFormat, finished.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse finished_at: %w", err)
			}
			r.FinishedAt = &t
		}
		session.StepResults[r.StepName] = append(session.StepResults[r.StepName], r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rebuildDerived(&session)
	return &session, nil
}

// rebuildDerived reconstructs step_outputs and quality_scores from the
// persisted step rows. A step with more than one row (a for_each step
// with several iterations) gets the ordered array of per-iteration
// outputs; a step with a single row at iteration 0 gets that row's
// output itself, whether or not it is a for_each step.
func rebuildDerived(session *models.Session) {
	for stepName, results := range session.StepResults {
		if len(results) == 1 && results[0].IterationIndex == 0 {
			if results[0].StructuredOutput != nil {
				session.StepOutputs[stepName] = results[0].StructuredOutput
			}
		} else if len(results) > 1 {
			outputs := make([]any, len(results))
			for i, r := range results {
				outputs[i] = r.StructuredOutput
			}
			session.StepOutputs[stepName] = outputs
		}
		for _, r := range results {
			if r.QualityScore != nil {
				session.QualityScores[stepName] = *r.QualityScore
			}
		}
	}
}
