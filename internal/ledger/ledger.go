package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	apperrors "github.com/parseltongue/parseltongue-go/internal/errors"
	"github.com/parseltongue/parseltongue-go/internal/models"
)

// Common errors
var (
	// ErrNodeLocked is returned when a proposal targets a node that
	// already has an in-flight candidate under a different candidate id
	ErrNodeLocked = errors.New("node locked by in-flight candidate")

	// ErrInvalidTransition is returned when a status change would skip a
	// stage or move backward
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotReady is returned when commit is attempted before every row
	// of the candidate is AllPassed
	ErrNotReady = errors.New("candidate not ready to commit")

	// ErrUnknownCandidate is returned when no rows exist for a candidate id
	ErrUnknownCandidate = errors.New("unknown candidate")
)

// Ledger is the single, exclusive write surface for code text changes.
// It records, per node, the last-known-good source text and at most one
// pending future text plus its validation status. Retrieval and reasoning
// layers never write here directly; only Propose, the validation gate's
// AdvanceStatus, and Commit/Discard mutate rows.
type Ledger struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewLedger creates a candidate ledger on the given database handle,
// typically shared with the graph store
func NewLedger(db *sqlx.DB, logger *logrus.Logger) (*Ledger, error) {
	l := &Ledger{db: db, logger: logger}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS candidate_ledger (
		node_id TEXT PRIMARY KEY,
		current_text TEXT NOT NULL DEFAULT '',
		future_text TEXT,
		future_action TEXT NOT NULL DEFAULT 'none',
		validation_status TEXT NOT NULL DEFAULT 'failed',
		candidate_id TEXT,
		last_applied_commit TEXT,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_candidate ON candidate_ledger(candidate_id);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// UpsertCurrent records the authoritative current text for a node without
// proposing any change. Used by ingestion to seed the ledger; refuses to
// touch a node with an in-flight proposal.
func (l *Ledger) UpsertCurrent(ctx context.Context, nodeID, text string) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row, err := l.getRowTx(ctx, tx, nodeID)
	if err != nil {
		return err
	}
	if row != nil && rowLocked(row) {
		return fmt.Errorf("node %s: %w", nodeID, ErrNodeLocked)
	}

	_, err = tx.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO candidate_ledger (node_id, current_text, future_action, validation_status, updated_at)
		VALUES (?, ?, 'none', 'failed', ?)
		ON CONFLICT(node_id) DO UPDATE SET
			current_text = excluded.current_text,
			updated_at = excluded.updated_at`),
		nodeID, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert current text for %s: %w", nodeID, err)
	}
	return tx.Commit()
}

// Propose records a candidate: one pending future text per targeted node.
// Fails with ErrNodeLocked if any targeted node already has an in-flight
// proposal under a different candidate id; a Pending proposal under the
// same candidate id is superseded. A candidate whose validation has
// started can no longer grow: every row of the candidate must still be
// Pending, and a Failed candidate id is spent.
func (l *Ledger) Propose(ctx context.Context, candidateID string, changes []models.Change) error {
	if candidateID == "" {
		return fmt.Errorf("candidate id cannot be empty")
	}
	if len(changes) == 0 {
		return fmt.Errorf("candidate %s has no changes", candidateID)
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := l.rowsForCandidateTx(ctx, tx, candidateID)
	if err != nil {
		return err
	}
	for _, row := range existing {
		switch row.ValidationStatus {
		case models.StatusPending:
		case models.StatusFailed:
			return fmt.Errorf("candidate %s already failed, use a new candidate id: %w",
				candidateID, ErrInvalidTransition)
		default:
			return fmt.Errorf("candidate %s is %s, new proposals require %s: %w",
				candidateID, row.ValidationStatus, models.StatusPending, ErrNodeLocked)
		}
	}

	for _, change := range changes {
		row, err := l.getRowTx(ctx, tx, change.NodeID)
		if err != nil {
			return err
		}
		if row != nil && rowLocked(row) {
			if row.CandidateID != candidateID || row.ValidationStatus != models.StatusPending {
				return fmt.Errorf("node %s held by candidate %s: %w",
					change.NodeID, row.CandidateID, ErrNodeLocked)
			}
			// Same candidate still Pending: supersede the earlier text
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, l.db.Rebind(`
			INSERT INTO candidate_ledger
				(node_id, current_text, future_text, future_action, validation_status, candidate_id, updated_at)
			VALUES (?, '', ?, ?, ?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET
				future_text = excluded.future_text,
				future_action = excluded.future_action,
				validation_status = excluded.validation_status,
				candidate_id = excluded.candidate_id,
				updated_at = excluded.updated_at`),
			change.NodeID, change.FutureText, change.Action,
			models.StatusPending, candidateID, now)
		if err != nil {
			return fmt.Errorf("propose change for %s: %w", change.NodeID, err)
		}
	}

	if err := l.assertNoDoubleInFlight(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit proposal: %w", err)
	}

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"candidate": candidateID,
			"nodes":     len(changes),
		}).Info("Candidate proposed")
	}
	return nil
}

// validTransitions encodes the monotonic stage sequence. Any in-flight
// status may move to Failed; everything else must advance one stage.
var validTransitions = map[models.ValidationStatus][]models.ValidationStatus{
	models.StatusPending:      {models.StatusStage1Passed, models.StatusFailed},
	models.StatusStage1Passed: {models.StatusStage2Passed, models.StatusFailed},
	models.StatusStage2Passed: {models.StatusAllPassed, models.StatusFailed},
}

func transitionAllowed(from, to models.ValidationStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AdvanceStatus moves every row of the candidate one step through the
// validation state machine. Skipping a stage or moving backward fails with
// ErrInvalidTransition. Moving to Failed clears the future fields.
func (l *Ledger) AdvanceStatus(ctx context.Context, candidateID string, newStatus models.ValidationStatus) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := l.candidateStatusTx(ctx, tx, candidateID)
	if err != nil {
		return err
	}
	if !transitionAllowed(current, newStatus) {
		return fmt.Errorf("candidate %s: %s -> %s: %w",
			candidateID, current, newStatus, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	if newStatus == models.StatusFailed {
		_, err = tx.ExecContext(ctx, l.db.Rebind(`
			UPDATE candidate_ledger
			SET validation_status = ?, future_text = NULL, future_action = 'none', updated_at = ?
			WHERE candidate_id = ?`),
			newStatus, now, candidateID)
	} else {
		_, err = tx.ExecContext(ctx, l.db.Rebind(`
			UPDATE candidate_ledger
			SET validation_status = ?, updated_at = ?
			WHERE candidate_id = ?`),
			newStatus, now, candidateID)
	}
	if err != nil {
		return fmt.Errorf("advance candidate %s: %w", candidateID, err)
	}
	return tx.Commit()
}

// Commit atomically flips future text to current text for every row of an
// AllPassed candidate. This is the only operation that changes what is
// considered the authoritative current source.
func (l *Ledger) Commit(ctx context.Context, candidateID string) (*models.CommitRecord, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := l.rowsForCandidateTx(ctx, tx, candidateID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("candidate %s: %w", candidateID, ErrUnknownCandidate)
	}
	for _, row := range rows {
		if row.ValidationStatus != models.StatusAllPassed {
			return nil, fmt.Errorf("candidate %s: node %s is %s: %w",
				candidateID, row.NodeID, row.ValidationStatus, ErrNotReady)
		}
	}

	commitRef := uuid.New().String()
	now := time.Now().UTC()
	nodeIDs := make([]string, 0, len(rows))

	for _, row := range rows {
		newCurrent := row.CurrentText
		switch row.FutureAction {
		case models.ActionCreate, models.ActionEdit:
			if row.FutureText != nil {
				newCurrent = *row.FutureText
			}
		case models.ActionDelete:
			newCurrent = ""
		}

		_, err := tx.ExecContext(ctx, l.db.Rebind(`
			UPDATE candidate_ledger
			SET current_text = ?,
			    future_text = NULL,
			    future_action = 'none',
			    candidate_id = NULL,
			    last_applied_commit = ?,
			    updated_at = ?
			WHERE node_id = ?`),
			newCurrent, commitRef, now, row.NodeID)
		if err != nil {
			return nil, fmt.Errorf("commit node %s: %w", row.NodeID, err)
		}
		nodeIDs = append(nodeIDs, row.NodeID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit candidate %s: %w", candidateID, err)
	}

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"candidate": candidateID,
			"commit":    commitRef,
			"nodes":     len(nodeIDs),
		}).Info("Candidate committed")
	}

	return &models.CommitRecord{
		CandidateID: candidateID,
		CommitRef:   commitRef,
		NodeIDs:     nodeIDs,
		CommittedAt: now,
	}, nil
}

// Discard clears the future fields of every row in the candidate and
// resets the status. Usable at any pre-commit state; a cancelled run ends
// Failed rather than in any intermediate state.
func (l *Ledger) Discard(ctx context.Context, candidateID string) error {
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE candidate_ledger
		SET future_text = NULL, future_action = 'none', validation_status = ?, updated_at = ?
		WHERE candidate_id = ?`),
		models.StatusFailed, time.Now().UTC(), candidateID)
	if err != nil {
		return fmt.Errorf("discard candidate %s: %w", candidateID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("candidate %s: %w", candidateID, ErrUnknownCandidate)
	}
	return nil
}

// Get returns the ledger row for a node, or nil when none exists
func (l *Ledger) Get(ctx context.Context, nodeID string) (*models.CandidateLedgerRow, error) {
	row := l.db.QueryRowxContext(ctx, l.db.Rebind(`
		SELECT node_id, current_text, future_text, future_action,
		       validation_status, candidate_id, last_applied_commit, updated_at
		FROM candidate_ledger WHERE node_id = ?`), nodeID)
	r, err := scanLedgerRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger row %s: %w", nodeID, err)
	}
	return r, nil
}

// Rows returns every row belonging to a candidate in node-id order
func (l *Ledger) Rows(ctx context.Context, candidateID string) ([]models.CandidateLedgerRow, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	return l.rowsForCandidateTx(ctx, tx, candidateID)
}

// Status returns the shared validation status of a candidate's rows
func (l *Ledger) Status(ctx context.Context, candidateID string) (models.ValidationStatus, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	return l.candidateStatusTx(ctx, tx, candidateID)
}

// VerifyIntegrity scans for the one condition that must abort rather than
// be repaired: more than one in-flight future text for a single node,
// which the primary key should make impossible
func (l *Ledger) VerifyIntegrity(ctx context.Context) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	return l.assertNoDoubleInFlight(ctx, tx)
}

func (l *Ledger) assertNoDoubleInFlight(ctx context.Context, tx *sqlx.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT node_id, COUNT(*) AS n
		FROM candidate_ledger
		WHERE future_text IS NOT NULL
		  AND validation_status != 'failed'
		GROUP BY node_id
		HAVING COUNT(*) > 1`)
	if err != nil {
		return fmt.Errorf("integrity scan: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var nodeID string
		var n int
		_ = rows.Scan(&nodeID, &n)
		return apperrors.CorruptionErrorf(
			"ledger corruption: node %s has %d in-flight future texts", nodeID, n)
	}
	return rows.Err()
}

func (l *Ledger) getRowTx(ctx context.Context, tx *sqlx.Tx, nodeID string) (*models.CandidateLedgerRow, error) {
	row := tx.QueryRowxContext(ctx, l.db.Rebind(`
		SELECT node_id, current_text, future_text, future_action,
		       validation_status, candidate_id, last_applied_commit, updated_at
		FROM candidate_ledger WHERE node_id = ?`), nodeID)
	r, err := scanLedgerRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger row %s: %w", nodeID, err)
	}
	return r, nil
}

func (l *Ledger) rowsForCandidateTx(ctx context.Context, tx *sqlx.Tx, candidateID string) ([]models.CandidateLedgerRow, error) {
	rows, err := tx.QueryxContext(ctx, l.db.Rebind(`
		SELECT node_id, current_text, future_text, future_action,
		       validation_status, candidate_id, last_applied_commit, updated_at
		FROM candidate_ledger WHERE candidate_id = ? ORDER BY node_id`), candidateID)
	if err != nil {
		return nil, fmt.Errorf("rows for candidate %s: %w", candidateID, err)
	}
	defer rows.Close()

	var result []models.CandidateLedgerRow
	for rows.Next() {
		r, err := scanLedgerRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (l *Ledger) candidateStatusTx(ctx context.Context, tx *sqlx.Tx, candidateID string) (models.ValidationStatus, error) {
	rows, err := l.rowsForCandidateTx(ctx, tx, candidateID)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("candidate %s: %w", candidateID, ErrUnknownCandidate)
	}
	status := rows[0].ValidationStatus
	for _, r := range rows[1:] {
		if r.ValidationStatus != status {
			return "", apperrors.CorruptionErrorf(
				"ledger corruption: candidate %s has mixed statuses (%s, %s)",
				candidateID, status, r.ValidationStatus)
		}
	}
	return status, nil
}

// rowLocked reports whether a row holds the node against competing
// candidates: any unresolved future text, including AllPassed awaiting
// commit, keeps the lock. Failure and commit both clear the future text.
func rowLocked(row *models.CandidateLedgerRow) bool {
	return row.FutureText != nil && row.ValidationStatus != models.StatusFailed
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLedgerRow(row rowScanner) (*models.CandidateLedgerRow, error) {
	var r models.CandidateLedgerRow
	var future, candidate, commit sql.NullString
	if err := row.Scan(&r.NodeID, &r.CurrentText, &future, &r.FutureAction,
		&r.ValidationStatus, &candidate, &commit, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if future.Valid {
		r.FutureText = &future.String
	}
	r.CandidateID = candidate.String
	r.LastAppliedCommit = commit.String
	return &r, nil
}
