package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/optisync/internal/snapshot"
)

// SQLJournal is a Journal stored in the operations table of a SQLite
// backend's database.
type SQLJournal struct {
	db *sql.DB
}

// marshalSteps encodes steps as a canonical JSON array.
// A delete step omits its value.
func marshalSteps(steps []JournalStep) (string, error) {
	arr := make(snapshot.Array, len(steps))
	for i, st := range steps {
		obj := snapshot.Object{"name": snapshot.String(st.Name), "path": snapshot.String(st.Path)}
		if st.Value != nil {
			obj["value"] = st.Value
		}
		arr[i] = obj
	}
	b, err := snapshot.MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("marshal steps: %w", err)
	}
	return string(b), nil
}

func unmarshalSteps(raw string) ([]JournalStep, error) {
	v, err := snapshot.Decode([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	arr, ok := v.(snapshot.Array)
	if !ok {
		return nil, fmt.Errorf("unmarshal steps: expected array, got %T", v)
	}
	steps := make([]JournalStep, len(arr))
	for i, elem := range arr {
		obj, ok := elem.(snapshot.Object)
		if !ok {
			return nil, fmt.Errorf("unmarshal steps: step %d is %T", i, elem)
		}
		name, _ := obj["name"].(snapshot.String)
		path, _ := obj["path"].(snapshot.String)
		steps[i] = JournalStep{Name: string(name), Path: string(path), Value: obj["value"]}
	}
	return steps, nil
}

func (j *SQLJournal) Begin(ctx context.Context, rec OperationRecord) error {
	steps, err := marshalSteps(rec.Steps)
	if err != nil {
		return fmt.Errorf("begin operation %s: %w", rec.ID, err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO operations (id, kind, key, steps, completed, status, created_seq)
		VALUES (?, ?, ?, ?, 0, 'open', (SELECT COALESCE(MAX(created_seq), 0) + 1 FROM operations))
	`, rec.ID, rec.Kind, rec.Key, steps)
	if err != nil {
		return fmt.Errorf("begin operation %s: %w", rec.ID, err)
	}
	return nil
}

func (j *SQLJournal) StepDone(ctx context.Context, id string, step int) error {
	return j.exec(ctx, id, "UPDATE operations SET completed = MAX(completed, ?) WHERE id = ?", step+1, id)
}

func (j *SQLJournal) Finish(ctx context.Context, id string) error {
	return j.exec(ctx, id, `
		UPDATE operations
		SET status = 'done', last_error = '', completed = json_array_length(steps)
		WHERE id = ?
	`, id)
}

func (j *SQLJournal) Fail(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return j.exec(ctx, id, "UPDATE operations SET last_error = ? WHERE id = ?", msg, id)
}

func (j *SQLJournal) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("operation %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("operation %s: not journaled", id)
	}
	return nil
}

// Open returns open operations ordered by creation.
func (j *SQLJournal) Open(ctx context.Context) ([]OperationRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, key, steps, completed, status, last_error
		FROM operations
		WHERE status = 'open'
		ORDER BY created_seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var rec OperationRecord
		var steps, status string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Key, &steps, &rec.Completed, &status, &rec.LastError); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.Status = OperationStatus(status)
		if rec.Steps, err = unmarshalSteps(steps); err != nil {
			return nil, fmt.Errorf("operation %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}
