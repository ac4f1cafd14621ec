package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true, if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over todo titles and descriptions with
// ts_headline snippets, ranked by ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsVector = `to_tsvector('english', t.title || ' ' || coalesce(t.description, ''))`
	const tsQuery = `plainto_tsquery('english', $1)`

	where := tsVector + " @@ " + tsQuery
	args := []any{q.Text}
	if q.WorkspaceID != 0 {
		args = append(args, q.WorkspaceID)
		where += fmt.Sprintf(" AND l.workspace_id = $%d", len(args))
	}

	countSQL := fmt.Sprintf(`
		SELECT count(*)
		FROM todos t
		JOIN lists l ON l.id = t.list_id
		WHERE %s`, where)

	dataSQL := fmt.Sprintf(`
		SELECT t.id, t.title,
			ts_headline('english', coalesce(t.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			t.list_id, l.name, l.workspace_id,
			ts_rank(%s, %s) AS rank
		FROM todos t
		JOIN lists l ON l.id = t.list_id
		WHERE %s
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, tsQuery, tsVector, tsQuery, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.TodoID, &r.Title, &r.Snippet, &r.ListID, &r.ListName, &r.WorkspaceID, &rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable todos for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TodoRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.title, coalesce(t.description, ''), t.list_id, l.name, l.workspace_id,
			coalesce(array_to_string(array(
				SELECT lb.name FROM todo_labels tl JOIN labels lb ON lb.id = tl.label_id
				WHERE tl.todo_id = t.id AND lb.name IS NOT NULL
			), ','), '')
		FROM todos t
		JOIN lists l ON l.id = t.list_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load todos: %w", err)
	}
	defer rows.Close()

	records := make([]TodoRecord, 0)
	for rows.Next() {
		var r TodoRecord
		var labels string
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.ListID, &r.ListName, &r.WorkspaceID, &labels); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		if labels != "" {
			r.Labels = strings.Split(labels, ",")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}
	return records, nil
}
