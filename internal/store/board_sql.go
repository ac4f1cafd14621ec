package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskboard/api/internal/board"
)

// Board queries return board.* snapshot types directly: every mutation bumps
// the row's revision in the same statement and returns the full row, which
// is what the broadcast payloads and the client's confirmation merge need.

const todoColumns = `id, list_id, title, COALESCE(description, ''), assigned_to, COALESCE(due_date, ''), COALESCE(due_time, ''), position, revision`

func scanTodo(scanner interface{ Scan(...any) error }) (board.Todo, error) {
	var todo board.Todo
	err := scanner.Scan(&todo.ID, &todo.ListID, &todo.Title, &todo.Description,
		&todo.AssignedTo, &todo.DueDate, &todo.DueTime, &todo.Position, &todo.Revision)
	if err != nil {
		return board.Todo{}, err
	}
	todo.Labels = []board.Label{}
	return todo, nil
}

// FetchWorkspaceBoard assembles the full normalized snapshot: lists with
// their todos sorted by position, the workspace label set, the member set,
// per-todo label sets, and derived checklist counts. Checklist item detail
// is elided; clients fetch it per todo.
func (s *PostgresStore) FetchWorkspaceBoard(ctx context.Context, workspaceID int64) (board.Board, error) {
	result := board.Board{WorkspaceID: workspaceID, Lists: []board.List{}, Labels: []board.Label{}, Members: []board.Member{}}

	listRows, err := s.db.QueryContext(ctx, `
		SELECT id, name, position, revision FROM lists
		WHERE workspace_id=$1 ORDER BY position, id
	`, workspaceID)
	if err != nil {
		return board.Board{}, fmt.Errorf("fetch lists: %w", err)
	}
	defer listRows.Close()

	listIndex := make(map[int64]int)
	for listRows.Next() {
		var list board.List
		if err := listRows.Scan(&list.ID, &list.Name, &list.Position, &list.Revision); err != nil {
			return board.Board{}, fmt.Errorf("scan list: %w", err)
		}
		list.Todos = []board.Todo{}
		listIndex[list.ID] = len(result.Lists)
		result.Lists = append(result.Lists, list)
	}
	if err := listRows.Err(); err != nil {
		return board.Board{}, fmt.Errorf("iterate lists: %w", err)
	}

	todoRows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.list_id, t.title, COALESCE(t.description, ''), t.assigned_to,
			COALESCE(t.due_date, ''), COALESCE(t.due_time, ''), t.position, t.revision,
			COALESCE(ci.total, 0), COALESCE(ci.done, 0)
		FROM todos t
		JOIN lists l ON l.id = t.list_id
		LEFT JOIN (
			SELECT todo_id, COUNT(*) AS total, COUNT(*) FILTER (WHERE done) AS done
			FROM checklist_items GROUP BY todo_id
		) ci ON ci.todo_id = t.id
		WHERE l.workspace_id=$1
		ORDER BY t.position, t.id
	`, workspaceID)
	if err != nil {
		return board.Board{}, fmt.Errorf("fetch todos: %w", err)
	}
	defer todoRows.Close()

	todoIndex := make(map[int64][2]int)
	for todoRows.Next() {
		var todo board.Todo
		err := todoRows.Scan(&todo.ID, &todo.ListID, &todo.Title, &todo.Description,
			&todo.AssignedTo, &todo.DueDate, &todo.DueTime, &todo.Position, &todo.Revision,
			&todo.ChecklistCount, &todo.CompletedChecklistCount)
		if err != nil {
			return board.Board{}, fmt.Errorf("scan todo: %w", err)
		}
		todo.Labels = []board.Label{}
		li, ok := listIndex[todo.ListID]
		if !ok {
			continue
		}
		todoIndex[todo.ID] = [2]int{li, len(result.Lists[li].Todos)}
		result.Lists[li].Todos = append(result.Lists[li].Todos, todo)
	}
	if err := todoRows.Err(); err != nil {
		return board.Board{}, fmt.Errorf("iterate todos: %w", err)
	}

	labelRows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, COALESCE(name, ''), color, revision FROM labels
		WHERE workspace_id=$1 ORDER BY id
	`, workspaceID)
	if err != nil {
		return board.Board{}, fmt.Errorf("fetch labels: %w", err)
	}
	defer labelRows.Close()

	labels := make(map[int64]board.Label)
	for labelRows.Next() {
		var label board.Label
		if err := labelRows.Scan(&label.ID, &label.WorkspaceID, &label.Name, &label.Color, &label.Revision); err != nil {
			return board.Board{}, fmt.Errorf("scan label: %w", err)
		}
		labels[label.ID] = label
		result.Labels = append(result.Labels, label)
	}
	if err := labelRows.Err(); err != nil {
		return board.Board{}, fmt.Errorf("iterate labels: %w", err)
	}

	attachRows, err := s.db.QueryContext(ctx, `
		SELECT tl.todo_id, tl.label_id
		FROM todo_labels tl
		JOIN todos t ON t.id = tl.todo_id
		JOIN lists l ON l.id = t.list_id
		WHERE l.workspace_id=$1
		ORDER BY tl.label_id
	`, workspaceID)
	if err != nil {
		return board.Board{}, fmt.Errorf("fetch todo labels: %w", err)
	}
	defer attachRows.Close()

	for attachRows.Next() {
		var todoID, labelID int64
		if err := attachRows.Scan(&todoID, &labelID); err != nil {
			return board.Board{}, fmt.Errorf("scan todo label: %w", err)
		}
		if pos, ok := todoIndex[todoID]; ok {
			if label, ok := labels[labelID]; ok {
				todo := &result.Lists[pos[0]].Todos[pos[1]]
				todo.Labels = append(todo.Labels, label)
			}
		}
	}
	if err := attachRows.Err(); err != nil {
		return board.Board{}, fmt.Errorf("iterate todo labels: %w", err)
	}

	members, err := s.ListWorkspaceMembers(ctx, workspaceID)
	if err != nil {
		return board.Board{}, err
	}
	for _, member := range members {
		result.Members = append(result.Members, board.Member{
			UserID:   member.UserID,
			Username: member.Username,
			Email:    member.Email,
			Role:     member.Role,
		})
	}

	return result, nil
}

// ---- Lists

func (s *PostgresStore) CreateList(ctx context.Context, workspaceID int64, name string) (board.List, error) {
	var list board.List
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO lists (workspace_id, name, position)
		VALUES ($1, $2, COALESCE((SELECT MAX(position) + 1 FROM lists WHERE workspace_id=$1), 0))
		RETURNING id, name, position, revision
	`, workspaceID, name).Scan(&list.ID, &list.Name, &list.Position, &list.Revision)
	if err != nil {
		return board.List{}, fmt.Errorf("insert list: %w", err)
	}
	list.Todos = []board.Todo{}
	return list, nil
}

func (s *PostgresStore) UpdateList(ctx context.Context, listID int64, fields board.ListPatch) (board.List, error) {
	set := []string{"revision = revision + 1"}
	args := []any{listID}
	if fields.Name != nil {
		args = append(args, *fields.Name)
		set = append(set, fmt.Sprintf("name=$%d", len(args)))
	}
	if fields.Position != nil {
		args = append(args, *fields.Position)
		set = append(set, fmt.Sprintf("position=$%d", len(args)))
	}

	var list board.List
	query := fmt.Sprintf(`UPDATE lists SET %s WHERE id=$1 RETURNING id, name, position, revision`, strings.Join(set, ", "))
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&list.ID, &list.Name, &list.Position, &list.Revision)
	if err != nil {
		return board.List{}, err
	}
	list.Todos = []board.Todo{}
	return list, nil
}

func (s *PostgresStore) DeleteList(ctx context.Context, listID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM lists WHERE id=$1`, listID)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateListPositions applies a whole reorder in one transaction so no
// partially-applied ordering is ever visible.
func (s *PostgresStore) UpdateListPositions(ctx context.Context, workspaceID int64, positions []board.ListPosition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, pos := range positions {
		if _, err := tx.ExecContext(ctx, `
			UPDATE lists SET position=$3, revision = revision + 1
			WHERE id=$2 AND workspace_id=$1
		`, workspaceID, pos.ListID, pos.Position); err != nil {
			return fmt.Errorf("reorder list %d: %w", pos.ListID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}
	return nil
}

// GetListWorkspace resolves which workspace a list belongs to.
func (s *PostgresStore) GetListWorkspace(ctx context.Context, listID int64) (int64, error) {
	var workspaceID int64
	err := s.db.QueryRowContext(ctx, `SELECT workspace_id FROM lists WHERE id=$1`, listID).Scan(&workspaceID)
	if err != nil {
		return 0, err
	}
	return workspaceID, nil
}

// ---- Todos

func (s *PostgresStore) CreateTodo(ctx context.Context, listID int64, title, description, dueDate, dueTime string) (board.Todo, error) {
	todo, err := scanTodo(s.db.QueryRowContext(ctx, `
		INSERT INTO todos (list_id, title, description, due_date, due_time, position)
		VALUES ($1, $2, $3, $4, $5, COALESCE((SELECT MAX(position) + 1 FROM todos WHERE list_id=$1), 0))
		RETURNING `+todoColumns+`
	`, listID, title, nullString(description), nullString(dueDate), nullString(dueTime)))
	if err != nil {
		return board.Todo{}, fmt.Errorf("insert todo: %w", err)
	}
	return todo, nil
}

// GetTodo loads a todo with its label set and checklist detail.
func (s *PostgresStore) GetTodo(ctx context.Context, todoID int64) (board.Todo, error) {
	todo, err := scanTodo(s.db.QueryRowContext(ctx,
		`SELECT `+todoColumns+` FROM todos WHERE id=$1`, todoID))
	if err != nil {
		return board.Todo{}, err
	}

	labelRows, err := s.db.QueryContext(ctx, `
		SELECT lb.id, lb.workspace_id, COALESCE(lb.name, ''), lb.color, lb.revision
		FROM todo_labels tl
		JOIN labels lb ON lb.id = tl.label_id
		WHERE tl.todo_id=$1
		ORDER BY lb.id
	`, todoID)
	if err != nil {
		return board.Todo{}, fmt.Errorf("fetch todo labels: %w", err)
	}
	defer labelRows.Close()

	for labelRows.Next() {
		var label board.Label
		if err := labelRows.Scan(&label.ID, &label.WorkspaceID, &label.Name, &label.Color, &label.Revision); err != nil {
			return board.Todo{}, fmt.Errorf("scan todo label: %w", err)
		}
		todo.Labels = append(todo.Labels, label)
	}
	if err := labelRows.Err(); err != nil {
		return board.Todo{}, fmt.Errorf("iterate todo labels: %w", err)
	}

	items, err := s.ListChecklistItems(ctx, todoID)
	if err != nil {
		return board.Todo{}, err
	}
	todo.ChecklistItems = items
	todo.ChecklistCount = len(items)
	for _, item := range items {
		if item.Done {
			todo.CompletedChecklistCount++
		}
	}
	return todo, nil
}

func (s *PostgresStore) UpdateTodo(ctx context.Context, todoID int64, fields board.TodoPatch) (board.Todo, error) {
	set := []string{"revision = revision + 1", "updated_at = NOW()"}
	args := []any{todoID}
	if fields.Title != nil {
		args = append(args, *fields.Title)
		set = append(set, fmt.Sprintf("title=$%d", len(args)))
	}
	if fields.Description != nil {
		args = append(args, *fields.Description)
		set = append(set, fmt.Sprintf("description=$%d", len(args)))
	}
	if fields.DueDate != nil {
		args = append(args, nullString(*fields.DueDate))
		set = append(set, fmt.Sprintf("due_date=$%d", len(args)))
	}
	if fields.DueTime != nil {
		args = append(args, nullString(*fields.DueTime))
		set = append(set, fmt.Sprintf("due_time=$%d", len(args)))
	}
	if fields.Position != nil {
		args = append(args, *fields.Position)
		set = append(set, fmt.Sprintf("position=$%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE todos SET %s WHERE id=$1 RETURNING %s`, strings.Join(set, ", "), todoColumns)
	todo, err := scanTodo(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return board.Todo{}, err
	}
	return todo, nil
}

func (s *PostgresStore) DeleteTodo(ctx context.Context, todoID int64) (int64, error) {
	var listID int64
	err := s.db.QueryRowContext(ctx, `DELETE FROM todos WHERE id=$1 RETURNING list_id`, todoID).Scan(&listID)
	if err != nil {
		return 0, err
	}
	return listID, nil
}

// MoveTodo reassigns listId+position atomically and returns the new row
// along with the source list.
func (s *PostgresStore) MoveTodo(ctx context.Context, todoID, targetListID int64, position int) (board.Todo, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return board.Todo{}, 0, fmt.Errorf("begin move: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var fromListID int64
	if err := tx.QueryRowContext(ctx, `SELECT list_id FROM todos WHERE id=$1 FOR UPDATE`, todoID).Scan(&fromListID); err != nil {
		return board.Todo{}, 0, err
	}

	// Target list must exist in the same workspace as the source.
	var sameWorkspace bool
	err = tx.QueryRowContext(ctx, `
		SELECT a.workspace_id = b.workspace_id FROM lists a, lists b WHERE a.id=$1 AND b.id=$2
	`, fromListID, targetListID).Scan(&sameWorkspace)
	if err != nil {
		return board.Todo{}, 0, err
	}
	if !sameWorkspace {
		return board.Todo{}, 0, fmt.Errorf("move todo %d: lists span workspaces", todoID)
	}

	todo, err := scanTodo(tx.QueryRowContext(ctx, `
		UPDATE todos SET list_id=$2, position=$3, revision = revision + 1, updated_at = NOW()
		WHERE id=$1
		RETURNING `+todoColumns+`
	`, todoID, targetListID, position))
	if err != nil {
		return board.Todo{}, 0, err
	}

	if err := tx.Commit(); err != nil {
		return board.Todo{}, 0, fmt.Errorf("commit move: %w", err)
	}
	return todo, fromListID, nil
}

func (s *PostgresStore) AssignTodo(ctx context.Context, todoID int64, userID *int64) (board.Todo, error) {
	todo, err := scanTodo(s.db.QueryRowContext(ctx, `
		UPDATE todos SET assigned_to=$2, revision = revision + 1, updated_at = NOW()
		WHERE id=$1
		RETURNING `+todoColumns+`
	`, todoID, userID))
	if err != nil {
		return board.Todo{}, err
	}
	return todo, nil
}

// GetTodoWorkspace resolves which workspace a todo belongs to.
func (s *PostgresStore) GetTodoWorkspace(ctx context.Context, todoID int64) (int64, error) {
	var workspaceID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT l.workspace_id FROM todos t JOIN lists l ON l.id = t.list_id WHERE t.id=$1
	`, todoID).Scan(&workspaceID)
	if err != nil {
		return 0, err
	}
	return workspaceID, nil
}

// ---- Labels

func (s *PostgresStore) CreateLabel(ctx context.Context, workspaceID int64, name, color string) (board.Label, error) {
	var label board.Label
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO labels (workspace_id, name, color)
		VALUES ($1, $2, $3)
		RETURNING id, workspace_id, COALESCE(name, ''), color, revision
	`, workspaceID, nullString(name), color).Scan(&label.ID, &label.WorkspaceID, &label.Name, &label.Color, &label.Revision)
	if err != nil {
		return board.Label{}, err
	}
	return label, nil
}

func (s *PostgresStore) UpdateLabel(ctx context.Context, labelID int64, fields board.LabelPatch) (board.Label, error) {
	set := []string{"revision = revision + 1"}
	args := []any{labelID}
	if fields.Name != nil {
		args = append(args, nullString(*fields.Name))
		set = append(set, fmt.Sprintf("name=$%d", len(args)))
	}
	if fields.Color != nil {
		args = append(args, *fields.Color)
		set = append(set, fmt.Sprintf("color=$%d", len(args)))
	}

	var label board.Label
	query := fmt.Sprintf(`UPDATE labels SET %s WHERE id=$1 RETURNING id, workspace_id, COALESCE(name, ''), color, revision`, strings.Join(set, ", "))
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&label.ID, &label.WorkspaceID, &label.Name, &label.Color, &label.Revision)
	if err != nil {
		return board.Label{}, err
	}
	return label, nil
}

func (s *PostgresStore) DeleteLabel(ctx context.Context, labelID int64) (int64, error) {
	var workspaceID int64
	err := s.db.QueryRowContext(ctx, `DELETE FROM labels WHERE id=$1 RETURNING workspace_id`, labelID).Scan(&workspaceID)
	if err != nil {
		return 0, err
	}
	return workspaceID, nil
}

func (s *PostgresStore) GetLabel(ctx context.Context, labelID int64) (board.Label, error) {
	var label board.Label
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, COALESCE(name, ''), color, revision FROM labels WHERE id=$1
	`, labelID).Scan(&label.ID, &label.WorkspaceID, &label.Name, &label.Color, &label.Revision)
	if err != nil {
		return board.Label{}, err
	}
	return label, nil
}

// AddLabelToTodo attaches idempotently (duplicate attach is a no-op) and
// bumps the todo revision; the returned row carries the resolved label set.
func (s *PostgresStore) AddLabelToTodo(ctx context.Context, todoID, labelID int64) (board.Todo, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO todo_labels (todo_id, label_id) VALUES ($1, $2)
		ON CONFLICT (todo_id, label_id) DO NOTHING
	`, todoID, labelID)
	if err != nil {
		return board.Todo{}, fmt.Errorf("attach label: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		if _, err := s.db.ExecContext(ctx, `UPDATE todos SET revision = revision + 1 WHERE id=$1`, todoID); err != nil {
			return board.Todo{}, fmt.Errorf("bump todo revision: %w", err)
		}
	}
	return s.GetTodo(ctx, todoID)
}

func (s *PostgresStore) RemoveLabelFromTodo(ctx context.Context, todoID, labelID int64) (board.Todo, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM todo_labels WHERE todo_id=$1 AND label_id=$2
	`, todoID, labelID)
	if err != nil {
		return board.Todo{}, fmt.Errorf("detach label: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		if _, err := s.db.ExecContext(ctx, `UPDATE todos SET revision = revision + 1 WHERE id=$1`, todoID); err != nil {
			return board.Todo{}, fmt.Errorf("bump todo revision: %w", err)
		}
	}
	return s.GetTodo(ctx, todoID)
}

// ---- Checklist items

func (s *PostgresStore) ListChecklistItems(ctx context.Context, todoID int64) ([]board.ChecklistItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, todo_id, title, done, position, revision
		FROM checklist_items WHERE todo_id=$1 ORDER BY position, id
	`, todoID)
	if err != nil {
		return nil, fmt.Errorf("list checklist items: %w", err)
	}
	defer rows.Close()

	items := make([]board.ChecklistItem, 0)
	for rows.Next() {
		var item board.ChecklistItem
		if err := rows.Scan(&item.ID, &item.TodoID, &item.Title, &item.Done, &item.Position, &item.Revision); err != nil {
			return nil, fmt.Errorf("scan checklist item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checklist items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateChecklistItem(ctx context.Context, todoID int64, title string) (board.ChecklistItem, error) {
	var item board.ChecklistItem
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO checklist_items (todo_id, title, position)
		VALUES ($1, $2, COALESCE((SELECT MAX(position) + 1 FROM checklist_items WHERE todo_id=$1), 0))
		RETURNING id, todo_id, title, done, position, revision
	`, todoID, title).Scan(&item.ID, &item.TodoID, &item.Title, &item.Done, &item.Position, &item.Revision)
	if err != nil {
		return board.ChecklistItem{}, fmt.Errorf("insert checklist item: %w", err)
	}
	return item, nil
}

// UpdateChecklistItem is scoped to the parent todo: an item ID from another
// todo matches no row and surfaces sql.ErrNoRows before anything changes.
func (s *PostgresStore) UpdateChecklistItem(ctx context.Context, todoID, itemID int64, fields board.ChecklistItemPatch) (board.ChecklistItem, error) {
	set := []string{"revision = revision + 1"}
	args := []any{itemID, todoID}
	if fields.Title != nil {
		args = append(args, *fields.Title)
		set = append(set, fmt.Sprintf("title=$%d", len(args)))
	}
	if fields.Done != nil {
		args = append(args, *fields.Done)
		set = append(set, fmt.Sprintf("done=$%d", len(args)))
	}
	if fields.Position != nil {
		args = append(args, *fields.Position)
		set = append(set, fmt.Sprintf("position=$%d", len(args)))
	}

	var item board.ChecklistItem
	query := fmt.Sprintf(`UPDATE checklist_items SET %s WHERE id=$1 AND todo_id=$2 RETURNING id, todo_id, title, done, position, revision`, strings.Join(set, ", "))
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&item.ID, &item.TodoID, &item.Title, &item.Done, &item.Position, &item.Revision)
	if err != nil {
		return board.ChecklistItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteChecklistItem(ctx context.Context, todoID, itemID int64) error {
	var deleted int64
	return s.db.QueryRowContext(ctx, `DELETE FROM checklist_items WHERE id=$1 AND todo_id=$2 RETURNING id`, itemID, todoID).Scan(&deleted)
}
