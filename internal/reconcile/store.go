package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"

	"taskboard/api/internal/board"
)

type entityKind uint8

const (
	kindList entityKind = iota + 1
	kindTodo
	kindLabel
	kindChecklistItem
)

type entityKey struct {
	kind entityKind
	id   int64
}

func listKey(id int64) entityKey  { return entityKey{kindList, id} }
func todoKey(id int64) entityKey  { return entityKey{kindTodo, id} }
func checkKey(id int64) entityKey { return entityKey{kindChecklistItem, id} }

// Store holds one workspace's board snapshot and reconciles the three input
// streams: local optimistic edits, persistence confirmations/rejections, and
// inbound broadcast events. All three are serialized through one mutex; the
// mutex is released during persistence calls, so inbound events interleave
// between an optimistic apply and its confirmation, which is exactly the race
// the field-wise merge rules resolve.
type Store struct {
	mu          sync.Mutex
	workspaceID int64
	persistence Persistence
	snapshot    board.Board
	// pending counts outstanding local edits per entity field. An entity
	// with any pending field is in the PendingLocal state; an inbound event
	// touching it takes the Reconciling path in the reducer.
	pending     map[entityKey]map[string]int
	placeholder int64
	onChange    func(board.Board)
	logf        func(format string, args ...any)
}

func NewStore(persistence Persistence, workspaceID int64) *Store {
	return &Store{
		workspaceID: workspaceID,
		persistence: persistence,
		snapshot:    board.Board{WorkspaceID: workspaceID},
		pending:     make(map[entityKey]map[string]int),
		logf:        log.Printf,
	}
}

// SetOnChange registers the render callback. It receives a deep copy after
// every state transition and must not call back into the store.
func (s *Store) SetOnChange(fn func(board.Board)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Subscribe performs the initial board fetch. The snapshot stays queryable
// while any later call is in flight.
func (s *Store) Subscribe(ctx context.Context) error {
	return s.Resync(ctx)
}

// Resync replaces the snapshot with server truth and abandons every pending
// optimistic edit. This is the whole rollback policy: no undo log.
func (s *Store) Resync(ctx context.Context) error {
	fetched, err := s.persistence.FetchWorkspaceBoard(ctx, s.workspaceID)
	if err != nil {
		return fmt.Errorf("fetch workspace board: %w", err)
	}
	s.mu.Lock()
	s.snapshot = cloneBoard(fetched)
	s.pending = make(map[entityKey]map[string]int)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Snapshot returns a deep copy of the current board.
func (s *Store) Snapshot() board.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBoard(s.snapshot)
}

func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onChange
	var copied board.Board
	if fn != nil {
		copied = cloneBoard(s.snapshot)
	}
	s.mu.Unlock()
	if fn != nil {
		fn(copied)
	}
}

// rollback resynchronizes after a rejected mutation and reports the cause.
// After it returns, the snapshot matches server truth: no residual
// optimistic drift, no stuck artifacts.
func (s *Store) rollback(ctx context.Context, cause error) error {
	if err := s.Resync(ctx); err != nil {
		return fmt.Errorf("resync after rejected mutation (%v): %w", cause, err)
	}
	return fmt.Errorf("mutation rejected: %w", cause)
}

func (s *Store) nextPlaceholderID() int64 {
	s.placeholder--
	return s.placeholder
}

// markPending / clearPending maintain per-field outstanding-edit counters.
// Counters (not flags) keep a field protected while any of several
// overlapping requests for it is still in flight.
func (s *Store) markPending(key entityKey, fields ...string) {
	entry := s.pending[key]
	if entry == nil {
		entry = make(map[string]int)
		s.pending[key] = entry
	}
	for _, field := range fields {
		entry[field]++
	}
}

func (s *Store) clearPending(key entityKey, fields ...string) {
	entry := s.pending[key]
	if entry == nil {
		return
	}
	for _, field := range fields {
		if entry[field] > 1 {
			entry[field]--
		} else {
			delete(entry, field)
		}
	}
	if len(entry) == 0 {
		delete(s.pending, key)
	}
}

func (s *Store) isPending(key entityKey, field string) bool {
	return s.pending[key][field] > 0
}

// retireKey swaps a placeholder pending key for the server-assigned one.
func (s *Store) retireKey(old, new entityKey) {
	if entry, ok := s.pending[old]; ok {
		delete(s.pending, old)
		s.pending[new] = entry
	}
}

// ---- Public operations: optimistic apply, persistence call, confirm or
// ---- rollback.

// CreateList appends a list optimistically under a placeholder ID, then
// swaps in the server-assigned identity on confirmation.
func (s *Store) CreateList(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	next := cloneBoard(s.snapshot)
	position := 0
	for _, l := range next.Lists {
		if l.Position >= position {
			position = l.Position + 1
		}
	}
	placeholderID := s.nextPlaceholderID()
	next.Lists = append(next.Lists, board.List{
		ID:       placeholderID,
		Name:     name,
		Position: position,
		Todos:    []board.Todo{},
	})
	s.markPending(listKey(placeholderID), "name", "position")
	s.snapshot = next
	s.mu.Unlock()
	s.notify()

	row, err := s.persistence.CreateList(ctx, s.workspaceID, name)
	if err != nil {
		return 0, s.rollback(ctx, err)
	}

	s.mu.Lock()
	s.clearPending(listKey(placeholderID), "name", "position")
	confirmed := cloneBoard(s.snapshot)
	if i := confirmed.FindList(placeholderID); i >= 0 {
		confirmed.Lists[i].ID = row.ID
		confirmed.Lists[i].Position = row.Position
		confirmed.Lists[i].Revision = row.Revision
		sortLists(confirmed.Lists)
		s.retireKey(listKey(placeholderID), listKey(row.ID))
	}
	s.snapshot = confirmed
	s.mu.Unlock()
	s.notify()
	return row.ID, nil
}

// UpdateTodo applies a partial field edit optimistically. Confirmation
// merges only what the server is authoritative for (revision, derived
// counts); the optimistic field values are trusted.
func (s *Store) UpdateTodo(ctx context.Context, todoID int64, fields board.TodoPatch) error {
	dirty := todoPatchFields(fields)
	if len(dirty) == 0 {
		return nil
	}

	s.mu.Lock()
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(todoID)
	if li < 0 {
		s.mu.Unlock()
		return fmt.Errorf("todo %d: %w", todoID, ErrNotFound)
	}
	applyTodoPatch(&next.Lists[li].Todos[ti], fields)
	if fields.Position != nil {
		sortTodos(next.Lists[li].Todos)
	}
	s.markPending(todoKey(todoID), dirty...)
	s.snapshot = next
	s.mu.Unlock()
	s.notify()

	row, err := s.persistence.UpdateTodo(ctx, todoID, fields)
	if err != nil {
		return s.rollback(ctx, err)
	}

	s.mu.Lock()
	s.clearPending(todoKey(todoID), dirty...)
	s.confirmTodoRow(row)
	s.mu.Unlock()
	s.notify()
	return nil
}

// MoveTodo reassigns listId+position atomically: the todo leaves exactly one
// list and lands in exactly one in a single state swap.
func (s *Store) MoveTodo(ctx context.Context, todoID, targetListID int64, position int) error {
	s.mu.Lock()
	next := cloneBoard(s.snapshot)
	if err := moveTodoInBoard(&next, todoID, targetListID, position); err != nil {
		s.mu.Unlock()
		return err
	}
	s.markPending(todoKey(todoID), "listId", "position")
	s.snapshot = next
	s.mu.Unlock()
	s.notify()

	row, err := s.persistence.MoveTodo(ctx, todoID, targetListID, position)
	if err != nil {
		return s.rollback(ctx, err)
	}

	s.mu.Lock()
	s.clearPending(todoKey(todoID), "listId", "position")
	s.confirmTodoRow(row)
	s.mu.Unlock()
	s.notify()
	return nil
}

// AddLabelToTodo is idempotent: adding a label already present is a local
// no-op and issues no persistence call.
func (s *Store) AddLabelToTodo(ctx context.Context, todoID, labelID int64) error {
	s.mu.Lock()
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(todoID)
	if li < 0 {
		s.mu.Unlock()
		return fmt.Errorf("todo %d: %w", todoID, ErrNotFound)
	}
	todo := &next.Lists[li].Todos[ti]
	if todo.HasLabel(labelID) {
		s.mu.Unlock()
		return nil
	}
	todo.Labels = append(todo.Labels, resolveLabel(next.Labels, labelID))
	s.markPending(todoKey(todoID), "labels")
	s.snapshot = next
	s.mu.Unlock()
	s.notify()

	row, err := s.persistence.AddLabelToTodo(ctx, todoID, labelID)
	if err != nil {
		return s.rollback(ctx, err)
	}

	s.mu.Lock()
	s.clearPending(todoKey(todoID), "labels")
	s.confirmTodoRow(row)
	s.confirmLabelResolved(todoID, labelID, row)
	s.mu.Unlock()
	s.notify()
	return nil
}

// RemoveLabelFromTodo is idempotent: removing an absent label is a no-op.
func (s *Store) RemoveLabelFromTodo(ctx context.Context, todoID, labelID int64) error {
	s.mu.Lock()
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(todoID)
	if li < 0 {
		s.mu.Unlock()
		return fmt.Errorf("todo %d: %w", todoID, ErrNotFound)
	}
	todo := &next.Lists[li].Todos[ti]
	if !todo.HasLabel(labelID) {
		s.mu.Unlock()
		return nil
	}
	todo.Labels = withoutLabel(todo.Labels, labelID)
	s.markPending(todoKey(todoID), "labels")
	s.snapshot = next
	s.mu.Unlock()
	s.notify()

	row, err := s.persistence.RemoveLabelFromTodo(ctx, todoID, labelID)
	if err != nil {
		return s.rollback(ctx, err)
	}

	s.mu.Lock()
	s.clearPending(todoKey(todoID), "labels")
	s.confirmTodoRow(row)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) AssignMemberToTodo(ctx context.Context, todoID, userID int64) error {
	return s.setAssignment(ctx, todoID, userID, true)
}

func (s *Store) RemoveMemberFromTodo(ctx context.Context, todoID, userID int64) error {
	return s.setAssignment(ctx, todoID, userID, false)
}

func (s *Store) setAssignment(ctx context.Context, todoID, userID int64, assign bool) error {
	s.mu.Lock()
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(todoID)
	if li < 0 {
		s.mu.Unlock()
		return fmt.Errorf("todo %d: %w", todoID, ErrNotFound)
	}
	if assign {
		assigned := userID
		next.Lists[li].Todos[ti].AssignedTo = &assigned
	} else {
		next.Lists[li].Todos[ti].AssignedTo = nil
	}
	s.markPending(todoKey(todoID), "assignedTo")
	s.snapshot = next
	s.mu.Unlock()
	s.notify()

	var row board.Todo
	var err error
	if assign {
		row, err = s.persistence.AssignMemberToTodo(ctx, todoID, userID)
	} else {
		row, err = s.persistence.RemoveMemberFromTodo(ctx, todoID, userID)
	}
	if err != nil {
		return s.rollback(ctx, err)
	}

	s.mu.Lock()
	s.clearPending(todoKey(todoID), "assignedTo")
	s.confirmTodoRow(row)
	s.mu.Unlock()
	s.notify()
	return nil
}

// AddChecklistItem creates an item under a placeholder ID; counts are
// derived from the loaded items. Checklist detail must be loaded on the
// parent todo before items can be edited.
func (s *Store) AddChecklistItem(ctx context.Context, todoID int64, title string) (int64, error) {
	s.mu.Lock()
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(todoID)
	if li < 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("todo %d: %w", todoID, ErrNotFound)
	}
	todo := &next.Lists[li].Todos[ti]
	placeholderID := s.nextPlaceholderID()
	position := 0
	for _, item := range todo.ChecklistItems {
		if item.Position >= position {
			position = item.Position + 1
		}
	}
	todo.ChecklistItems = append(todo.ChecklistItems, board.ChecklistItem{
		ID:       placeholderID,
		TodoID:   todoID,
		Title:    title,
		Position: position,
	})
	refreshChecklistCounts(todo)
	s.markPending(checkKey(placeholderID), "title")
	s.snapshot = next
	s.mu.Unlock()
	s.notify()

	row, err := s.persistence.AddChecklistItem(ctx, todoID, title)
	if err != nil {
		return 0, s.rollback(ctx, err)
	}

	s.mu.Lock()
	s.clearPending(checkKey(placeholderID), "title")
	confirmed := cloneBoard(s.snapshot)
	if cli, cti := confirmed.FindTodo(todoID); cli >= 0 {
		todo := &confirmed.Lists[cli].Todos[cti]
		for i := range todo.ChecklistItems {
			if todo.ChecklistItems[i].ID == placeholderID {
				todo.ChecklistItems[i].ID = row.ID
				todo.ChecklistItems[i].Position = row.Position
				todo.ChecklistItems[i].Revision = row.Revision
				break
			}
		}
		sortChecklist(todo.ChecklistItems)
		s.retireKey(checkKey(placeholderID), checkKey(row.ID))
	}
	s.snapshot = confirmed
	s.mu.Unlock()
	s.notify()
	return row.ID, nil
}

func (s *Store) UpdateChecklistItem(ctx context.Context, todoID, itemID int64, fields board.ChecklistItemPatch) error {
	dirty := checklistPatchFields(fields)
	if len(dirty) == 0 {
		return nil
	}

	s.mu.Lock()
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(todoID)
	if li < 0 {
		s.mu.Unlock()
		return fmt.Errorf("todo %d: %w", todoID, ErrNotFound)
	}
	todo := &next.Lists[li].Todos[ti]
	idx := findChecklistItem(todo.ChecklistItems, itemID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("checklist item %d: %w", itemID, ErrNotFound)
	}
	applyChecklistPatch(&todo.ChecklistItems[idx], fields)
	if fields.Position != nil {
		sortChecklist(todo.ChecklistItems)
	}
	refreshChecklistCounts(todo)
	s.markPending(checkKey(itemID), dirty...)
	s.snapshot = next
	s.mu.Unlock()
	s.notify()

	row, err := s.persistence.UpdateChecklistItem(ctx, todoID, itemID, fields)
	if err != nil {
		return s.rollback(ctx, err)
	}

	s.mu.Lock()
	s.clearPending(checkKey(itemID), dirty...)
	confirmed := cloneBoard(s.snapshot)
	if cli, cti := confirmed.FindTodo(todoID); cli >= 0 {
		todo := &confirmed.Lists[cli].Todos[cti]
		if i := findChecklistItem(todo.ChecklistItems, itemID); i >= 0 && row.Revision > todo.ChecklistItems[i].Revision {
			todo.ChecklistItems[i].Revision = row.Revision
		}
	}
	s.snapshot = confirmed
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) RemoveChecklistItem(ctx context.Context, todoID, itemID int64) error {
	s.mu.Lock()
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(todoID)
	if li < 0 {
		s.mu.Unlock()
		return fmt.Errorf("todo %d: %w", todoID, ErrNotFound)
	}
	todo := &next.Lists[li].Todos[ti]
	idx := findChecklistItem(todo.ChecklistItems, itemID)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	todo.ChecklistItems = append(todo.ChecklistItems[:idx], todo.ChecklistItems[idx+1:]...)
	refreshChecklistCounts(todo)
	s.snapshot = next
	s.mu.Unlock()
	s.notify()

	if err := s.persistence.RemoveChecklistItem(ctx, todoID, itemID); err != nil {
		return s.rollback(ctx, err)
	}
	return nil
}

// confirmTodoRow merges the fields the server is authoritative for out of a
// returned row: the revision and the derived checklist counts. It never
// copies user-editable fields, which may have changed again locally since
// the request was issued.
func (s *Store) confirmTodoRow(row board.Todo) {
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(row.ID)
	if li < 0 {
		return
	}
	todo := &next.Lists[li].Todos[ti]
	if row.Revision > todo.Revision {
		todo.Revision = row.Revision
	}
	if todo.ChecklistItems == nil {
		todo.ChecklistCount = row.ChecklistCount
		todo.CompletedChecklistCount = row.CompletedChecklistCount
	}
	s.snapshot = next
}

// confirmLabelResolved replaces the optimistic label entry with the
// server-resolved object (name/color may have been placeholders).
func (s *Store) confirmLabelResolved(todoID, labelID int64, row board.Todo) {
	var resolved *board.Label
	for i := range row.Labels {
		if row.Labels[i].ID == labelID {
			resolved = &row.Labels[i]
			break
		}
	}
	if resolved == nil {
		return
	}
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(todoID)
	if li < 0 {
		return
	}
	todo := &next.Lists[li].Todos[ti]
	for i := range todo.Labels {
		if todo.Labels[i].ID == labelID {
			todo.Labels[i] = *resolved
			break
		}
	}
	s.snapshot = next
}

// ---- small board helpers shared with the reducer.

func moveTodoInBoard(b *board.Board, todoID, targetListID int64, position int) error {
	fromList, fromIdx := b.FindTodo(todoID)
	if fromIdx < 0 {
		return fmt.Errorf("todo %d: %w", todoID, ErrNotFound)
	}
	toList := b.FindList(targetListID)
	if toList < 0 {
		return fmt.Errorf("list %d: %w", targetListID, ErrNotFound)
	}
	todo := b.Lists[fromList].Todos[fromIdx]
	b.Lists[fromList].Todos = append(
		b.Lists[fromList].Todos[:fromIdx],
		b.Lists[fromList].Todos[fromIdx+1:]...,
	)
	todo.ListID = targetListID
	todo.Position = position
	b.Lists[toList].Todos = append(b.Lists[toList].Todos, todo)
	sortTodos(b.Lists[toList].Todos)
	return nil
}

func resolveLabel(labels []board.Label, labelID int64) board.Label {
	for _, l := range labels {
		if l.ID == labelID {
			return l
		}
	}
	return board.Label{ID: labelID}
}

func withoutLabel(labels []board.Label, labelID int64) []board.Label {
	out := labels[:0]
	for _, l := range labels {
		if l.ID != labelID {
			out = append(out, l)
		}
	}
	return out
}

func findChecklistItem(items []board.ChecklistItem, itemID int64) int {
	for i := range items {
		if items[i].ID == itemID {
			return i
		}
	}
	return -1
}

func refreshChecklistCounts(todo *board.Todo) {
	if todo.ChecklistItems == nil {
		return
	}
	done := 0
	for _, item := range todo.ChecklistItems {
		if item.Done {
			done++
		}
	}
	todo.ChecklistCount = len(todo.ChecklistItems)
	todo.CompletedChecklistCount = done
}

func applyTodoPatch(todo *board.Todo, fields board.TodoPatch) {
	if fields.Title != nil {
		todo.Title = *fields.Title
	}
	if fields.Description != nil {
		todo.Description = *fields.Description
	}
	if fields.DueDate != nil {
		todo.DueDate = *fields.DueDate
	}
	if fields.DueTime != nil {
		todo.DueTime = *fields.DueTime
	}
	if fields.Position != nil {
		todo.Position = *fields.Position
	}
}

func applyListPatch(list *board.List, fields board.ListPatch) {
	if fields.Name != nil {
		list.Name = *fields.Name
	}
	if fields.Position != nil {
		list.Position = *fields.Position
	}
}

func applyLabelPatch(label *board.Label, fields board.LabelPatch) {
	if fields.Name != nil {
		label.Name = *fields.Name
	}
	if fields.Color != nil {
		label.Color = *fields.Color
	}
}

func applyChecklistPatch(item *board.ChecklistItem, fields board.ChecklistItemPatch) {
	if fields.Title != nil {
		item.Title = *fields.Title
	}
	if fields.Done != nil {
		item.Done = *fields.Done
	}
	if fields.Position != nil {
		item.Position = *fields.Position
	}
}

func todoPatchFields(fields board.TodoPatch) []string {
	var out []string
	if fields.Title != nil {
		out = append(out, "title")
	}
	if fields.Description != nil {
		out = append(out, "description")
	}
	if fields.DueDate != nil {
		out = append(out, "dueDate")
	}
	if fields.DueTime != nil {
		out = append(out, "dueTime")
	}
	if fields.Position != nil {
		out = append(out, "position")
	}
	return out
}

func checklistPatchFields(fields board.ChecklistItemPatch) []string {
	var out []string
	if fields.Title != nil {
		out = append(out, "title")
	}
	if fields.Done != nil {
		out = append(out, "done")
	}
	if fields.Position != nil {
		out = append(out, "position")
	}
	return out
}
