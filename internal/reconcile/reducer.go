package reconcile

import (
	"taskboard/api/internal/board"
)

// Apply feeds one inbound broadcast event into the store. Events are applied
// whole or discarded whole: the reducer builds every transition on a clone
// and swaps it in only when the transition is valid. Malformed frames,
// unknown types, and stale revisions are logged (or silently skipped) and
// dropped; they never corrupt the snapshot or stop the loop.
func (s *Store) Apply(event board.Event) {
	payload, err := board.DecodePayload(event)
	if err != nil {
		s.logf("reconcile: dropping event %s: %v", event.Type, err)
		return
	}

	s.mu.Lock()
	changed := s.reduce(payload)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// reduce dispatches on the closed payload union. Caller holds s.mu. Returns
// whether the snapshot changed.
func (s *Store) reduce(payload any) bool {
	switch p := payload.(type) {
	case *board.TodoCreatedPayload:
		return s.applyTodoCreated(p)
	case *board.TodoUpdatedPayload:
		return s.applyTodoUpdated(p)
	case *board.TodoDeletedPayload:
		return s.applyTodoDeleted(p)
	case *board.TodoMovedPayload:
		return s.applyTodoMoved(p)
	case *board.ListCreatedPayload:
		return s.applyListCreated(p)
	case *board.ListUpdatedPayload:
		return s.applyListUpdated(p)
	case *board.ListDeletedPayload:
		return s.applyListDeleted(p)
	case *board.ListPositionsUpdatedPayload:
		return s.applyListPositions(p)
	case *board.LabelCreatedPayload:
		return s.applyLabelCreated(p)
	case *board.LabelUpdatedPayload:
		return s.applyLabelUpdated(p)
	case *board.LabelDeletedPayload:
		return s.applyLabelDeleted(p)
	case *board.TodoLabelAddedPayload:
		return s.applyTodoLabelAdded(p)
	case *board.TodoLabelRemovedPayload:
		return s.applyTodoLabelRemoved(p)
	case *board.MemberAssignedPayload:
		return s.applyAssignment(p.TodoID, p.Revision, &p.UserID)
	case *board.MemberUnassignedPayload:
		return s.applyAssignment(p.TodoID, p.Revision, nil)
	case *board.ChecklistItemCreatedPayload:
		return s.applyChecklistCreated(p)
	case *board.ChecklistItemUpdatedPayload:
		return s.applyChecklistUpdated(p)
	case *board.ChecklistItemDeletedPayload:
		return s.applyChecklistDeleted(p)
	default:
		// Presence and channel-control events carry no board state.
		return false
	}
}

func (s *Store) applyTodoCreated(p *board.TodoCreatedPayload) bool {
	if li, _ := s.snapshot.FindTodo(p.Todo.ID); li >= 0 {
		return false // duplicate delivery
	}
	next := cloneBoard(s.snapshot)
	li := next.FindList(p.Todo.ListID)
	if li < 0 {
		s.logf("reconcile: todo:created for unknown list %d", p.Todo.ListID)
		return false
	}
	next.Lists[li].Todos = append(next.Lists[li].Todos, cloneTodo(p.Todo))
	sortTodos(next.Lists[li].Todos)
	s.snapshot = next
	return true
}

// applyTodoUpdated is the crux: field-wise, additive merge. Only fields
// present in the payload are copied, and a field with an outstanding local
// edit is left alone; the local edit will be confirmed or rolled back on
// its own.
func (s *Store) applyTodoUpdated(p *board.TodoUpdatedPayload) bool {
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(p.TodoID)
	if li < 0 {
		return false
	}
	todo := &next.Lists[li].Todos[ti]
	if stale(p.Revision, todo.Revision) {
		return false
	}

	key := todoKey(p.TodoID)
	fields := p.Fields
	if s.isPending(key, "title") {
		fields.Title = nil
	}
	if s.isPending(key, "description") {
		fields.Description = nil
	}
	if s.isPending(key, "dueDate") {
		fields.DueDate = nil
	}
	if s.isPending(key, "dueTime") {
		fields.DueTime = nil
	}
	if s.isPending(key, "position") {
		fields.Position = nil
	}
	applyTodoPatch(todo, fields)
	// Zero-revision frames are accepted but never lower the held revision.
	if p.Revision > todo.Revision {
		todo.Revision = p.Revision
	}
	if fields.Position != nil {
		sortTodos(next.Lists[li].Todos)
	}
	s.snapshot = next
	return true
}

func (s *Store) applyTodoDeleted(p *board.TodoDeletedPayload) bool {
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(p.TodoID)
	if li < 0 {
		return false
	}
	next.Lists[li].Todos = append(next.Lists[li].Todos[:ti], next.Lists[li].Todos[ti+1:]...)
	delete(s.pending, todoKey(p.TodoID))
	s.snapshot = next
	return true
}

func (s *Store) applyTodoMoved(p *board.TodoMovedPayload) bool {
	li, ti := s.snapshot.FindTodo(p.TodoID)
	if li < 0 {
		return false
	}
	current := s.snapshot.Lists[li].Todos[ti]
	if stale(p.Revision, current.Revision) {
		return false
	}
	if s.isPending(todoKey(p.TodoID), "listId") {
		return false // local move in flight wins until confirmed
	}
	next := cloneBoard(s.snapshot)
	if err := moveTodoInBoard(&next, p.TodoID, p.ToListID, p.Position); err != nil {
		s.logf("reconcile: discarding todo:moved: %v", err)
		return false
	}
	if mli, mti := next.FindTodo(p.TodoID); mli >= 0 && p.Revision > next.Lists[mli].Todos[mti].Revision {
		next.Lists[mli].Todos[mti].Revision = p.Revision
	}
	s.snapshot = next
	return true
}

func (s *Store) applyListCreated(p *board.ListCreatedPayload) bool {
	if s.snapshot.FindList(p.List.ID) >= 0 {
		return false
	}
	next := cloneBoard(s.snapshot)
	list := cloneList(p.List)
	if list.Todos == nil {
		list.Todos = []board.Todo{}
	}
	next.Lists = append(next.Lists, list)
	sortLists(next.Lists)
	s.snapshot = next
	return true
}

func (s *Store) applyListUpdated(p *board.ListUpdatedPayload) bool {
	next := cloneBoard(s.snapshot)
	li := next.FindList(p.ListID)
	if li < 0 {
		return false
	}
	if stale(p.Revision, next.Lists[li].Revision) {
		return false
	}
	key := listKey(p.ListID)
	fields := p.Fields
	if s.isPending(key, "name") {
		fields.Name = nil
	}
	if s.isPending(key, "position") {
		fields.Position = nil
	}
	applyListPatch(&next.Lists[li], fields)
	if p.Revision > next.Lists[li].Revision {
		next.Lists[li].Revision = p.Revision
	}
	if fields.Position != nil {
		sortLists(next.Lists)
	}
	s.snapshot = next
	return true
}

func (s *Store) applyListDeleted(p *board.ListDeletedPayload) bool {
	next := cloneBoard(s.snapshot)
	li := next.FindList(p.ListID)
	if li < 0 {
		return false
	}
	for _, todo := range next.Lists[li].Todos {
		delete(s.pending, todoKey(todo.ID))
	}
	delete(s.pending, listKey(p.ListID))
	next.Lists = append(next.Lists[:li], next.Lists[li+1:]...)
	s.snapshot = next
	return true
}

func (s *Store) applyListPositions(p *board.ListPositionsUpdatedPayload) bool {
	next := cloneBoard(s.snapshot)
	changed := false
	for _, pos := range p.Positions {
		if li := next.FindList(pos.ListID); li >= 0 && !s.isPending(listKey(pos.ListID), "position") {
			next.Lists[li].Position = pos.Position
			changed = true
		}
	}
	if !changed {
		return false
	}
	sortLists(next.Lists)
	s.snapshot = next
	return true
}

func (s *Store) applyLabelCreated(p *board.LabelCreatedPayload) bool {
	for _, l := range s.snapshot.Labels {
		if l.ID == p.Label.ID {
			return false
		}
	}
	next := cloneBoard(s.snapshot)
	next.Labels = append(next.Labels, p.Label)
	s.snapshot = next
	return true
}

func (s *Store) applyLabelUpdated(p *board.LabelUpdatedPayload) bool {
	next := cloneBoard(s.snapshot)
	found := false
	for i := range next.Labels {
		if next.Labels[i].ID == p.LabelID {
			if stale(p.Revision, next.Labels[i].Revision) {
				return false
			}
			applyLabelPatch(&next.Labels[i], p.Fields)
			if p.Revision > next.Labels[i].Revision {
				next.Labels[i].Revision = p.Revision
			}
			found = true
			break
		}
	}
	if !found {
		return false
	}
	// Labels are embedded in todo label sets; keep the copies in step.
	for li := range next.Lists {
		for ti := range next.Lists[li].Todos {
			labels := next.Lists[li].Todos[ti].Labels
			for i := range labels {
				if labels[i].ID == p.LabelID {
					applyLabelPatch(&labels[i], p.Fields)
					if p.Revision > labels[i].Revision {
						labels[i].Revision = p.Revision
					}
				}
			}
		}
	}
	s.snapshot = next
	return true
}

func (s *Store) applyLabelDeleted(p *board.LabelDeletedPayload) bool {
	next := cloneBoard(s.snapshot)
	found := false
	kept := next.Labels[:0]
	for _, l := range next.Labels {
		if l.ID == p.LabelID {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	if !found {
		return false
	}
	next.Labels = kept
	for li := range next.Lists {
		for ti := range next.Lists[li].Todos {
			todo := &next.Lists[li].Todos[ti]
			if todo.HasLabel(p.LabelID) {
				todo.Labels = withoutLabel(todo.Labels, p.LabelID)
			}
		}
	}
	s.snapshot = next
	return true
}

// applyTodoLabelAdded is idempotent under replay: a label already present is
// left alone, so an echo plus a broadcast of the same add is harmless.
func (s *Store) applyTodoLabelAdded(p *board.TodoLabelAddedPayload) bool {
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(p.TodoID)
	if li < 0 {
		return false
	}
	todo := &next.Lists[li].Todos[ti]
	if todo.HasLabel(p.Label.ID) {
		return false
	}
	todo.Labels = append(todo.Labels, p.Label)
	s.snapshot = next
	return true
}

func (s *Store) applyTodoLabelRemoved(p *board.TodoLabelRemovedPayload) bool {
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(p.TodoID)
	if li < 0 {
		return false
	}
	todo := &next.Lists[li].Todos[ti]
	if !todo.HasLabel(p.LabelID) {
		return false
	}
	todo.Labels = withoutLabel(todo.Labels, p.LabelID)
	s.snapshot = next
	return true
}

func (s *Store) applyAssignment(todoID int64, revision int64, userID *int64) bool {
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(todoID)
	if li < 0 {
		return false
	}
	todo := &next.Lists[li].Todos[ti]
	if stale(revision, todo.Revision) {
		return false
	}
	if s.isPending(todoKey(todoID), "assignedTo") {
		return false
	}
	if userID != nil {
		assigned := *userID
		todo.AssignedTo = &assigned
	} else {
		todo.AssignedTo = nil
	}
	if revision > todo.Revision {
		todo.Revision = revision
	}
	s.snapshot = next
	return true
}

func (s *Store) applyChecklistCreated(p *board.ChecklistItemCreatedPayload) bool {
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(p.Item.TodoID)
	if li < 0 {
		return false
	}
	todo := &next.Lists[li].Todos[ti]
	if todo.ChecklistItems == nil {
		// Detail not loaded; counts stay stale until the next fetch rather
		// than risking a double count on duplicate delivery.
		return false
	}
	if findChecklistItem(todo.ChecklistItems, p.Item.ID) >= 0 {
		return false
	}
	todo.ChecklistItems = append(todo.ChecklistItems, p.Item)
	sortChecklist(todo.ChecklistItems)
	refreshChecklistCounts(todo)
	s.snapshot = next
	return true
}

func (s *Store) applyChecklistUpdated(p *board.ChecklistItemUpdatedPayload) bool {
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(p.TodoID)
	if li < 0 {
		return false
	}
	todo := &next.Lists[li].Todos[ti]
	idx := findChecklistItem(todo.ChecklistItems, p.ItemID)
	if idx < 0 {
		return false
	}
	if stale(p.Revision, todo.ChecklistItems[idx].Revision) {
		return false
	}
	key := checkKey(p.ItemID)
	fields := p.Fields
	if s.isPending(key, "title") {
		fields.Title = nil
	}
	if s.isPending(key, "done") {
		fields.Done = nil
	}
	if s.isPending(key, "position") {
		fields.Position = nil
	}
	applyChecklistPatch(&todo.ChecklistItems[idx], fields)
	if p.Revision > todo.ChecklistItems[idx].Revision {
		todo.ChecklistItems[idx].Revision = p.Revision
	}
	if fields.Position != nil {
		sortChecklist(todo.ChecklistItems)
	}
	refreshChecklistCounts(todo)
	s.snapshot = next
	return true
}

func (s *Store) applyChecklistDeleted(p *board.ChecklistItemDeletedPayload) bool {
	next := cloneBoard(s.snapshot)
	li, ti := next.FindTodo(p.TodoID)
	if li < 0 {
		return false
	}
	todo := &next.Lists[li].Todos[ti]
	idx := findChecklistItem(todo.ChecklistItems, p.ItemID)
	if idx < 0 {
		return false
	}
	todo.ChecklistItems = append(todo.ChecklistItems[:idx], todo.ChecklistItems[idx+1:]...)
	refreshChecklistCounts(todo)
	delete(s.pending, checkKey(p.ItemID))
	s.snapshot = next
	return true
}

// stale reports whether an inbound revision is not newer than the held one.
// Events without a revision (zero) predate the hardening and are accepted.
func stale(incoming, held int64) bool {
	return incoming != 0 && incoming <= held
}
