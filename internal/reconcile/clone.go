package reconcile

import (
	"sort"

	"taskboard/api/internal/board"
)

// The reducer never mutates nested containers in place: every transition
// builds on copies and swaps the whole snapshot at the end, so a failed
// transition leaves the prior snapshot untouched.

func cloneBoard(b board.Board) board.Board {
	out := b
	out.Lists = make([]board.List, len(b.Lists))
	for i := range b.Lists {
		out.Lists[i] = cloneList(b.Lists[i])
	}
	out.Labels = append([]board.Label(nil), b.Labels...)
	out.Members = append([]board.Member(nil), b.Members...)
	return out
}

func cloneList(l board.List) board.List {
	out := l
	out.Todos = make([]board.Todo, len(l.Todos))
	for i := range l.Todos {
		out.Todos[i] = cloneTodo(l.Todos[i])
	}
	return out
}

func cloneTodo(t board.Todo) board.Todo {
	out := t
	out.Labels = append([]board.Label(nil), t.Labels...)
	if t.ChecklistItems != nil {
		out.ChecklistItems = append([]board.ChecklistItem(nil), t.ChecklistItems...)
	}
	if t.AssignedTo != nil {
		assigned := *t.AssignedTo
		out.AssignedTo = &assigned
	}
	return out
}

func sortTodos(todos []board.Todo) {
	sort.SliceStable(todos, func(i, j int) bool { return todos[i].Position < todos[j].Position })
}

func sortLists(lists []board.List) {
	sort.SliceStable(lists, func(i, j int) bool { return lists[i].Position < lists[j].Position })
}

func sortChecklist(items []board.ChecklistItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
}
