package modal

import (
	tea "github.com/charmbracelet/bubbletea"
)

// ModalType identifies each modal
type ModalType int

const (
	ModalNone ModalType = iota
	ModalUsername
	ModalError
)

func (m ModalType) String() string {
	switch m {
	case ModalNone:
		return "None"
	case ModalUsername:
		return "Username"
	case ModalError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Modal is a dialog drawn over the chat view
type Modal interface {
	Type() ModalType

	// HandleKey returns (handled, next, cmd). A nil next closes the modal;
	// returning the receiver keeps it open.
	HandleKey(msg tea.KeyMsg) (handled bool, next Modal, cmd tea.Cmd)

	Render(width, height int) string

	// IsBlockingInput reports whether unhandled keys are swallowed
	IsBlockingInput() bool
}

// ModalStack holds the open modals, topmost last
type ModalStack struct {
	stack []Modal
}

// Push opens m, replacing any open modal of the same type
func (ms *ModalStack) Push(m Modal) {
	ms.RemoveByType(m.Type())
	ms.stack = append(ms.stack, m)
}

// Pop removes and returns the top modal, or nil
func (ms *ModalStack) Pop() Modal {
	if len(ms.stack) == 0 {
		return nil
	}
	m := ms.stack[len(ms.stack)-1]
	ms.stack = ms.stack[:len(ms.stack)-1]
	return m
}

// Top returns the active modal, or nil
func (ms *ModalStack) Top() Modal {
	if len(ms.stack) == 0 {
		return nil
	}
	return ms.stack[len(ms.stack)-1]
}

// TopType returns the active modal's type, or ModalNone
func (ms *ModalStack) TopType() ModalType {
	if m := ms.Top(); m != nil {
		return m.Type()
	}
	return ModalNone
}

// RemoveByType closes every modal of type t
func (ms *ModalStack) RemoveByType(t ModalType) {
	kept := ms.stack[:0]
	for _, m := range ms.stack {
		if m.Type() != t {
			kept = append(kept, m)
		}
	}
	ms.stack = kept
}

// Replace swaps the top modal for next, or pops it when next is nil
func (ms *ModalStack) Replace(next Modal) {
	ms.Pop()
	if next != nil {
		ms.stack = append(ms.stack, next)
	}
}

func (ms *ModalStack) IsEmpty() bool {
	return len(ms.stack) == 0
}

func (ms *ModalStack) Size() int {
	return len(ms.stack)
}
