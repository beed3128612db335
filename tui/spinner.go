package tui

import (
	"context"
	"sync/atomic"

	"github.com/charmbracelet/huh/spinner"
)

// ShowSpinner displays a spinner titled title while action runs. It always
// waits for action to return, even when ctx is cancelled first.
func ShowSpinner(ctx context.Context, title string, action func()) {
	if !HasTTY {
		action()
		return
	}
	var started atomic.Bool
	done := make(chan struct{})
	err := spinner.New().
		Context(ctx).
		Title(title).
		Action(func() {
			started.Store(true)
			defer close(done)
			action()
		}).
		Run()
	if err != nil && !started.Load() {
		action()
		return
	}
	<-done
}
