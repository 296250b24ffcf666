// Package notify holds the presentation collaborators the workflow calls
// into: user notifications and the print-confirmation affordance. The
// default implementations are zenity native dialogs with zerolog fallbacks
// for headless runs; both are deliberately thin, since presentation is
// outside the workflow core.
package notify

import (
	"errors"

	"github.com/ncruces/zenity"
	"github.com/rs/zerolog/log"
)

// Notifier surfaces messages to the user. Info covers soft advisories
// (still-processing, poll timeout) that never block interaction; Error
// covers recoverable failures surfaced as dismissible notifications.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// Confirmer asks the user to confirm an action. A negative answer is not an
// error.
type Confirmer interface {
	Confirm(title, msg string) (bool, error)
}

// --- zenity-backed implementations ---

// DialogNotifier shows native desktop notifications via zenity.
type DialogNotifier struct{}

func (DialogNotifier) Info(msg string) {
	if err := zenity.Notify(msg, zenity.InfoIcon); err != nil {
		log.Info().Msg(msg)
	}
}

func (DialogNotifier) Error(msg string) {
	if err := zenity.Notify(msg, zenity.ErrorIcon); err != nil {
		log.Error().Msg(msg)
	}
}

// DialogConfirmer shows a native question dialog via zenity.
type DialogConfirmer struct{}

func (DialogConfirmer) Confirm(title, msg string) (bool, error) {
	err := zenity.Question(msg, zenity.Title(title), zenity.QuestionIcon)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, zenity.ErrCanceled) {
		return false, nil
	}
	return false, err
}

// --- log-backed fallbacks ---

// LogNotifier writes notifications to the structured log. Used in headless
// or scripted runs.
type LogNotifier struct{}

func (LogNotifier) Info(msg string)  { log.Info().Msg(msg) }
func (LogNotifier) Error(msg string) { log.Error().Msg(msg) }

// AutoConfirmer answers yes without prompting. Used with --auto runs and in
// tests.
type AutoConfirmer struct{}

func (AutoConfirmer) Confirm(string, string) (bool, error) { return true, nil }
