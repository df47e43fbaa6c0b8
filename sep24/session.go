package sep24

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/errors"
)

// callbackQuery is appended to the interactive URL so the anchor's hosted
// page reports completion back through a cross-window message instead of a
// redirect.
const callbackQuery = "callback=postMessage"

// Session is one open interactive transfer session: exactly one per user
// action, destroyed when the popup closes, a callback is received, or the
// caller cancels.
type Session struct {
	ID             string
	InteractiveURL string

	popup anchorengine.PopupWindow

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// OpenSession opens the anchor's interactive page in a popup window with the
// postMessage callback suffix. Fails with POPUP_BLOCKED if the window could
// not be opened; the error context carries the URL so the caller can offer a
// manual "open in new tab" fallback.
func OpenSession(ctx context.Context, browser anchorengine.InteractiveBrowser, init *Initiation) (*Session, error) {
	sessionURL := withCallback(init.InteractiveURL)

	popup, err := browser.Open(ctx, sessionURL)
	if err != nil {
		return nil, errors.NewTransferError(errors.POPUP_BLOCKED,
			"interactive window was blocked or immediately closed", err).
			With("interactive_url", sessionURL)
	}

	return &Session{
		ID:             init.TransferID,
		InteractiveURL: sessionURL,
		popup:          popup,
		cancelled:      make(chan struct{}),
	}, nil
}

// AwaitCallback blocks until the session's first structurally valid
// completion message arrives, then closes the popup and returns the event.
// Later messages on the same channel are never read; at most one event is
// acted upon per session.
//
// If the user closes the popup before a callback arrives, or the session is
// cancelled, AwaitCallback fails with SESSION_CANCELLED; closure is never
// treated as success.
func (s *Session) AwaitCallback(ctx context.Context) (*anchorengine.TransferCallbackEvent, error) {
	for {
		select {
		case msg, ok := <-s.popup.Messages():
			if !ok {
				return nil, errors.NewTransferError(errors.SESSION_CANCELLED,
					"interactive window message channel closed before completion", nil)
			}
			event, valid := parseCallback(msg)
			if !valid {
				// Malformed or unrelated messages are ignored rather than
				// trusted on structural shape.
				continue
			}
			s.Cancel()
			return event, nil

		case <-s.popup.Closed():
			s.Cancel()
			return nil, errors.NewTransferError(errors.SESSION_CANCELLED,
				"interactive window was closed before the transfer completed", nil)

		case <-s.cancelled:
			return nil, errors.NewTransferError(errors.SESSION_CANCELLED, "interactive session cancelled", nil)

		case <-ctx.Done():
			s.Cancel()
			return nil, errors.NewTransferError(errors.SESSION_CANCELLED, "interactive session cancelled", ctx.Err())
		}
	}
}

// Cancel closes the popup and releases the session. Safe to call more than
// once and after a callback has been received.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
		s.popup.Close()
	})
}

// parseCallback validates a raw cross-window message. A valid callback must
// contain a transaction object whose kind is one of the two recognized
// values; anything else is rejected.
func parseCallback(msg []byte) (*anchorengine.TransferCallbackEvent, bool) {
	var probe struct {
		Transaction *anchorengine.CallbackTransaction `json:"transaction"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil || probe.Transaction == nil {
		return nil, false
	}
	if !probe.Transaction.Kind.Valid() {
		return nil, false
	}
	return &anchorengine.TransferCallbackEvent{Transaction: *probe.Transaction}, true
}

// withCallback appends the postMessage callback parameter to an interactive
// URL, preserving any query string the anchor already put there.
func withCallback(interactiveURL string) string {
	u, err := url.Parse(interactiveURL)
	if err != nil {
		return interactiveURL + "?" + callbackQuery
	}
	q := u.Query()
	q.Set("callback", "postMessage")
	u.RawQuery = q.Encode()
	return u.String()
}
