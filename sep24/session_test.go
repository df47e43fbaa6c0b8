package sep24_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	anchorengine "github.com/stellarbridge/anchor-engine-go"
	"github.com/stellarbridge/anchor-engine-go/errors"
	"github.com/stellarbridge/anchor-engine-go/sep24"
)

type fakePopup struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    int
}

func newFakePopup() *fakePopup {
	return &fakePopup{
		msgs:   make(chan []byte, 8),
		closed: make(chan struct{}),
	}
}

func (p *fakePopup) Messages() <-chan []byte { return p.msgs }
func (p *fakePopup) Closed() <-chan struct{} { return p.closed }
func (p *fakePopup) Close() {
	p.closes++
	p.closeOnce.Do(func() { close(p.closed) })
}

// userCloses simulates the user dismissing the window.
func (p *fakePopup) userCloses() { p.closeOnce.Do(func() { close(p.closed) }) }

type fakeBrowser struct {
	popup   *fakePopup
	openErr error
	lastURL string
}

func (b *fakeBrowser) Open(ctx context.Context, url string) (anchorengine.PopupWindow, error) {
	b.lastURL = url
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.popup, nil
}

func openTestSession(t *testing.T, browser *fakeBrowser) *sep24.Session {
	t.Helper()
	s, err := sep24.OpenSession(context.Background(), browser, &sep24.Initiation{
		TransferID:     "tx-1",
		InteractiveURL: "https://anchor.example.com/kyc?tx=abc",
	})
	require.NoError(t, err)
	return s
}

func TestOpenSessionAppendsCallbackParameter(t *testing.T) {
	browser := &fakeBrowser{popup: newFakePopup()}
	s := openTestSession(t, browser)

	require.Contains(t, browser.lastURL, "callback=postMessage")
	require.Contains(t, browser.lastURL, "tx=abc", "existing query parameters must survive")
	require.Equal(t, "tx-1", s.ID)
}

func TestOpenSessionPopupBlocked(t *testing.T) {
	browser := &fakeBrowser{openErr: fmt.Errorf("window.open returned null")}

	_, err := sep24.OpenSession(context.Background(), browser, &sep24.Initiation{
		TransferID:     "tx-1",
		InteractiveURL: "https://anchor.example.com/kyc",
	})
	require.Error(t, err)
	require.Equal(t, errors.POPUP_BLOCKED, errors.CodeOf(err))

	var ee *errors.EngineError
	require.True(t, errors.As(err, &ee))
	require.Contains(t, ee.Context["interactive_url"], "https://anchor.example.com/kyc",
		"the URL must be available for a manual open fallback")
}

func TestAwaitCallbackIgnoresInvalidMessages(t *testing.T) {
	popup := newFakePopup()
	browser := &fakeBrowser{popup: popup}
	s := openTestSession(t, browser)

	popup.msgs <- []byte(`not json`)
	popup.msgs <- []byte(`{"unrelated": true}`)
	popup.msgs <- []byte(`{"transaction": {"id": "tx-1", "kind": "teleport", "status": "completed"}}`)
	popup.msgs <- []byte(`{"transaction": {"id": "tx-1", "kind": "withdrawal", "status": "completed", "amount_in": "100"}}`)

	event, err := s.AwaitCallback(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tx-1", event.Transaction.ID)
	require.Equal(t, anchorengine.KindWithdrawal, event.Transaction.Kind)
	require.Equal(t, "100", event.Transaction.AmountIn)

	require.Equal(t, 1, popup.closes, "a received callback closes the popup")
}

func TestAwaitCallbackActsOnFirstEventOnly(t *testing.T) {
	popup := newFakePopup()
	browser := &fakeBrowser{popup: popup}
	s := openTestSession(t, browser)

	popup.msgs <- []byte(`{"transaction": {"id": "tx-1", "kind": "withdrawal", "status": "completed"}}`)
	popup.msgs <- []byte(`{"transaction": {"id": "tx-1", "kind": "withdrawal", "status": "error"}}`)

	event, err := s.AwaitCallback(context.Background())
	require.NoError(t, err)
	require.Equal(t, "completed", event.Transaction.Status)

	// The duplicate is never consumed.
	require.Len(t, popup.msgs, 1)
}

func TestAwaitCallbackPopupClosedIsNeverSuccess(t *testing.T) {
	popup := newFakePopup()
	browser := &fakeBrowser{popup: popup}
	s := openTestSession(t, browser)

	popup.userCloses()

	event, err := s.AwaitCallback(context.Background())
	require.Nil(t, event)
	require.Error(t, err)
	require.Equal(t, errors.SESSION_CANCELLED, errors.CodeOf(err))
}

func TestAwaitCallbackCancel(t *testing.T) {
	popup := newFakePopup()
	browser := &fakeBrowser{popup: popup}
	s := openTestSession(t, browser)

	done := make(chan error, 1)
	go func() {
		_, err := s.AwaitCallback(context.Background())
		done <- err
	}()

	s.Cancel()
	s.Cancel() // idempotent

	select {
	case err := <-done:
		require.Error(t, err)
		require.Equal(t, errors.SESSION_CANCELLED, errors.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("AwaitCallback did not return after Cancel")
	}
	require.Equal(t, 1, popup.closes)
}

func TestAwaitCallbackContextCancelled(t *testing.T) {
	popup := newFakePopup()
	browser := &fakeBrowser{popup: popup}
	s := openTestSession(t, browser)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AwaitCallback(ctx)
	require.Error(t, err)
	require.Equal(t, errors.SESSION_CANCELLED, errors.CodeOf(err))
}
