package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type flakyChannel struct {
	fail  bool
	seen  []Notification
}

func (f *flakyChannel) Notify(ctx context.Context, n Notification) error {
	if f.fail {
		return errors.New("channel down")
	}
	f.seen = append(f.seen, n)
	return nil
}

func TestSendFansOutPastFailures(t *testing.T) {
	bad := &flakyChannel{fail: true}
	good := &flakyChannel{}
	s := &Sender{
		Channels: []Notifier{bad, good},
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	s.RideAccepted(context.Background(), "ana@example.com", "r1")

	if len(good.seen) != 1 {
		t.Fatalf("healthy channel must still deliver, got %d", len(good.seen))
	}
	n := good.seen[0]
	if n.Kind != KindRideAccepted || n.Recipient != "ana@example.com" || n.RideID != "r1" {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestWSRegistryUnknownRecipient(t *testing.T) {
	r := NewWSRegistry()
	err := r.Notify(context.Background(), Notification{Recipient: "nobody@example.com"})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
