package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/identity"
)

type fakeTransport struct {
	receipt   identity.Receipt
	failWith  error
	delivered []string
}

func (f *fakeTransport) Deliver(content string) (identity.Receipt, error) {
	if f.failWith != nil {
		return identity.Receipt{}, f.failWith
	}
	f.delivered = append(f.delivered, content)
	return f.receipt, nil
}

type fakeAnnouncer struct {
	previous  []Pointer
	permalink []string
}

func (f *fakeAnnouncer) AnnounceVoteClosed(previous Pointer, newPermalink string) {
	f.previous = append(f.previous, previous)
	f.permalink = append(f.permalink, newPermalink)
}

func TestRecencyDefaultsWhenMissing(t *testing.T) {
	service := newTestService(t, nil, nil)

	pointer, err := service.Recency(context.Background())
	if err != nil {
		t.Fatalf("recency failed: %v", err)
	}
	if pointer.ItemID != 1 || pointer.Scorable {
		t.Fatalf("expected default pointer {1 false}, got %+v", pointer)
	}
}

func TestSetRecencyRoundTrip(t *testing.T) {
	service := newTestService(t, nil, nil)

	want := Pointer{ItemID: 7, Scorable: true, Channel: "C1", ThreadID: "T1", Permalink: "https://chat.example/p7"}
	if err := service.SetRecency(context.Background(), want); err != nil {
		t.Fatalf("set recency failed: %v", err)
	}
	got, err := service.Recency(context.Background())
	if err != nil {
		t.Fatalf("recency failed: %v", err)
	}
	if got != want {
		t.Fatalf("pointer mismatch, want %+v got %+v", want, got)
	}

	// The pointer is a singleton; a second write overwrites, never appends.
	want.ItemID = 8
	want.Scorable = false
	if err := service.SetRecency(context.Background(), want); err != nil {
		t.Fatalf("second set recency failed: %v", err)
	}
	got, err = service.Recency(context.Background())
	if err != nil {
		t.Fatalf("recency failed: %v", err)
	}
	if got != want {
		t.Fatalf("pointer mismatch after overwrite, want %+v got %+v", want, got)
	}
}

func TestVoteCurrentClosedPointer(t *testing.T) {
	service := newTestService(t, nil, nil)
	item := mustPublish(t, service, "not up for scoring", "alice")
	if err := service.SetRecency(context.Background(), Pointer{ItemID: item.ID, Scorable: false}); err != nil {
		t.Fatalf("set recency failed: %v", err)
	}

	outcome, err := service.VoteCurrent(context.Background(), DirectionUp, "alice")
	if err != nil {
		t.Fatalf("vote current failed: %v", err)
	}
	if outcome.Status != VoteClosed {
		t.Fatalf("expected voting to be closed, got status %d", outcome.Status)
	}

	got, err := service.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Score != 0 {
		t.Fatalf("expected no mutation on a closed pointer, got score %d", got.Score)
	}
}

func TestVoteCurrentScorablePointer(t *testing.T) {
	service := newTestService(t, nil, nil)
	item := mustPublish(t, service, "open for scoring", "alice")
	if err := service.SetRecency(context.Background(), Pointer{ItemID: item.ID, Scorable: true}); err != nil {
		t.Fatalf("set recency failed: %v", err)
	}

	outcome, err := service.VoteCurrent(context.Background(), DirectionUp, "bob")
	if err != nil {
		t.Fatalf("vote current failed: %v", err)
	}
	if outcome.Status != VoteApplied || outcome.ItemID != item.ID || outcome.NewScore != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestSendMovesPointerAfterDelivery(t *testing.T) {
	service := newTestService(t, nil, nil)
	item := mustPublish(t, service, "deliver me", "alice")

	transport := &fakeTransport{receipt: identity.Receipt{Channel: "C1", ThreadID: "T9", Permalink: "https://chat.example/p1"}}
	result, err := service.Send(context.Background(), SendRequest{ItemID: item.ID, Scorable: true, Transport: transport})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Text != "deliver me" {
		t.Fatalf("unexpected delivered text: %q", result.Text)
	}
	if len(transport.delivered) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(transport.delivered))
	}

	pointer, err := service.Recency(context.Background())
	if err != nil {
		t.Fatalf("recency failed: %v", err)
	}
	if pointer.ItemID != item.ID || !pointer.Scorable || pointer.Channel != "C1" || pointer.ThreadID != "T9" {
		t.Fatalf("pointer not updated from receipt: %+v", pointer)
	}
}

func TestSendFailureLeavesPointerAlone(t *testing.T) {
	service := newTestService(t, nil, nil)
	item := mustPublish(t, service, "never arrives", "alice")
	if err := service.SetRecency(context.Background(), Pointer{ItemID: item.ID, Scorable: true, Channel: "C0"}); err != nil {
		t.Fatalf("set recency failed: %v", err)
	}

	transport := &fakeTransport{failWith: errors.New("the pipe burst")}
	if _, err := service.Send(context.Background(), SendRequest{ItemID: item.ID, Transport: transport}); err == nil {
		t.Fatalf("expected delivery failure to surface")
	}

	pointer, err := service.Recency(context.Background())
	if err != nil {
		t.Fatalf("recency failed: %v", err)
	}
	if pointer.Channel != "C0" || !pointer.Scorable {
		t.Fatalf("pointer moved despite failed delivery: %+v", pointer)
	}
}

func TestSendAnnouncesEarlyVoteClosure(t *testing.T) {
	service := newTestService(t, nil, nil)
	first := mustPublish(t, service, "still being voted on", "alice")
	second := mustPublish(t, service, "interrupting item", "bob")

	open := Pointer{ItemID: first.ID, Scorable: true, Channel: "C1", Permalink: "https://chat.example/p1"}
	if err := service.SetRecency(context.Background(), open); err != nil {
		t.Fatalf("set recency failed: %v", err)
	}

	announcer := &fakeAnnouncer{}
	transport := &fakeTransport{receipt: identity.Receipt{Channel: "C2", Permalink: "https://chat.example/p2"}}
	if _, err := service.Send(context.Background(), SendRequest{ItemID: second.ID, Scorable: false, Transport: transport, Announcer: announcer}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if len(announcer.previous) != 1 {
		t.Fatalf("expected one closure announcement, got %d", len(announcer.previous))
	}
	if announcer.previous[0] != open {
		t.Fatalf("expected the displaced pointer, got %+v", announcer.previous[0])
	}
	if announcer.permalink[0] != "https://chat.example/p2" {
		t.Fatalf("expected the new permalink, got %q", announcer.permalink[0])
	}

	// A scorable send displacing a non-scorable pointer stays quiet.
	if _, err := service.Send(context.Background(), SendRequest{ItemID: first.ID, Scorable: true, Transport: transport, Announcer: announcer}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(announcer.previous) != 1 {
		t.Fatalf("expected no further announcements, got %d", len(announcer.previous))
	}
}

func TestSendRandomPick(t *testing.T) {
	clock := newTestClock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	service := newTestService(t, clock, func(n int) int { return n - 1 })
	mustPublish(t, service, "the only candidate", "alice")

	transport := &fakeTransport{receipt: identity.Receipt{Channel: "C1"}}
	result, err := service.Send(context.Background(), SendRequest{Transport: transport, Scorable: true})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if result.Item.ID != 1 || result.Text != "the only candidate" {
		t.Fatalf("unexpected random pick: %+v", result)
	}
}

func TestSendRequiresTransport(t *testing.T) {
	service := newTestService(t, nil, nil)
	if _, err := service.Send(context.Background(), SendRequest{ItemID: 1}); err == nil {
		t.Fatalf("expected missing transport to fail")
	}
}
