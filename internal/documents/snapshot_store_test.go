package documents

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
)

func TestCreateDocumentSeedsSnapshot(t *testing.T) {
	service, _ := newTestService(t)
	document := mustCreateDocument(t, service, CreateRequest{
		OwnerID: mustUserID(t, "user-1"),
		SiteID:  "site-1",
		Title:   "Hello",
		Body:    "World",
	})

	snapshot, found, err := service.GetSnapshot(t.Context(), document.ID)
	if err != nil {
		t.Fatalf("get snapshot failed: %v", err)
	}
	if !found {
		t.Fatalf("expected seeded snapshot")
	}
	if snapshot.CompactedThrough != 0 {
		t.Fatalf("expected seed through 0, got %d", snapshot.CompactedThrough)
	}
	doc, err := crdt.Load(snapshot.State)
	if err != nil {
		t.Fatalf("load seeded state failed: %v", err)
	}
	if title, _ := doc.Get(FieldTitle); title != "Hello" {
		t.Fatalf("expected seeded title, got %q", title)
	}
	if _, ok := doc.Get(FieldSubtitle); !ok {
		t.Fatalf("expected subtitle field to exist")
	}
	if document.CharacterCount != 10 {
		t.Fatalf("expected character count 10, got %d", document.CharacterCount)
	}
}

func TestPutSnapshotKeepsFurthestSequence(t *testing.T) {
	service, clock := newTestService(t)
	document := mustCreateDocument(t, service, CreateRequest{OwnerID: mustUserID(t, "user-1"), SiteID: "site-1"})

	clock.Advance(time.Minute)
	result, err := service.PutSnapshot(t.Context(), SnapshotWrite{DocumentID: document.ID, State: []byte("fifteen"), CompactedThrough: 15, CharacterCount: 7})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !result.Written {
		t.Fatalf("expected advancing snapshot to be written")
	}
	writtenAt := result.Snapshot.CompactedAt

	clock.Advance(time.Minute)
	result, err = service.PutSnapshot(t.Context(), SnapshotWrite{DocumentID: document.ID, State: []byte("ten"), CompactedThrough: 10})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if result.Written || !result.Regressed {
		t.Fatalf("expected regressing snapshot to be discarded, got %+v", result)
	}

	result, err = service.PutSnapshot(t.Context(), SnapshotWrite{DocumentID: document.ID, State: []byte("again"), CompactedThrough: 15})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if result.Written || result.Regressed {
		t.Fatalf("expected equal snapshot to be a no-op, got %+v", result)
	}

	stored, _, err := service.GetSnapshot(t.Context(), document.ID)
	if err != nil {
		t.Fatalf("get snapshot failed: %v", err)
	}
	if string(stored.State) != "fifteen" || stored.CompactedThrough != 15 {
		t.Fatalf("expected furthest snapshot to remain, got %q through %d", stored.State, stored.CompactedThrough)
	}
	if !stored.CompactedAt.Equal(writtenAt) {
		t.Fatalf("expected compacted_at to remain at the winning write")
	}

	reloaded, err := service.GetDocument(t.Context(), document.ID)
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	if reloaded.CompactedThrough != 15 || reloaded.CharacterCount != 7 || reloaded.BlobSize != int64(len("fifteen")) {
		t.Fatalf("expected usage to follow the written snapshot, got %+v", reloaded)
	}
}

func TestPutSnapshotNeverMovesCompactedAtBackwards(t *testing.T) {
	service, clock := newTestService(t)
	document := mustCreateDocument(t, service, CreateRequest{OwnerID: mustUserID(t, "user-1"), SiteID: "site-1"})
	created := clock.Now()

	clock.Advance(-time.Hour)
	result, err := service.PutSnapshot(t.Context(), SnapshotWrite{DocumentID: document.ID, State: []byte("x"), CompactedThrough: 3})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !result.Written {
		t.Fatalf("expected write")
	}
	if result.Snapshot.CompactedAt.Before(created) {
		t.Fatalf("expected compacted_at to stay at or after %v, got %v", created, result.Snapshot.CompactedAt)
	}
}

func TestPutSnapshotRejectsInvalidWrites(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.PutSnapshot(t.Context(), SnapshotWrite{DocumentID: "doc", State: []byte("x"), CompactedThrough: -1}); err == nil {
		t.Fatalf("expected negative through to fail")
	}
	if _, err := service.PutSnapshot(t.Context(), SnapshotWrite{DocumentID: "doc", CompactedThrough: 1}); err == nil {
		t.Fatalf("expected empty state to fail")
	}
}

func TestPutSnapshotRecordsHistoryOnStateChange(t *testing.T) {
	service, clock := newTestService(t)
	document := mustCreateDocument(t, service, CreateRequest{OwnerID: mustUserID(t, "user-1"), SiteID: "site-1"})

	clock.Advance(time.Minute)
	result, err := service.PutSnapshot(t.Context(), SnapshotWrite{
		DocumentID:       document.ID,
		State:            []byte("first"),
		CompactedThrough: 4,
		Contributors:     []UserID{"user-2", "user-1", "user-2", ""},
	})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if result.HistoryID == 0 {
		t.Fatalf("expected a history entry for a new state, got %+v", result)
	}

	result, err = service.PutSnapshot(t.Context(), SnapshotWrite{DocumentID: document.ID, State: []byte("first"), CompactedThrough: 6})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !result.Written || result.HistoryID != 0 {
		t.Fatalf("expected an unchanged state to advance without history, got %+v", result)
	}

	result, err = service.PutSnapshot(t.Context(), SnapshotWrite{DocumentID: document.ID, State: []byte("second"), CompactedThrough: 9, Contributors: []UserID{"user-3"}})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if result.HistoryID == 0 {
		t.Fatalf("expected a history entry for the second state")
	}

	history, err := service.ListHistory(t.Context(), document.ID)
	if err != nil {
		t.Fatalf("list history failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected two history entries, got %d", len(history))
	}
	if string(history[0].State) != "first" || history[0].CompactedThrough != 4 {
		t.Fatalf("unexpected first entry %+v", history[0])
	}
	if contributors := history[0].Contributors; len(contributors) != 2 || contributors[0] != "user-1" || contributors[1] != "user-2" {
		t.Fatalf("expected deduplicated sorted contributors, got %v", contributors)
	}
	if string(history[1].State) != "second" || len(history[1].Contributors) != 1 || history[1].Contributors[0] != "user-3" {
		t.Fatalf("unexpected second entry %+v", history[1])
	}
}
