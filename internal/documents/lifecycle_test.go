package documents

import (
	"errors"
	"sort"
	"testing"
	"time"
)

func siblingOrder(t *testing.T, service *Service, siteID string) []DocumentID {
	t.Helper()
	var rows []DocumentRow
	if err := service.db.Where("site_id = ? AND state = ?", siteID, string(StateActive)).
		Order("order_key ASC").Find(&rows).Error; err != nil {
		t.Fatalf("list siblings failed: %v", err)
	}
	ids := make([]DocumentID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, DocumentID(row.DocumentID))
	}
	return ids
}

func TestCreateDocumentAppendsAfterLastSibling(t *testing.T) {
	service, _ := newTestService(t)
	owner := mustUserID(t, "user-1")

	first := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"})
	second := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"})
	third := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1", AfterDocumentID: first.ID})

	order := siblingOrder(t, service, "site-1")
	expected := []DocumentID{first.ID, third.ID, second.ID}
	for index := range expected {
		if order[index] != expected[index] {
			t.Fatalf("expected order %v, got %v", expected, order)
		}
	}
	if first.State != StateActive {
		t.Fatalf("expected active state, got %s", first.State)
	}
}

func TestCreateDocumentRejectsForeignNeighbour(t *testing.T) {
	service, _ := newTestService(t)
	other := mustCreateDocument(t, service, CreateRequest{OwnerID: mustUserID(t, "user-2"), SiteID: "site-1"})

	_, err := service.CreateDocument(t.Context(), CreateRequest{OwnerID: mustUserID(t, "user-1"), SiteID: "site-1", AfterDocumentID: other.ID})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "documents.create.neighbour_invalid" {
		t.Fatalf("expected neighbour_invalid, got %v", err)
	}
}

func TestCreateDocumentPropagatesIDFailure(t *testing.T) {
	service, _ := newTestService(t)
	service.idProvider = failingIDGenerator{}
	if _, err := service.CreateDocument(t.Context(), CreateRequest{OwnerID: mustUserID(t, "user-1"), SiteID: "site-1"}); err == nil {
		t.Fatalf("expected id generation failure")
	}
}

func TestMoveDocumentRewritesOnlyItsOwnKey(t *testing.T) {
	service, _ := newTestService(t)
	owner := mustUserID(t, "user-1")
	created := make([]Document, 0, 4)
	for index := 0; index < 4; index++ {
		created = append(created, mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"}))
	}
	keysBefore := make(map[DocumentID]string)
	for _, document := range created {
		keysBefore[document.ID] = document.OrderKey
	}

	moved, err := service.MoveDocument(t.Context(), owner, created[3].ID, created[1].ID, created[0].ID)
	if err != nil {
		t.Fatalf("move failed: %v", err)
	}
	if !(moved.OrderKey > keysBefore[created[0].ID] && moved.OrderKey < keysBefore[created[1].ID]) {
		t.Fatalf("expected moved key between neighbours, got %q", moved.OrderKey)
	}

	order := siblingOrder(t, service, "site-1")
	expected := []DocumentID{created[0].ID, created[3].ID, created[1].ID, created[2].ID}
	for index := range expected {
		if order[index] != expected[index] {
			t.Fatalf("expected order %v, got %v", expected, order)
		}
	}
	for _, document := range created[:3] {
		reloaded, err := service.GetDocument(t.Context(), document.ID)
		if err != nil {
			t.Fatalf("get document failed: %v", err)
		}
		if reloaded.OrderKey != keysBefore[document.ID] {
			t.Fatalf("expected sibling %s to keep its key", document.ID)
		}
	}

	// Moving before the first sibling alone places it at the front.
	if _, err := service.MoveDocument(t.Context(), owner, created[2].ID, created[0].ID, ""); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	order = siblingOrder(t, service, "site-1")
	if order[0] != created[2].ID {
		t.Fatalf("expected %s first, got %v", created[2].ID, order)
	}
}

func TestRepeatedFrontInsertionsStaySorted(t *testing.T) {
	service, _ := newTestService(t)
	owner := mustUserID(t, "user-1")
	anchor := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"})
	tail := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"})

	var keys []string
	for index := 0; index < 20; index++ {
		document := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1", AfterDocumentID: anchor.ID})
		if !(document.OrderKey > anchor.OrderKey && document.OrderKey < tail.OrderKey) {
			t.Fatalf("expected key between anchor and tail, got %q", document.OrderKey)
		}
		keys = append(keys, document.OrderKey)
	}
	// Each insertion lands directly after the anchor, so keys descend.
	if !sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i] > keys[j] }) {
		t.Fatalf("expected descending keys, got %v", keys)
	}
}

func TestDeleteDocumentRequiresOwnership(t *testing.T) {
	service, clock := newTestService(t)
	owner := mustUserID(t, "user-1")
	document := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"})

	err := service.DeleteDocument(t.Context(), mustUserID(t, "intruder"), document.ID)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	clock.Advance(time.Second)
	if err := service.DeleteDocument(t.Context(), owner, document.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	reloaded, err := service.GetDocument(t.Context(), document.ID)
	if err != nil {
		t.Fatalf("get document failed: %v", err)
	}
	if !reloaded.Deleted() {
		t.Fatalf("expected soft-deleted document to remain readable")
	}
	if err := service.DeleteDocument(t.Context(), owner, document.ID); !errors.Is(err, ErrDocumentDeleted) {
		t.Fatalf("expected second delete to report deleted, got %v", err)
	}
}

func TestAssertOwnership(t *testing.T) {
	if err := AssertOwnership("user-1", "user-1"); err != nil {
		t.Fatalf("expected owner to pass, got %v", err)
	}
	if err := AssertOwnership("user-2", "user-1"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := AssertOwnership("", ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected empty user to be denied, got %v", err)
	}
}

func TestListStaleSelectsDocumentsBehindTheirLog(t *testing.T) {
	service, clock := newTestService(t)
	owner := mustUserID(t, "user-1")

	fresh := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"})
	written := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"})
	compacted := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"})
	recent := mustCreateDocument(t, service, CreateRequest{OwnerID: owner, SiteID: "site-1"})

	clock.Advance(time.Minute)
	mustAppend(t, service, written.ID, KindUpdate, "w")
	mustAppend(t, service, compacted.ID, KindUpdate, "c")
	clock.Advance(time.Minute)
	if _, err := service.PutSnapshot(t.Context(), SnapshotWrite{DocumentID: compacted.ID, State: []byte("c"), CompactedThrough: 1}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	clock.Advance(48 * time.Hour)
	mustAppend(t, service, recent.ID, KindUpdate, "r")

	ids, err := service.ListStale(t.Context(), StaleQuery{UpdatedBefore: clock.Now().Add(-24 * time.Hour), Limit: 10})
	if err != nil {
		t.Fatalf("list stale failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != written.ID {
		t.Fatalf("expected only %s to be stale, got %v (fresh=%s)", written.ID, ids, fresh.ID)
	}

	page, err := service.ListStale(t.Context(), StaleQuery{UpdatedBefore: clock.Now().Add(-24 * time.Hour), AfterID: written.ID, Limit: 10})
	if err != nil {
		t.Fatalf("list stale failed: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page after cursor, got %v", page)
	}
}
