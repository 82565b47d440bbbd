package discussion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rallye-app/rallye/backend/internal/room"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids    []string
	index  int
	onNext func()
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.onNext != nil {
		g.onNext()
	}
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type fakeMemberships struct {
	accepted map[string][]string
}

func memberKey(kind room.Kind, itemID string) string {
	return string(kind) + "/" + itemID
}

func (f *fakeMemberships) IsAcceptedMember(_ context.Context, ref room.Ref, userID string) (bool, error) {
	if ref.Kind() == room.KindPrivate {
		return ref.Contains(userID), nil
	}
	for _, member := range f.accepted[memberKey(ref.Kind(), ref.ItemID())] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMemberships) AcceptedMemberIDs(_ context.Context, ref room.Ref) ([]string, error) {
	if a, b, ok := ref.Participants(); ok {
		return []string{a, b}, nil
	}
	return f.accepted[memberKey(ref.Kind(), ref.ItemID())], nil
}

func (f *fakeMemberships) AcceptedItemIDs(_ context.Context, kind room.Kind, userID string) ([]string, error) {
	var items []string
	for key, members := range f.accepted {
		for _, member := range members {
			if member == userID && len(key) > len(kind)+1 && key[:len(kind)] == string(kind) {
				items = append(items, key[len(kind)+1:])
			}
		}
	}
	return items, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	senders []string
	rooms   []string
}

func (n *recordingNotifier) RoomMessage(_ context.Context, ref room.Ref, senderID, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.senders = append(n.senders, senderID)
	n.rooms = append(n.rooms, ref.Key())
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:discussion_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Discussion{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func tickingClock(start int64) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current++
		return time.Unix(current, 0).UTC()
	}
}

func newTestService(t *testing.T, db *gorm.DB, ids []string, memberships *fakeMemberships, notifier Notifier) *Service {
	t.Helper()
	if memberships == nil {
		memberships = &fakeMemberships{accepted: map[string][]string{}}
	}
	service, err := NewService(ServiceConfig{
		Database:    db,
		Clock:       tickingClock(1700000000),
		IDProvider:  &staticIDGenerator{ids: ids},
		Memberships: memberships,
		Notifier:    notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustActivityRef(t *testing.T, id string) room.Ref {
	t.Helper()
	ref, err := room.ActivityRoom(id)
	if err != nil {
		t.Fatalf("unexpected room error: %v", err)
	}
	return ref
}

func mustPrivateRef(t *testing.T, a, b string) room.Ref {
	t.Helper()
	ref, err := room.PrivateRoom(a, b)
	if err != nil {
		t.Fatalf("unexpected room error: %v", err)
	}
	return ref
}

func TestGetOrCreateActivityDiscussionIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	service := newTestService(t, db, []string{"disc-1", "disc-2"}, nil, nil)
	ref := mustActivityRef(t, "act-42")

	first, err := service.GetOrCreateActivityDiscussion(context.Background(), ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.GetOrCreateActivityDiscussion(context.Background(), ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one discussion, got %q and %q", first.ID, second.ID)
	}

	var count int64
	if err := db.Model(&Discussion{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 discussion row, got %d", count)
	}
}

func TestGetOrCreateActivityDiscussionRecoversFromCreationRace(t *testing.T) {
	db := newTestDB(t)
	memberships := &fakeMemberships{accepted: map[string][]string{}}
	generator := &staticIDGenerator{ids: []string{"loser-id"}}
	service, err := NewService(ServiceConfig{
		Database:    db,
		Clock:       tickingClock(1700000000),
		IDProvider:  generator,
		Memberships: memberships,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	activityID := "act-race"
	// A competing first caller wins the insert between this caller's find
	// and create. The id provider hook lands exactly in that window.
	generator.onNext = func() {
		winner := Discussion{ID: "winner-id", ActivityID: &activityID, Title: "activity-" + activityID}
		if err := db.Create(&winner).Error; err != nil {
			t.Fatalf("failed to seed winning row: %v", err)
		}
	}

	ref := mustActivityRef(t, activityID)
	got, err := service.GetOrCreateActivityDiscussion(context.Background(), ref)
	if err != nil {
		t.Fatalf("expected conflict to resolve silently, got %v", err)
	}
	if got.ID != "winner-id" {
		t.Fatalf("expected the winning row, got %q", got.ID)
	}

	var count int64
	if err := db.Model(&Discussion{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one discussion row, got %d", count)
	}
}

func TestGroupDiscussionsAreKeyedByKind(t *testing.T) {
	db := newTestDB(t)
	service := newTestService(t, db, []string{"disc-1", "disc-2"}, nil, nil)

	activity, err := service.GetOrCreateActivityDiscussion(context.Background(), mustActivityRef(t, "ev-7"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	huntRef, err := room.TreasureHuntRoom("ev-7")
	if err != nil {
		t.Fatalf("unexpected room error: %v", err)
	}
	hunt, err := service.GetOrCreateActivityDiscussion(context.Background(), huntRef)
	if err != nil {
		t.Fatalf("a hunt sharing the item id must get its own room: %v", err)
	}
	if hunt.ID == activity.ID {
		t.Fatalf("activity and hunt must not alias one discussion")
	}
	if hunt.Title != "treasure_hunt-ev-7" {
		t.Fatalf("unexpected hunt title %q", hunt.Title)
	}

	again, err := service.GetOrCreateActivityDiscussion(context.Background(), huntRef)
	if err != nil || again.ID != hunt.ID {
		t.Fatalf("hunt lookup must be stable, got %q err=%v", again.ID, err)
	}

	var count int64
	if err := db.Model(&Discussion{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected one discussion per kind, got %d", count)
	}
}

func TestGetOrCreatePrivateDiscussionIsOrderIndependent(t *testing.T) {
	db := newTestDB(t)
	service := newTestService(t, db, []string{"disc-1", "disc-2"}, nil, nil)

	first, err := service.GetOrCreatePrivateDiscussion(context.Background(), mustPrivateRef(t, "u1", "u2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.GetOrCreatePrivateDiscussion(context.Background(), mustPrivateRef(t, "u2", "u1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same room for both initiators, got %q and %q", first.ID, second.ID)
	}
	if first.Title != "private-u1-u2" {
		t.Fatalf("unexpected canonical title %q", first.Title)
	}
}

func TestAppendMessageRequiresAcceptedRegistration(t *testing.T) {
	db := newTestDB(t)
	memberships := &fakeMemberships{accepted: map[string][]string{
		memberKey(room.KindActivity, "act-42"): {"u1", "u2"},
	}}
	notifier := &recordingNotifier{}
	service := newTestService(t, db, []string{"disc-1", "msg-1"}, memberships, notifier)

	disc, err := service.GetOrCreateActivityDiscussion(context.Background(), mustActivityRef(t, "act-42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	message, err := service.AppendMessage(context.Background(), disc.ID, "u1", "Salut", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if message.Content != "Salut" || message.UserID != "u1" {
		t.Fatalf("unexpected message %#v", message)
	}
	if message.MessageType != MessageTypeText {
		t.Fatalf("expected TEXT default, got %q", message.MessageType)
	}

	if _, err := service.AppendMessage(context.Background(), disc.ID, "u3", "Salut", "", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for unregistered author, got %v", err)
	}

	if len(notifier.senders) != 1 || notifier.senders[0] != "u1" {
		t.Fatalf("expected one fanout for u1, got %#v", notifier.senders)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	db := newTestDB(t)
	memberships := &fakeMemberships{accepted: map[string][]string{
		memberKey(room.KindActivity, "act-42"): {"u1"},
	}}
	service := newTestService(t, db, []string{"disc-1", "msg-1", "msg-2"}, memberships, nil)

	disc, err := service.GetOrCreateActivityDiscussion(context.Background(), mustActivityRef(t, "act-42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.AppendMessage(context.Background(), disc.ID, "u1", "   ", "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty content, got %v", err)
	}
	if _, err := service.AppendMessage(context.Background(), disc.ID, "u1", "photo", "GIF", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
	if _, err := service.AppendMessage(context.Background(), disc.ID, "u1", "", "IMAGE", "https://cdn/img.png"); err != nil {
		t.Fatalf("attachment-only message should pass, got %v", err)
	}
	if _, err := service.AppendMessage(context.Background(), "missing", "u1", "hi", "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListMessagesChronologicalAcrossPages(t *testing.T) {
	db := newTestDB(t)
	memberships := &fakeMemberships{accepted: map[string][]string{
		memberKey(room.KindActivity, "act-42"): {"u1"},
	}}
	service := newTestService(t, db, []string{"disc-1", "m1", "m2", "m3"}, memberships, nil)

	disc, err := service.GetOrCreateActivityDiscussion(context.Background(), mustActivityRef(t, "act-42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, content := range []string{"first", "second", "third"} {
		if _, err := service.AppendMessage(context.Background(), disc.ID, "u1", content, "", ""); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	all, err := service.ListMessages(context.Background(), disc.ID, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 || all[0].Content != "first" || all[1].Content != "second" || all[2].Content != "third" {
		t.Fatalf("unexpected order: %#v", all)
	}

	window, err := service.ListMessages(context.Background(), disc.ID, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window) != 2 || window[0].Content != "second" || window[1].Content != "third" {
		t.Fatalf("pagination window broke ordering: %#v", window)
	}
}

func TestDeleteRoomCascadesAndGatesOnMembership(t *testing.T) {
	db := newTestDB(t)
	service := newTestService(t, db, []string{"disc-1", "m1", "m2"}, nil, nil)

	disc, err := service.GetOrCreatePrivateDiscussion(context.Background(), mustPrivateRef(t, "u1", "u2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.AppendMessage(context.Background(), disc.ID, "u1", "hello", "", ""); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := service.DeleteRoom(context.Background(), disc.ID, "u9"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for outsider, got %v", err)
	}
	if err := service.DeleteRoom(context.Background(), disc.ID, "u2"); err != nil {
		t.Fatalf("participant delete failed: %v", err)
	}

	var messageCount int64
	if err := db.Model(&Message{}).Count(&messageCount).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if messageCount != 0 {
		t.Fatalf("expected message cascade, %d rows remain", messageCount)
	}
	if _, err := service.Get(context.Background(), disc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected discussion gone, got %v", err)
	}
}

func TestDeleteRoomRejectsActivityDiscussions(t *testing.T) {
	db := newTestDB(t)
	memberships := &fakeMemberships{accepted: map[string][]string{
		memberKey(room.KindActivity, "act-42"): {"u1"},
	}}
	service := newTestService(t, db, []string{"disc-1"}, memberships, nil)

	disc, err := service.GetOrCreateActivityDiscussion(context.Background(), mustActivityRef(t, "act-42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.DeleteRoom(context.Background(), disc.ID, "u1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for activity room delete, got %v", err)
	}

	if err := service.DeleteForActivity(context.Background(), "act-42"); err != nil {
		t.Fatalf("lifecycle teardown failed: %v", err)
	}
	if _, err := service.Get(context.Background(), disc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected discussion gone, got %v", err)
	}
	if err := service.DeleteForActivity(context.Background(), "act-42"); err != nil {
		t.Fatalf("repeat teardown should be a no-op, got %v", err)
	}
}

func TestListConversationsIncludesLastMessagePreview(t *testing.T) {
	db := newTestDB(t)
	memberships := &fakeMemberships{accepted: map[string][]string{
		memberKey(room.KindActivity, "act-42"): {"u1", "u2"},
	}}
	service := newTestService(t, db, []string{"disc-1", "disc-2", "m1", "m2"}, memberships, nil)

	activity, err := service.GetOrCreateActivityDiscussion(context.Background(), mustActivityRef(t, "act-42"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	private, err := service.GetOrCreatePrivateDiscussion(context.Background(), mustPrivateRef(t, "u1", "u3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.AppendMessage(context.Background(), activity.ID, "u2", "group hello", "", ""); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := service.AppendMessage(context.Background(), private.ID, "u3", "private hello", "", ""); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	conversations, err := service.ListConversations(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(conversations))
	}
	previews := map[string]string{}
	for _, convo := range conversations {
		if convo.LastMessage == nil {
			t.Fatalf("expected preview for %q", convo.Discussion.Title)
		}
		previews[convo.Discussion.Title] = convo.LastMessage.Content
	}
	if previews["activity-act-42"] != "group hello" {
		t.Fatalf("unexpected group preview %#v", previews)
	}
	if previews["private-u1-u3"] != "private hello" {
		t.Fatalf("unexpected private preview %#v", previews)
	}

	// u2 sees only the group room.
	others, err := service.ListConversations(context.Background(), "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(others) != 1 || others[0].Discussion.Title != "activity-act-42" {
		t.Fatalf("unexpected conversations for u2: %#v", others)
	}
}
