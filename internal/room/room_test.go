package room

import (
	"errors"
	"testing"
)

func TestPrivateRoomKeyIsOrderIndependent(t *testing.T) {
	first, err := PrivateRoom("user-7", "user-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := PrivateRoom("user-3", "user-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Key() != second.Key() {
		t.Fatalf("expected identical keys, got %q and %q", first.Key(), second.Key())
	}
	if first.Key() != "private-user-3-user-7" {
		t.Fatalf("unexpected canonical key %q", first.Key())
	}
}

func TestPrivateRoomRejectsDegeneratePairs(t *testing.T) {
	if _, err := PrivateRoom("user-1", "user-1"); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected invalid room id error, got %v", err)
	}
	if _, err := PrivateRoom("", "user-1"); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected invalid room id error, got %v", err)
	}
}

func TestResolveStripsRedundantActivityPrefix(t *testing.T) {
	tests := []struct {
		name     string
		rawID    string
		explicit Kind
		wantKind Kind
		wantKey  string
	}{
		{name: "bare-id", rawID: "act-42", wantKind: KindActivity, wantKey: "act-42"},
		{name: "wrapped-once", rawID: "activity-act-42", wantKind: KindActivity, wantKey: "act-42"},
		{name: "wrapped-twice", rawID: "activity-activity-act-42", wantKind: KindActivity, wantKey: "act-42"},
		{name: "treasure-hunt", rawID: "treasure_hunt-hunt-9", explicit: KindTreasureHunt, wantKind: KindTreasureHunt, wantKey: "hunt-9"},
		{name: "treasure-hunt-bare", rawID: "hunt-9", explicit: KindTreasureHunt, wantKind: KindTreasureHunt, wantKey: "hunt-9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Resolve(tt.rawID, tt.explicit, "user-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.Kind() != tt.wantKind {
				t.Fatalf("expected kind %q, got %q", tt.wantKind, ref.Kind())
			}
			if ref.Key() != tt.wantKey {
				t.Fatalf("expected key %q, got %q", tt.wantKey, ref.Key())
			}
		})
	}
}

func TestResolvePrivateRequiresCallerInPair(t *testing.T) {
	ref, err := Resolve("private-user-3-user-7", KindPrivate, "user-7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ref.Contains("user-3") || !ref.Contains("user-7") {
		t.Fatalf("expected both participants in pair, got %#v", ref)
	}

	if _, err := Resolve("private-user-3-user-7", KindPrivate, "user-9"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestResolvePrivateHandlesHyphenatedIdentifiers(t *testing.T) {
	ref, err := Resolve("private-ab-12-cd-xy-99", KindPrivate, "ab-12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, b, ok := ref.Participants()
	if !ok {
		t.Fatalf("expected private participants")
	}
	if a != "ab-12" || b != "cd-xy-99" {
		t.Fatalf("unexpected pair %q/%q", a, b)
	}
}

func TestResolveRejectsEmptyIdentifier(t *testing.T) {
	if _, err := Resolve("  ", KindActivity, "user-1"); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected invalid room id error, got %v", err)
	}
}
