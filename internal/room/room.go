package room

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the three room families the chat layer serves.
type Kind string

const (
	// KindActivity is a group room attached to a catalog activity.
	KindActivity Kind = "activity"
	// KindTreasureHunt is a group room attached to a treasure hunt.
	KindTreasureHunt Kind = "treasure_hunt"
	// KindPrivate is an ad-hoc two-party room.
	KindPrivate Kind = "private"
)

const (
	privatePrefix      = "private-"
	activityPrefix     = "activity-"
	treasureHuntPrefix = "treasure_hunt-"
)

var (
	// ErrForbidden indicates the caller is not a participant of the resolved room.
	ErrForbidden = errors.New("room: caller is not a room participant")
	// ErrInvalidRoomID indicates the identifier cannot be resolved to any room.
	ErrInvalidRoomID = errors.New("room: invalid room identifier")
)

// Ref is the canonical reference to a chat room. It is produced once by
// Resolve (or one of the constructors) and threaded through every store,
// fanout and transport call so the durable and live stores never disagree
// on the key.
type Ref struct {
	kind   Kind
	itemID string
	userA  string
	userB  string
}

// Kind reports the room family.
func (r Ref) Kind() Kind {
	return r.kind
}

// ItemID returns the catalog item identifier for activity and treasure-hunt
// rooms, and the empty string for private rooms.
func (r Ref) ItemID() string {
	return r.itemID
}

// Key returns the canonical room key shared by both stores.
func (r Ref) Key() string {
	if r.kind == KindPrivate {
		return privatePrefix + r.userA + "-" + r.userB
	}
	return r.itemID
}

// Participants returns the sorted private pair. ok is false for group rooms.
func (r Ref) Participants() (a, b string, ok bool) {
	if r.kind != KindPrivate {
		return "", "", false
	}
	return r.userA, r.userB, true
}

// Contains reports whether the user is one of the two private participants.
// Group-room membership lives in registration records, not in the key.
func (r Ref) Contains(userID string) bool {
	return r.kind == KindPrivate && (r.userA == userID || r.userB == userID)
}

// ActivityRoom builds a reference for an activity room, stripping any
// redundant kind prefix a client may have wrapped around the raw id.
func ActivityRoom(rawID string) (Ref, error) {
	id := stripPrefix(rawID, activityPrefix)
	if id == "" {
		return Ref{}, fmt.Errorf("%w: empty activity id", ErrInvalidRoomID)
	}
	return Ref{kind: KindActivity, itemID: id}, nil
}

// TreasureHuntRoom builds a reference for a treasure-hunt room.
func TreasureHuntRoom(rawID string) (Ref, error) {
	id := stripPrefix(rawID, treasureHuntPrefix)
	if id == "" {
		return Ref{}, fmt.Errorf("%w: empty treasure hunt id", ErrInvalidRoomID)
	}
	return Ref{kind: KindTreasureHunt, itemID: id}, nil
}

// PrivateRoom builds the canonical two-party reference. The pair is sorted
// lexicographically so the key is independent of who initiated contact.
func PrivateRoom(userA, userB string) (Ref, error) {
	first := strings.TrimSpace(userA)
	second := strings.TrimSpace(userB)
	if first == "" || second == "" {
		return Ref{}, fmt.Errorf("%w: empty participant id", ErrInvalidRoomID)
	}
	if first == second {
		return Ref{}, fmt.Errorf("%w: private room requires two distinct participants", ErrInvalidRoomID)
	}
	if first > second {
		first, second = second, first
	}
	return Ref{kind: KindPrivate, userA: first, userB: second}, nil
}

// Resolve derives the canonical room reference from a raw identifier. For
// private keys the caller must appear in the encoded pair; group-room
// membership is checked downstream against registrations. Resolve performs
// no I/O.
func Resolve(rawID string, explicit Kind, callerID string) (Ref, error) {
	raw := strings.TrimSpace(rawID)
	if raw == "" {
		return Ref{}, fmt.Errorf("%w: empty identifier", ErrInvalidRoomID)
	}

	if strings.HasPrefix(raw, privatePrefix) {
		return resolvePrivate(raw, callerID)
	}

	if explicit == KindTreasureHunt {
		return TreasureHuntRoom(raw)
	}
	return ActivityRoom(raw)
}

func resolvePrivate(raw, callerID string) (Ref, error) {
	body := strings.TrimPrefix(raw, privatePrefix)
	if callerID == "" {
		return Ref{}, fmt.Errorf("%w: caller id required for private rooms", ErrInvalidRoomID)
	}

	// Identifiers may themselves contain the separator, so the pair is
	// recovered by locating the caller at either end of the key.
	var other string
	switch {
	case strings.HasPrefix(body, callerID+"-"):
		other = strings.TrimPrefix(body, callerID+"-")
	case strings.HasSuffix(body, "-"+callerID):
		other = strings.TrimSuffix(body, "-"+callerID)
	default:
		return Ref{}, ErrForbidden
	}
	if other == "" {
		return Ref{}, fmt.Errorf("%w: malformed private key %q", ErrInvalidRoomID, raw)
	}

	return PrivateRoom(callerID, other)
}

func stripPrefix(rawID, prefix string) string {
	id := strings.TrimSpace(rawID)
	for strings.HasPrefix(id, prefix) {
		id = strings.TrimPrefix(id, prefix)
	}
	return id
}
