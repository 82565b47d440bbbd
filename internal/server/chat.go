package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rallye-app/rallye/backend/internal/ephemeral"
	"github.com/rallye-app/rallye/backend/internal/room"
)

type liveMessageView struct {
	ID          string                `json:"id"`
	RoomID      string                `json:"roomId"`
	RoomType    string                `json:"roomType"`
	UserID      string                `json:"userId"`
	UserName    string                `json:"userName,omitempty"`
	Content     string                `json:"content"`
	MessageType string                `json:"messageType"`
	Attachments []ephemeral.Attachment `json:"attachments,omitempty"`
	Reactions   []ephemeral.Reaction   `json:"reactions,omitempty"`
	ReplyToID   string                `json:"replyToId,omitempty"`
	TempID      string                `json:"tempId,omitempty"`
	SyncState   string                `json:"syncState"`
	EditedAt    *time.Time            `json:"editedAt,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
}

func liveViewOf(message ephemeral.Message) liveMessageView {
	view := liveMessageView{
		ID:          message.ID,
		RoomID:      message.RoomID,
		RoomType:    message.RoomType,
		UserID:      message.UserID,
		UserName:    message.UserName,
		Content:     message.Content,
		MessageType: string(message.MessageType),
		Attachments: message.Attachments(),
		Reactions:   message.Reactions(),
		SyncState:   string(message.SyncState),
		EditedAt:    message.EditedAt,
		CreatedAt:   message.CreatedAt,
	}
	if message.ReplyToID != nil {
		view.ReplyToID = *message.ReplyToID
	}
	if message.TempID != nil {
		view.TempID = *message.TempID
	}
	return view
}

// liveRoomRef resolves the path room id against the type query parameter,
// defaulting to activity rooms.
func (h *httpHandler) liveRoomRef(c *gin.Context) (room.Ref, bool) {
	kind := room.Kind(strings.TrimSpace(c.Query("type")))
	if kind == "" {
		kind = room.KindActivity
	}
	ref, err := room.Resolve(c.Param("roomId"), kind, h.callerID(c))
	if err != nil {
		h.respondError(c, err)
		return room.Ref{}, false
	}
	return ref, true
}

type livePostPayload struct {
	Content     string                 `json:"content"`
	Type        string                 `json:"type"`
	Attachments []ephemeral.Attachment `json:"attachments,omitempty"`
	ReplyToID   string                 `json:"replyToId,omitempty"`
	TempID      string                 `json:"tempId,omitempty"`
}

func (h *httpHandler) handleLivePost(c *gin.Context) {
	ref, ok := h.liveRoomRef(c)
	if !ok {
		return
	}
	var request livePostPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.deps.Live.PostMessage(c.Request.Context(), ephemeral.PostInput{
		Room:        ref,
		UserID:      h.callerID(c),
		UserName:    h.callerName(c),
		Content:     request.Content,
		MessageType: request.Type,
		Attachments: request.Attachments,
		ReplyToID:   request.ReplyToID,
		TempID:      request.TempID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if h.deps.Hub != nil {
		h.deps.Hub.BroadcastMessage(c.Request.Context(), ref, message)
	}
	c.JSON(http.StatusCreated, gin.H{"message": liveViewOf(message)})
}

func (h *httpHandler) handleLiveOfflinePost(c *gin.Context) {
	ref, ok := h.liveRoomRef(c)
	if !ok {
		return
	}
	var request livePostPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.deps.Live.PostOfflineMessage(c.Request.Context(), ephemeral.PostInput{
		Room:        ref,
		UserID:      h.callerID(c),
		UserName:    h.callerName(c),
		Content:     request.Content,
		MessageType: request.Type,
		Attachments: request.Attachments,
		ReplyToID:   request.ReplyToID,
		TempID:      request.TempID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": liveViewOf(message)})
}

func (h *httpHandler) handleLiveList(c *gin.Context) {
	ref, ok := h.liveRoomRef(c)
	if !ok {
		return
	}
	includeOffline := c.Query("includeOffline") == "true"
	messages, err := h.deps.Live.ListRoomMessages(c.Request.Context(), ref, h.callerID(c),
		intQuery(c, "limit", 0), intQuery(c, "offset", 0), includeOffline)
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]liveMessageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, liveViewOf(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

type liveEditPayload struct {
	Message string `json:"message"`
}

func (h *httpHandler) handleLiveEdit(c *gin.Context) {
	var request liveEditPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.deps.Live.EditMessage(c.Request.Context(), c.Param("messageId"), h.callerID(c), request.Message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": liveViewOf(message)})
}

func (h *httpHandler) handleLiveDelete(c *gin.Context) {
	if err := h.deps.Live.DeleteMessage(c.Request.Context(), c.Param("messageId"), h.callerID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type reactionPayload struct {
	Emoji string `json:"emoji"`
}

func (h *httpHandler) handleReactionAdd(c *gin.Context) {
	h.mutateReaction(c, h.deps.Live.AddReaction)
}

func (h *httpHandler) handleReactionRemove(c *gin.Context) {
	h.mutateReaction(c, h.deps.Live.RemoveReaction)
}

func (h *httpHandler) mutateReaction(c *gin.Context, mutate func(ctx context.Context, messageID, userID, emoji string) (ephemeral.Message, error)) {
	var request reactionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := mutate(c.Request.Context(), c.Param("messageId"), h.callerID(c), request.Emoji)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": liveViewOf(message)})
}

func (h *httpHandler) handleLiveJoin(c *gin.Context) {
	h.postSystemMarker(c, ephemeral.MessageTypeJoin)
}

func (h *httpHandler) handleLiveLeave(c *gin.Context) {
	h.postSystemMarker(c, ephemeral.MessageTypeLeave)
}

func (h *httpHandler) postSystemMarker(c *gin.Context, messageType ephemeral.MessageType) {
	ref, ok := h.liveRoomRef(c)
	if !ok {
		return
	}
	message, err := h.deps.Live.PostSystemMessage(c.Request.Context(), ref, h.callerID(c), h.callerName(c), messageType)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if h.deps.Hub != nil {
		h.deps.Hub.BroadcastMessage(c.Request.Context(), ref, message)
	}
	c.JSON(http.StatusCreated, gin.H{"message": liveViewOf(message)})
}

func (h *httpHandler) handleOfflineSync(c *gin.Context) {
	synced, err := h.deps.Live.SyncOfflineMessages(c.Request.Context(), h.callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]liveMessageView, 0, len(synced))
	for _, message := range synced {
		views = append(views, liveViewOf(message))
	}
	c.JSON(http.StatusOK, gin.H{"synced": views})
}

func (h *httpHandler) handleCleanupActivity(c *gin.Context) {
	h.triggerCleanup(c, room.KindActivity, c.Param("activityId"))
}

func (h *httpHandler) handleCleanupTreasureHunt(c *gin.Context) {
	h.triggerCleanup(c, room.KindTreasureHunt, c.Param("treasureHuntId"))
}

func (h *httpHandler) triggerCleanup(c *gin.Context, kind room.Kind, itemID string) {
	if h.deps.Cleanup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cleanup_unavailable"})
		return
	}
	cleaned, ran, err := h.deps.Cleanup.CleanupItem(c.Request.Context(), kind, itemID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	// A concurrent run holding the flag is not an error; the caller simply
	// did not trigger anything.
	c.JSON(http.StatusOK, gin.H{"ran": ran, "cleaned": cleaned})
}
