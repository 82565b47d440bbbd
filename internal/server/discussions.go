package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rallye-app/rallye/backend/internal/discussion"
	"github.com/rallye-app/rallye/backend/internal/room"
)

type discussionMessageView struct {
	ID           string    `json:"id"`
	DiscussionID string    `json:"discussionId"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName,omitempty"`
	Content      string    `json:"content"`
	MessageType  string    `json:"messageType"`
	MediaURL     string    `json:"mediaUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type conversationView struct {
	RoomID      string                 `json:"roomId"`
	RoomType    string                 `json:"roomType"`
	Title       string                 `json:"title"`
	LastMessage *discussionMessageView `json:"lastMessage,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

type participantView struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (h *httpHandler) handleActivityMessages(c *gin.Context) {
	ref, err := room.ActivityRoom(c.Param("activityId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !h.requireMembership(c, ref) {
		return
	}
	disc, err := h.deps.Discussions.GetOrCreateActivityDiscussion(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.listDiscussionMessages(c, disc.ID)
}

func (h *httpHandler) handleActivityPost(c *gin.Context) {
	ref, err := room.ActivityRoom(c.Param("activityId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	disc, err := h.deps.Discussions.GetOrCreateActivityDiscussion(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.appendDiscussionMessage(c, disc.ID)
}

func (h *httpHandler) handleActivityParticipants(c *gin.Context) {
	ref, err := room.ActivityRoom(c.Param("activityId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !h.requireMembership(c, ref) {
		return
	}
	profiles, err := h.deps.Discussions.ListParticipants(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]participantView, 0, len(profiles))
	for _, profile := range profiles {
		views = append(views, participantView{
			UserID:      profile.UserID,
			DisplayName: profile.DisplayName,
			AvatarURL:   profile.AvatarURL,
		})
	}
	c.JSON(http.StatusOK, gin.H{"participants": views})
}

func (h *httpHandler) handleConversations(c *gin.Context) {
	conversations, err := h.deps.Discussions.ListConversations(c.Request.Context(), h.callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]conversationView, 0, len(conversations))
	for _, conversation := range conversations {
		view := conversationView{
			RoomID:    conversation.Discussion.Title,
			RoomType:  roomTypeOf(conversation.Discussion),
			Title:     conversation.Discussion.Title,
			CreatedAt: conversation.Discussion.CreatedAt,
		}
		if conversation.LastMessage != nil {
			message := messageViewOf(*conversation.LastMessage)
			view.LastMessage = &message
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

type privateCreatePayload struct {
	OrganizerID string `json:"organizerId"`
}

func (h *httpHandler) handlePrivateCreate(c *gin.Context) {
	var request privateCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OrganizerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ref, err := room.PrivateRoom(h.callerID(c), request.OrganizerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	disc, err := h.deps.Discussions.GetOrCreatePrivateDiscussion(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": ref.Key(), "discussionId": disc.ID})
}

func (h *httpHandler) handlePrivateMessages(c *gin.Context) {
	disc, ok := h.resolvePrivateDiscussion(c)
	if !ok {
		return
	}
	h.listDiscussionMessages(c, disc.ID)
}

func (h *httpHandler) handlePrivatePost(c *gin.Context) {
	disc, ok := h.resolvePrivateDiscussion(c)
	if !ok {
		return
	}
	h.appendDiscussionMessage(c, disc.ID)
}

func (h *httpHandler) handlePrivateDelete(c *gin.Context) {
	disc, ok := h.resolvePrivateDiscussion(c)
	if !ok {
		return
	}
	if err := h.deps.Discussions.DeleteRoom(c.Request.Context(), disc.ID, h.callerID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// resolvePrivateDiscussion maps the canonical room key in the path onto its
// discussion, creating it on first touch. Callers outside the decoded pair
// are rejected before any row exists.
func (h *httpHandler) resolvePrivateDiscussion(c *gin.Context) (discussion.Discussion, bool) {
	ref, err := room.Resolve(c.Param("chatId"), room.KindPrivate, h.callerID(c))
	if err != nil {
		h.respondError(c, err)
		return discussion.Discussion{}, false
	}
	disc, err := h.deps.Discussions.GetOrCreatePrivateDiscussion(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, err)
		return discussion.Discussion{}, false
	}
	return disc, true
}

func (h *httpHandler) listDiscussionMessages(c *gin.Context, discussionID string) {
	messages, err := h.deps.Discussions.ListMessages(c.Request.Context(), discussionID, intQuery(c, "limit", 0), intQuery(c, "offset", 0))
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]discussionMessageView, 0, len(messages))
	for _, message := range messages {
		views = append(views, messageViewOf(message))
	}
	h.attachDisplayNames(c, views)
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (h *httpHandler) appendDiscussionMessage(c *gin.Context, discussionID string) {
	content, messageType, mediaURL, err := h.extractMessageInput(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	message, err := h.deps.Discussions.AppendMessage(c.Request.Context(), discussionID, h.callerID(c), content, messageType, mediaURL)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": messageViewOf(message)})
}

type messagePostPayload struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// extractMessageInput reads the message body from either a JSON payload or
// a multipart form carrying an optional media file.
func (h *httpHandler) extractMessageInput(c *gin.Context) (content, messageType, mediaURL string, err error) {
	contentType := c.GetHeader("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var request messagePostPayload
		if bindErr := c.ShouldBindJSON(&request); bindErr != nil {
			return "", "", "", fmt.Errorf("%w: malformed body", discussion.ErrValidation)
		}
		return request.Content, request.Type, "", nil
	}

	content = c.PostForm("content")
	messageType = c.PostForm("type")
	fileHeader, fileErr := c.FormFile("media")
	if fileErr != nil {
		return content, messageType, "", nil
	}
	if h.deps.Media == nil {
		return "", "", "", fmt.Errorf("%w: attachments are not enabled", discussion.ErrValidation)
	}
	file, openErr := fileHeader.Open()
	if openErr != nil {
		return "", "", "", openErr
	}
	defer file.Close()
	data, readErr := io.ReadAll(file)
	if readErr != nil {
		return "", "", "", readErr
	}
	mediaURL, err = h.deps.Media.Save(c.Request.Context(), fileHeader.Filename, data)
	if err != nil {
		return "", "", "", err
	}
	if messageType == "" {
		messageType = string(discussion.MessageTypeImage)
	}
	return content, messageType, mediaURL, nil
}

func (h *httpHandler) requireMembership(c *gin.Context, ref room.Ref) bool {
	if h.deps.Memberships == nil {
		return true
	}
	member, err := h.deps.Memberships.IsAcceptedMember(c.Request.Context(), ref, h.callerID(c))
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

// attachDisplayNames enriches message views with directory profiles. A
// directory outage degrades to bare user ids.
func (h *httpHandler) attachDisplayNames(c *gin.Context, views []discussionMessageView) {
	if h.deps.Directory == nil || len(views) == 0 {
		return
	}
	ids := make([]string, 0, len(views))
	seen := make(map[string]bool, len(views))
	for _, view := range views {
		if !seen[view.UserID] {
			seen[view.UserID] = true
			ids = append(ids, view.UserID)
		}
	}
	profiles, err := h.deps.Directory.Profiles(c.Request.Context(), ids)
	if err != nil {
		return
	}
	names := make(map[string]string, len(profiles))
	for _, profile := range profiles {
		names[profile.UserID] = profile.DisplayName
	}
	for i := range views {
		views[i].UserName = names[views[i].UserID]
	}
}

func messageViewOf(message discussion.Message) discussionMessageView {
	return discussionMessageView{
		ID:           message.ID,
		DiscussionID: message.DiscussionID,
		UserID:       message.UserID,
		Content:      message.Content,
		MessageType:  string(message.MessageType),
		MediaURL:     message.MediaURL,
		CreatedAt:    message.CreatedAt,
	}
}

func roomTypeOf(disc discussion.Discussion) string {
	if disc.IsPrivate() {
		return string(room.KindPrivate)
	}
	if strings.HasPrefix(disc.Title, string(room.KindTreasureHunt)+"-") {
		return string(room.KindTreasureHunt)
	}
	return string(room.KindActivity)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
