package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rallye-app/rallye/backend/internal/ephemeral"
	"github.com/rallye-app/rallye/backend/internal/room"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const bridgeChannel = "rallye:realtime"

// Appender persists socket-authored messages into the live store.
type Appender interface {
	PostMessage(ctx context.Context, input ephemeral.PostInput) (ephemeral.Message, error)
}

// HubConfig describes the realtime hub dependencies. Redis is optional: a
// nil client keeps delivery process-local, which is how the hub runs in
// tests and single-instance deployments.
type HubConfig struct {
	Redis    *redis.Client
	Appender Appender
	Logger   *zap.Logger
}

// frame pairs an encoded envelope with the routing key of its room so the
// delivery loop and the redis bridge agree on addressing.
type frame struct {
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
	// Sender is process-local and never crosses the bridge; remote
	// instances deliver to every subscriber.
	sender *Client
}

// Hub routes socket events between the clients subscribed to each logical
// room. With a redis client attached, every delivered frame is also
// published so sibling instances reach their own subscribers.
type Hub struct {
	rooms      map[string]map[*Client]bool
	membership map[*Client]map[string]bool

	register   chan *Client
	unregister chan *Client
	deliver    chan frame
	subscribe  chan subscription

	redis    *redis.Client
	appender Appender
	logger   *zap.Logger
}

type subscription struct {
	client  *Client
	roomKey string
	leave   bool
}

// NewHub constructs the hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Appender == nil {
		return nil, fmt.Errorf("realtime: appender dependency is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		membership: make(map[*Client]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliver:    make(chan frame, 64),
		subscribe:  make(chan subscription),
		redis:      cfg.Redis,
		appender:   cfg.Appender,
		logger:     logger,
	}, nil
}

// Run owns all room membership state; every mutation funnels through its
// channels. It blocks until the context ends.
func (h *Hub) Run(ctx context.Context) {
	if h.redis != nil {
		go h.runBridge(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.membership[client] = make(map[string]bool)
		case client := <-h.unregister:
			h.dropClient(client)
		case sub := <-h.subscribe:
			h.applySubscription(sub)
		case f := <-h.deliver:
			h.deliverLocal(f)
		}
	}
}

func (h *Hub) applySubscription(sub subscription) {
	joined, known := h.membership[sub.client]
	if !known {
		return
	}
	if sub.leave {
		delete(joined, sub.roomKey)
		if clients, ok := h.rooms[sub.roomKey]; ok {
			delete(clients, sub.client)
			if len(clients) == 0 {
				delete(h.rooms, sub.roomKey)
			}
		}
		return
	}
	joined[sub.roomKey] = true
	if h.rooms[sub.roomKey] == nil {
		h.rooms[sub.roomKey] = make(map[*Client]bool)
	}
	h.rooms[sub.roomKey][sub.client] = true
}

func (h *Hub) dropClient(client *Client) {
	joined, known := h.membership[client]
	if !known {
		return
	}
	for roomKey := range joined {
		if clients, ok := h.rooms[roomKey]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.rooms, roomKey)
			}
		}
	}
	delete(h.membership, client)
	close(client.send)
}

func (h *Hub) closeAll() {
	for client := range h.membership {
		close(client.send)
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.membership = make(map[*Client]map[string]bool)
}

func (h *Hub) deliverLocal(f frame) {
	for client := range h.rooms[f.Room] {
		if f.sender != nil && client == f.sender {
			continue
		}
		select {
		case client.send <- f.Data:
		default:
			// The client stopped draining; drop it rather than stall the
			// room.
			h.dropClient(client)
		}
	}
}

// broadcast encodes the envelope and hands it to the delivery loop. With
// redis attached the frame goes through the bridge instead, so every
// instance (this one included) delivers it from the subscription side.
func (h *Hub) broadcast(ctx context.Context, ref room.Ref, envelope Envelope, exclude *Client) {
	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Warn("envelope encoding failed", zap.Error(err))
		return
	}
	f := frame{Room: routingKey(ref), Data: data, sender: exclude}

	if h.redis != nil {
		// Local delivery happens from the subscription side like on every
		// other instance. Sender exclusion does not cross the bridge;
		// clients ignore their own typing echoes.
		encoded, err := json.Marshal(f)
		if err != nil {
			h.logger.Warn("bridge frame encoding failed", zap.Error(err))
			return
		}
		if err := h.redis.Publish(ctx, bridgeChannel, encoded).Err(); err != nil {
			h.logger.Warn("bridge publish failed", zap.Error(err))
			h.enqueue(ctx, f)
		}
		return
	}
	h.enqueue(ctx, f)
}

func (h *Hub) enqueue(ctx context.Context, f frame) {
	select {
	case h.deliver <- f:
	case <-ctx.Done():
	}
}

func (h *Hub) runBridge(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, bridgeChannel)
	defer pubsub.Close()

	channel := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-channel:
			if !ok {
				return
			}
			var f frame
			if err := json.Unmarshal([]byte(message.Payload), &f); err != nil {
				h.logger.Warn("bridge frame decoding failed", zap.Error(err))
				continue
			}
			h.enqueue(ctx, f)
		}
	}
}

// handleInbound processes one client frame. Rejections go back to the
// author as error envelopes and never tear the connection down.
func (h *Hub) handleInbound(ctx context.Context, client *Client, raw []byte) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		client.sendError("malformed event")
		return
	}

	ref, err := room.Resolve(envelope.RoomID, room.Kind(envelope.RoomType), client.UserID)
	if err != nil {
		client.sendError("unresolvable room")
		return
	}

	switch envelope.Type {
	case EventJoinDiscussion:
		h.sendSubscription(ctx, subscription{client: client, roomKey: routingKey(ref)})
		h.broadcastPresence(ctx, ref, EventUserJoined, client)
	case EventLeaveDiscussion:
		h.sendSubscription(ctx, subscription{client: client, roomKey: routingKey(ref), leave: true})
		h.broadcastPresence(ctx, ref, EventUserLeft, client)
	case EventSendMessage:
		h.handleSend(ctx, client, ref, envelope.Payload)
	case EventTyping, EventStopTyping:
		h.broadcastTyping(ctx, ref, envelope.Type, client)
	default:
		client.sendError(fmt.Sprintf("unsupported event type %q", envelope.Type))
	}
}

func (h *Hub) sendSubscription(ctx context.Context, sub subscription) {
	select {
	case h.subscribe <- sub:
	case <-ctx.Done():
	}
}

func (h *Hub) handleSend(ctx context.Context, client *Client, ref room.Ref, payload json.RawMessage) {
	var send SendPayload
	if err := json.Unmarshal(payload, &send); err != nil {
		client.sendError("malformed send-message payload")
		return
	}

	message, err := h.appender.PostMessage(ctx, ephemeral.PostInput{
		Room:        ref,
		UserID:      client.UserID,
		UserName:    client.UserName,
		Content:     send.Content,
		MessageType: send.MessageType,
		ReplyToID:   send.ReplyToID,
		TempID:      send.TempID,
	})
	if err != nil {
		if errors.Is(err, ephemeral.ErrValidation) {
			client.sendError(err.Error())
			return
		}
		h.logger.Error("socket message persistence failed",
			zap.String("room", ref.Key()), zap.Error(err))
		client.sendError("message could not be stored")
		return
	}

	h.BroadcastMessage(ctx, ref, message)
}

// BroadcastMessage pushes an already-stored message to the room's
// subscribers. The REST surface calls this after a write so connected
// clients hear about it without polling.
func (h *Hub) BroadcastMessage(ctx context.Context, ref room.Ref, message ephemeral.Message) {
	encoded, err := json.Marshal(messageView(message))
	if err != nil {
		h.logger.Warn("message view encoding failed", zap.Error(err))
		return
	}
	h.broadcast(ctx, ref, Envelope{
		Type:     EventNewMessage,
		RoomID:   ref.Key(),
		RoomType: string(ref.Kind()),
		Payload:  encoded,
	}, nil)
}

func (h *Hub) broadcastPresence(ctx context.Context, ref room.Ref, eventType string, client *Client) {
	encoded, err := json.Marshal(PresencePayload{UserID: client.UserID, UserName: client.UserName})
	if err != nil {
		return
	}
	h.broadcast(ctx, ref, Envelope{
		Type:     eventType,
		RoomID:   ref.Key(),
		RoomType: string(ref.Kind()),
		Payload:  encoded,
	}, client)
}

func (h *Hub) broadcastTyping(ctx context.Context, ref room.Ref, eventType string, client *Client) {
	encoded, err := json.Marshal(PresencePayload{UserID: client.UserID, UserName: client.UserName})
	if err != nil {
		return
	}
	h.broadcast(ctx, ref, Envelope{
		Type:     eventType,
		RoomID:   ref.Key(),
		RoomType: string(ref.Kind()),
		Payload:  encoded,
	}, client)
}

func routingKey(ref room.Ref) string {
	return string(ref.Kind()) + ":" + ref.Key()
}

// MessageView is the outbound DTO for a stored live message.
type MessageView struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	RoomType    string    `json:"roomType"`
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName,omitempty"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	ReplyToID   string    `json:"replyToId,omitempty"`
	TempID      string    `json:"tempId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func messageView(message ephemeral.Message) MessageView {
	view := MessageView{
		ID:          message.ID,
		RoomID:      message.RoomID,
		RoomType:    message.RoomType,
		UserID:      message.UserID,
		UserName:    message.UserName,
		Content:     message.Content,
		MessageType: string(message.MessageType),
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
