package ws

import (
	"context"
	"encoding/json"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/models"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

const (
	redisChannelName = "vela:audit:feed"
)

// Hub 维护管理后台的实时审计订阅，按 guild 分房间广播
type Hub struct {
	// 注册的客户端
	clients map[*Client]bool

	// 房间（Guild）对应的客户端集合 GuildID -> Client -> bool
	rooms map[string]map[*Client]bool

	// 互斥锁，保护 map 的并发读写
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// 广播消息通道 (内部使用)
	broadcast chan *BroadcastMessage

	// Redis 客户端，用于多实例广播；为 nil 时只在本地广播
	redis *redis.Client

	log  *logger.Logger
	done chan struct{}
}

// BroadcastMessage 推送给订阅者的一条审计条目
type BroadcastMessage struct {
	GuildID string           `json:"guild_id"`
	Entry   *models.AuditLog `json:"entry"`
}

func NewHub(redisClient *redis.Client, log *logger.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan *BroadcastMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		redis:      redisClient,
		log:        log.Named("ws"),
		done:       make(chan struct{}),
	}
}

// Run 处理注册与广播，直到 ctx 结束；结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.redis != nil {
		go h.subscribeToRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			// 将客户端加入其订阅的 Guild 房间
			for _, guildID := range client.guildIDs {
				if _, ok := h.rooms[guildID]; !ok {
					h.rooms[guildID] = make(map[*Client]bool)
				}
				h.rooms[guildID][client] = true
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			// 收集需要关闭的客户端，避免在 RLock 中修改 map
			var slow []*Client
			for client := range h.rooms[msg.GuildID] {
				select {
				case client.send <- msg:
				default:
					// 发送缓冲区满
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					// Double check，防止已经处理过
					if _, ok := h.clients[client]; ok {
						h.log.Warn("dropping slow audit subscriber", zap.String("admin_id", client.userID))
						h.drop(client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// drop 调用方持有写锁
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	for _, guildID := range client.guildIDs {
		if room, ok := h.rooms[guildID]; ok {
			delete(room, client)
			if len(room) == 0 {
				delete(h.rooms, guildID)
			}
		}
	}
}

// Subscribers 某个 guild 当前的订阅数
func (h *Hub) Subscribers(guildID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[guildID])
}

func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, redisChannelName)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var broadcastMsg BroadcastMessage
			if err := json.Unmarshal([]byte(msg.Payload), &broadcastMsg); err != nil {
				h.log.Warn("bad audit feed payload", zap.Error(err))
				continue
			}
			// 直接送入本地广播，不再 Publish，否则会死循环
			h.local(ctx, &broadcastMsg)
		}
	}
}

func (h *Hub) local(ctx context.Context, msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-ctx.Done():
	case <-h.done:
	}
}

func (h *Hub) Name() string { return "ws" }

// Publish 把已提交的审计条目推送给订阅该 guild 的管理员
func (h *Hub) Publish(ctx context.Context, entry *models.AuditLog) error {
	msg := &BroadcastMessage{GuildID: entry.GuildID, Entry: entry}

	if h.redis != nil {
		// 发布到 Redis，让所有实例（包括自己）通过订阅收到消息
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return h.redis.Publish(ctx, redisChannelName, payload).Err()
	}
	h.local(ctx, msg)
	return ctx.Err()
}
