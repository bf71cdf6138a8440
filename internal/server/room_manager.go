package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"driftkart/pkg/physics"
	"driftkart/pkg/protocol"
)

const cleanupInterval = 30 * time.Second

// RoomManager 管理所有房间的生命周期。
// 房间按需创建，空房间由后台清理循环回收。
type RoomManager struct {
	ctx context.Context
	wg  *sync.WaitGroup

	mu    sync.RWMutex
	rooms map[string]*Room

	raceLaps int32
}

// NewRoomManager 创建房间管理器并启动清理循环。
func NewRoomManager(ctx context.Context, wg *sync.WaitGroup, raceLaps int32) *RoomManager {
	m := &RoomManager{
		ctx:      ctx,
		wg:       wg,
		rooms:    make(map[string]*Room),
		raceLaps: raceLaps,
	}

	wg.Add(1)
	go m.cleanupLoop()

	return m
}

// getOrCreate 获取房间，不存在则创建并启动其事件循环。
func (m *RoomManager) getOrCreate(roomID string) *Room {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if exists {
		return room
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if room, exists = m.rooms[roomID]; exists {
		return room
	}

	room = NewRoom(m.ctx, roomID, DefaultTrack(m.raceLaps))
	m.rooms[roomID] = room

	m.wg.Add(1)
	go room.Run(m.wg)

	log.Printf("房间 %s 创建", roomID)
	return room
}

func (m *RoomManager) get(roomID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID]
}

// Join 加入房间（房间不存在则创建）。
func (m *RoomManager) Join(session Session, req *protocol.JoinRequest) error {
	if req.RoomID == "" {
		return fmt.Errorf("缺少房间号")
	}
	return m.getOrCreate(req.RoomID).Join(session, req)
}

// EnqueueInputs 转发输入批到房间。
func (m *RoomManager) EnqueueInputs(playerID, roomID string, inputs []physics.Input) {
	if room := m.get(roomID); room != nil {
		room.EnqueueInputs(playerID, inputs)
	}
}

// RequestStart 转发开赛请求。
func (m *RoomManager) RequestStart(playerID, roomID string) {
	if room := m.get(roomID); room != nil {
		room.RequestStart(playerID)
	}
}

// NotifyDisconnect 连接断开时通知所在房间。
func (m *RoomManager) NotifyDisconnect(playerID, roomID string) {
	if room := m.get(roomID); room != nil {
		room.NotifyDisconnect(playerID)
	}
}

// Reconnect 重连到原房间。房间已回收时返回错误。
func (m *RoomManager) Reconnect(session Session, playerID, roomID string) error {
	room := m.get(roomID)
	if room == nil {
		return fmt.Errorf("房间 %s 已不存在", roomID)
	}
	return room.Reconnect(session, playerID)
}

// Relay 转发旁路信令。
func (m *RoomManager) Relay(playerID, roomID string, relay *protocol.Relay) {
	if room := m.get(roomID); room != nil {
		room.Relay(playerID, relay)
	}
}

// ObservePose 转发预测位姿上报。
func (m *RoomManager) ObservePose(playerID, roomID string, pose *protocol.Pose) {
	if room := m.get(roomID); room != nil {
		room.ObservePose(playerID, pose)
	}
}

// CurrentFrame 查询房间当前 tick 计数（未入房间时为 0）。
func (m *RoomManager) CurrentFrame(roomID string) uint32 {
	if room := m.get(roomID); room != nil {
		return room.CurrentFrame()
	}
	return 0
}

// cleanupLoop 定期回收空房间。
func (m *RoomManager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *RoomManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, room := range m.rooms {
		if room.Empty() {
			room.Shutdown()
			delete(m.rooms, id)
			log.Printf("房间 %s 空闲回收", id)
		}
	}
}

// Shutdown 关闭所有房间。
func (m *RoomManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, room := range m.rooms {
		room.Shutdown()
		delete(m.rooms, id)
	}
}
