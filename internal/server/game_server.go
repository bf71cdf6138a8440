package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"driftkart/pkg/physics"
	"driftkart/pkg/protocol"
)

// GameServer 接受客户端连接并把消息路由到房间。
// 连接层只做解码、限流与分发，权威模拟全部在房间 goroutine 内。
type GameServer struct {
	listener ServerListener
	rooms    *RoomManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGameServer 创建服务器。proto 取 tcp / kcp / ws。
func NewGameServer(proto, addr string, raceLaps int32) (*GameServer, error) {
	listener, err := newListener(proto, addr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s://%s 失败: %w", proto, addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &GameServer{
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.rooms = NewRoomManager(ctx, &s.wg, raceLaps)

	log.Printf("服务器监听: %s://%s", proto, listener.Addr())
	return s, nil
}

// Serve 接受连接直到 Stop 被调用。
func (s *GameServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				return fmt.Errorf("接受连接失败: %w", err)
			}
		}

		log.Printf("新连接: %s", conn.RemoteAddr())

		c := NewConnection(conn, s)
		s.wg.Add(1)
		go c.Handle(s.ctx, &s.wg)
	}
}

// Stop 优雅停机：停止接受、关闭所有房间并等待 goroutine 退出。
func (s *GameServer) Stop() {
	s.cancel()
	_ = s.listener.Close()
	s.rooms.Shutdown()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Printf("停机等待超时, 强制退出")
	}
}

// Addr 实际监听地址（测试时端口 0 随机分配）。
func (s *GameServer) Addr() net.Addr {
	return s.listener.Addr()
}

// ========== 连接层回调 ==========

func (s *GameServer) handleJoin(c *Connection, req *protocol.JoinRequest) error {
	return s.rooms.Join(c, req)
}

func (s *GameServer) handleInputs(playerID, roomID string, inputs []physics.Input) {
	s.rooms.EnqueueInputs(playerID, roomID, inputs)
}

func (s *GameServer) handleStart(playerID, roomID string) {
	s.rooms.RequestStart(playerID, roomID)
}

// handleReconnect 验证会话令牌并把新连接迁移到原槽位。
func (s *GameServer) handleReconnect(c *Connection, token string) error {
	playerID, roomID, err := VerifySessionToken(token)
	if err != nil {
		return fmt.Errorf("会话令牌无效: %w", err)
	}
	return s.rooms.Reconnect(c, playerID, roomID)
}

func (s *GameServer) handleDisconnect(playerID, roomID string) {
	s.rooms.NotifyDisconnect(playerID, roomID)
}

func (s *GameServer) handleRelay(playerID, roomID string, relay *protocol.Relay) {
	s.rooms.Relay(playerID, roomID, relay)
}

func (s *GameServer) handlePoseReport(playerID, roomID string, pose *protocol.Pose) {
	s.rooms.ObservePose(playerID, roomID, pose)
}

// nowMs 权威时基：时钟应答统一从这里取值。
func (s *GameServer) nowMs() int64 {
	return time.Now().UnixMilli()
}

func (s *GameServer) currentFrame(roomID string) uint32 {
	if roomID == "" {
		return 0
	}
	return s.rooms.CurrentFrame(roomID)
}
