package server

import (
	"context"
	"testing"
	"time"

	"driftkart/pkg/physics"
	"driftkart/pkg/protocol"
)

// fakeSession 记录所有发出的消息，供断言
type fakeSession struct {
	playerID string
	roomID   string
	sent     [][]byte
	closed   bool
}

func (s *fakeSession) PlayerID() string { return s.playerID }

func (s *fakeSession) Close() { s.closed = true }

func (s *fakeSession) CloseWithoutNotify() { s.closed = true }
func (s *fakeSession) Send(data []byte) error {
	s.sent = append(s.sent, data)
	return nil
}
func (s *fakeSession) SetIdentity(playerID, roomID string) {
	s.playerID = playerID
	s.roomID = roomID
}

// lastOfType 倒序找最近一条指定类型的控制消息
func lastOfType(t *testing.T, s *fakeSession, msgType protocol.MsgType) *protocol.Envelope {
	t.Helper()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if len(s.sent[i]) == 0 || s.sent[i][0] != '{' {
			continue
		}
		env, err := protocol.Unmarshal(s.sent[i])
		if err == nil && env.Type == msgType {
			return env
		}
	}
	return nil
}

// lastSnapshot 倒序找最近一份二进制快照
func lastSnapshot(t *testing.T, s *fakeSession) *protocol.Snapshot {
	t.Helper()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if len(s.sent[i]) > 0 && s.sent[i][0] == protocol.SnapshotMarker {
			snap, err := protocol.DecodeSnapshot(s.sent[i])
			if err != nil {
				t.Fatalf("快照解码失败: %v", err)
			}
			return snap
		}
	}
	return nil
}

// testRoom 可手动推进时钟与 tick 的房间（不跑事件循环）
type testRoom struct {
	*Room
	clock time.Time
}

func newTestRoom(t *testing.T, laps int32) *testRoom {
	t.Helper()
	r := NewRoom(context.Background(), "test-room", DefaultTrack(laps))
	tr := &testRoom{Room: r, clock: time.UnixMilli(1_000_000)}
	r.now = func() time.Time { return tr.clock }
	t.Cleanup(r.Shutdown)
	return tr
}

func (tr *testRoom) advance(d time.Duration) { tr.clock = tr.clock.Add(d) }

func (tr *testRoom) join(t *testing.T, name string) *fakeSession {
	t.Helper()
	s := &fakeSession{}
	if err := tr.handleJoin(joinRequest{session: s, req: &protocol.JoinRequest{Name: name, RoomID: tr.id}}); err != nil {
		t.Fatalf("%s 加入失败: %v", name, err)
	}
	return s
}

// startRacing 开赛并推进到 racing 阶段
func (tr *testRoom) startRacing(t *testing.T) {
	t.Helper()
	tr.handleStart(tr.ownerID)
	if tr.phase != PhaseCountdown {
		t.Fatalf("开赛后应进入倒计时, phase=%s", tr.phase)
	}
	tr.advance(RaceStartLead + time.Millisecond)
	tr.tick()
	if tr.phase != PhaseRacing {
		t.Fatalf("倒计时结束应进入比赛, phase=%s", tr.phase)
	}
}

// ticks 连续推进 n 个 tick，tick 间推进模拟时钟
func (tr *testRoom) ticks(n int) {
	for i := 0; i < n; i++ {
		tr.advance(TickDuration)
		tr.tick()
	}
}

func TestRoomJoinAssignsOwnerAndSlots(t *testing.T) {
	tr := newTestRoom(t, 3)

	s1 := tr.join(t, "alice")
	s2 := tr.join(t, "bob")

	if s1.playerID == "" || s1.playerID == s2.playerID {
		t.Fatalf("玩家 ID 应唯一: %q / %q", s1.playerID, s2.playerID)
	}
	if tr.ownerID != s1.playerID {
		t.Errorf("首位加入者应为房主, owner=%s", tr.ownerID)
	}

	env := lastOfType(t, s1, protocol.MsgJoinOK)
	if env == nil {
		t.Fatal("加入者应收到 join_ok")
	}
	var acc protocol.JoinAccepted
	if err := env.Decode(&acc); err != nil || !acc.Owner || acc.SessionToken == "" {
		t.Errorf("join_ok 内容不符: %+v err=%v", acc, err)
	}

	if lastOfType(t, s1, protocol.MsgPlayerJoin) == nil {
		t.Error("在房玩家应收到 player_join 广播")
	}
}

func TestRoomJoinRejectedWhenFullOrRacing(t *testing.T) {
	tr := newTestRoom(t, 3)
	for i := 0; i < MaxPlayers; i++ {
		tr.join(t, "p")
	}

	s := &fakeSession{}
	if err := tr.handleJoin(joinRequest{session: s, req: &protocol.JoinRequest{Name: "late"}}); err == nil {
		t.Error("满员房间应拒绝加入")
	}

	tr2 := newTestRoom(t, 3)
	tr2.join(t, "solo")
	tr2.startRacing(t)
	if err := tr2.handleJoin(joinRequest{session: &fakeSession{}, req: &protocol.JoinRequest{Name: "late"}}); err == nil {
		t.Error("比赛进行中应拒绝加入")
	}
}

func TestRoomStartOwnerOnlyWithCooldown(t *testing.T) {
	tr := newTestRoom(t, 3)
	owner := tr.join(t, "alice")
	other := tr.join(t, "bob")

	tr.handleStart(other.playerID)
	if tr.phase != PhaseLobby {
		t.Fatal("非房主不应能开赛")
	}
	if lastOfType(t, other, protocol.MsgError) == nil {
		t.Error("非房主开赛应收到错误应答")
	}

	tr.handleStart(owner.playerID)
	if tr.phase != PhaseCountdown {
		t.Fatal("房主开赛应进入倒计时")
	}
	firstStartAt := tr.raceStartAt

	env := lastOfType(t, owner, protocol.MsgCountdown)
	if env == nil {
		t.Fatal("应广播倒计时")
	}
	var cd protocol.Countdown
	if env.Decode(&cd) != nil || cd.RaceStartTime != tr.clock.UnixMilli()+RaceStartLead.Milliseconds() {
		t.Errorf("开赛时刻应为 now+%v: %+v", RaceStartLead, cd)
	}

	// 冷却期内的重复请求被拒绝，开赛时刻不变
	tr.advance(StartCooldown / 2)
	tr.handleStart(owner.playerID)
	if tr.raceStartAt != firstStartAt {
		t.Error("冷却期内重复开赛不应重置倒计时")
	}
}

func TestRoomTickAppliesInputsAndAcks(t *testing.T) {
	tr := newTestRoom(t, 3)
	s := tr.join(t, "alice")
	tr.startRacing(t)

	tr.handleInputs(inputEvent{playerID: s.playerID, inputs: []physics.Input{
		{Throttle: 1, Frame: 1}, {Throttle: 1, Frame: 2}, {Throttle: 1, Frame: 3},
	}})
	tr.ticks(SnapshotDivisor)

	slot := tr.slots[s.playerID]
	if slot.queue.Watermark() != 3 {
		t.Errorf("水位线应推进到 3, got %d", slot.queue.Watermark())
	}
	if slot.state.Speed <= 0 {
		t.Errorf("油门输入应产生速度, got %.3f", slot.state.Speed)
	}

	snap := lastSnapshot(t, s)
	if snap == nil {
		t.Fatal("每 3 tick 应广播一份快照")
	}
	if snap.Players[0].AckedFrame != 3 {
		t.Errorf("快照应回带水位线 3, got %d", snap.Players[0].AckedFrame)
	}
}

func TestRoomStuckInputReapplied(t *testing.T) {
	tr := newTestRoom(t, 3)
	s := tr.join(t, "alice")
	tr.startRacing(t)

	tr.handleInputs(inputEvent{playerID: s.playerID, inputs: []physics.Input{{Throttle: 1, Frame: 1}}})
	tr.ticks(1)
	speedAfterOne := tr.slots[s.playerID].state.Speed

	// 后续 tick 没有新输入：沿用上一条油门，速度继续增长
	tr.ticks(5)
	if got := tr.slots[s.playerID].state.Speed; got <= speedAfterOne {
		t.Errorf("无新输入时应沿用上一条输入: %.3f -> %.3f", speedAfterOne, got)
	}
}

func TestRoomCatchUpBounded(t *testing.T) {
	tr := newTestRoom(t, 3)
	s := tr.join(t, "alice")
	tr.startRacing(t)

	inputs := make([]physics.Input, 20)
	for i := range inputs {
		inputs[i] = physics.Input{Throttle: 1, Frame: uint32(i + 1)}
	}
	tr.handleInputs(inputEvent{playerID: s.playerID, inputs: inputs})

	tr.ticks(1)
	slot := tr.slots[s.playerID]
	if slot.queue.Watermark() != MaxInputsPerTick {
		t.Errorf("单 tick 追帧应受上限约束, 水位线 %d", slot.queue.Watermark())
	}
	if slot.queue.Len() != 20-MaxInputsPerTick {
		t.Errorf("剩余输入应留待后续 tick, len=%d", slot.queue.Len())
	}
}

func TestRoomRestartPreservesWatermark(t *testing.T) {
	tr := newTestRoom(t, 3)
	s := tr.join(t, "alice")
	tr.startRacing(t)

	tr.handleInputs(inputEvent{playerID: s.playerID, inputs: []physics.Input{{Throttle: 1, Frame: 499}}})
	tr.ticks(1)

	// 重开比赛：状态归位，去重基准不回退
	tr.advance(StartCooldown + time.Second)
	tr.handleStart(tr.ownerID)

	slot := tr.slots[s.playerID]
	if slot.state.Speed != 0 || slot.queue.Len() != 0 {
		t.Errorf("重开应重置物理状态与待处理输入: %+v", slot.state)
	}
	if slot.queue.Watermark() != 499 {
		t.Errorf("重开不应回退水位线, got %d", slot.queue.Watermark())
	}

	// 迟到的上一场输入被丢弃，新输入正常入队
	tr.handleInputs(inputEvent{playerID: s.playerID, inputs: []physics.Input{
		{Throttle: 1, Frame: 499}, {Throttle: 1, Frame: 501},
	}})
	if slot.queue.Len() != 1 {
		t.Errorf("只应入队帧 501, len=%d", slot.queue.Len())
	}
}

func TestRoomDisconnectGraceAndExpiry(t *testing.T) {
	tr := newTestRoom(t, 3)
	s1 := tr.join(t, "alice")
	s2 := tr.join(t, "bob")
	tr.startRacing(t)

	tr.handleLeave(leaveEvent{playerID: s2.playerID, disconnect: true})
	slot := tr.slots[s2.playerID]
	if slot == nil || !slot.disconnected() {
		t.Fatal("赛中掉线应进入宽限期而非拆除")
	}

	// 宽限期内快照仍包含掉线玩家
	tr.ticks(SnapshotDivisor)
	if snap := lastSnapshot(t, s1); snap == nil || len(snap.Players) != 2 {
		t.Fatal("宽限期内掉线玩家应保留在快照中")
	}

	// 宽限期到期：拆除并广播，之后的快照不再包含
	tr.advance(ReconnectGrace + time.Second)
	tr.ticks(SnapshotDivisor)
	if _, exists := tr.slots[s2.playerID]; exists {
		t.Fatal("宽限期到期应拆除槽位")
	}
	if snap := lastSnapshot(t, s1); len(snap.Players) != 1 {
		t.Errorf("拆除后快照应只剩 1 人, got %d", len(snap.Players))
	}
	if lastOfType(t, s1, protocol.MsgPlayerLeave) == nil {
		t.Error("拆除应广播 player_leave")
	}
}

func TestRoomGraceExpiryAfterRaceOver(t *testing.T) {
	tr := newTestRoom(t, 1)
	s1 := tr.join(t, "alice")
	s2 := tr.join(t, "bob")
	tr.startRacing(t)

	tr.handleLeave(leaveEvent{playerID: s2.playerID, disconnect: true})

	// 在线玩家全部完赛，比赛在宽限期内提前结束
	tr.slots[s1.playerID].state.Lap = tr.track.Laps
	tr.ticks(1)
	if tr.phase != PhaseFinished {
		t.Fatalf("在线玩家全部完赛应结束比赛, phase=%s", tr.phase)
	}

	// 比赛已结束，宽限期照常到期：槽位拆除、广播、计数更新
	tr.advance(ReconnectGrace + time.Second)
	tr.ticks(1)
	if _, exists := tr.slots[s2.playerID]; exists {
		t.Fatal("比赛结束后宽限期到期仍应拆除槽位")
	}
	if lastOfType(t, s1, protocol.MsgPlayerLeave) == nil {
		t.Error("拆除应广播 player_leave")
	}
	if tr.count.Load() != 1 {
		t.Errorf("槽位计数应随拆除更新, got %d", tr.count.Load())
	}
	if err := tr.handleReconnect(reconnectRequest{session: &fakeSession{}, playerID: s2.playerID}); err == nil {
		t.Error("槽位回收后重连应失败")
	}
}

func TestRoomReconnectMigratesSlot(t *testing.T) {
	tr := newTestRoom(t, 3)
	s := tr.join(t, "alice")
	tr.startRacing(t)

	tr.handleInputs(inputEvent{playerID: s.playerID, inputs: []physics.Input{{Throttle: 1, Frame: 1}}})
	tr.ticks(1)
	tr.handleLeave(leaveEvent{playerID: s.playerID, disconnect: true})

	tr.advance(ReconnectGrace / 2)
	newSess := &fakeSession{}
	if err := tr.handleReconnect(reconnectRequest{session: newSess, playerID: s.playerID}); err != nil {
		t.Fatalf("宽限期内重连应成功: %v", err)
	}

	slot := tr.slots[s.playerID]
	if slot.disconnected() || slot.session != Session(newSess) {
		t.Fatal("槽位应迁移到新连接")
	}
	if slot.queue.Watermark() != 1 {
		t.Errorf("重连不应重置水位线, got %d", slot.queue.Watermark())
	}

	env := lastOfType(t, newSess, protocol.MsgReconnectOK)
	if env == nil {
		t.Fatal("应收到 reconnect_ok")
	}
	var acc protocol.ReconnectAccepted
	if env.Decode(&acc) != nil || acc.Phase != "racing" {
		t.Errorf("重连应答应携带当前阶段: %+v", acc)
	}
}

func TestRoomReconnectAfterTeardownFails(t *testing.T) {
	tr := newTestRoom(t, 3)
	s := tr.join(t, "alice")
	s2 := tr.join(t, "bob")
	_ = s2
	tr.startRacing(t)

	tr.handleLeave(leaveEvent{playerID: s.playerID, disconnect: true})
	tr.advance(ReconnectGrace + time.Second)
	tr.ticks(1)

	if err := tr.handleReconnect(reconnectRequest{session: &fakeSession{}, playerID: s.playerID}); err == nil {
		t.Error("槽位回收后重连应失败")
	}
}

func TestRoomOwnerMigration(t *testing.T) {
	tr := newTestRoom(t, 3)
	s1 := tr.join(t, "alice")
	s2 := tr.join(t, "bob")

	tr.handleLeave(leaveEvent{playerID: s1.playerID})
	if tr.ownerID != s2.playerID {
		t.Errorf("房主离开应移交给最早加入者, owner=%s", tr.ownerID)
	}

	env := lastOfType(t, s2, protocol.MsgPlayerLeave)
	if env == nil {
		t.Fatal("应广播 player_leave")
	}
	var left protocol.PlayerLeft
	if env.Decode(&left) != nil || left.NewOwner != s2.playerID {
		t.Errorf("广播应指定继任房主: %+v", left)
	}
}

func TestRoomRaceOverWhenAllFinish(t *testing.T) {
	tr := newTestRoom(t, 1)
	s := tr.join(t, "alice")
	tr.startRacing(t)

	// 直接把圈数推到完赛线，下一 tick 应判定完赛
	tr.slots[s.playerID].state.Lap = tr.track.Laps
	tr.ticks(1)

	if tr.phase != PhaseFinished {
		t.Fatalf("全员完赛应结束比赛, phase=%s", tr.phase)
	}
	env := lastOfType(t, s, protocol.MsgRaceOver)
	if env == nil {
		t.Fatal("应广播 race_over")
	}
	var over protocol.RaceOver
	if env.Decode(&over) != nil || len(over.Results) != 1 {
		t.Errorf("结果应包含全部玩家: %+v", over)
	}

	// 结束后可再次开赛
	tr.advance(StartCooldown + time.Second)
	tr.handleStart(tr.ownerID)
	if tr.phase != PhaseCountdown {
		t.Error("结束后应允许重开")
	}
}

func TestRoomRelayForwarding(t *testing.T) {
	tr := newTestRoom(t, 3)
	s1 := tr.join(t, "alice")
	s2 := tr.join(t, "bob")

	tr.handleRelay(relayEvent{from: s1.playerID, relay: &protocol.Relay{Payload: []byte(`{"sdp":"x"}`)}})

	env := lastOfType(t, s2, protocol.MsgRelay)
	if env == nil {
		t.Fatal("其余玩家应收到转发")
	}
	var relay protocol.Relay
	if env.Decode(&relay) != nil || relay.From != s1.playerID {
		t.Errorf("转发应标注来源: %+v", relay)
	}
	if lastOfType(t, s1, protocol.MsgRelay) != nil {
		t.Error("发送方不应收到自己的转发")
	}
}
