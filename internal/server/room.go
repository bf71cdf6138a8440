package server

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"driftkart/pkg/physics"
	"driftkart/pkg/protocol"
)

const (
	MaxPlayers   = 8  // 每房间最大玩家数（小房间设计）
	ServerTPS    = 60 // 固定物理 tick 频率
	TickDuration = time.Second / ServerTPS
	TickDT       = 1.0 / ServerTPS // 每个物理步的固定 dt

	// SnapshotDivisor 快照广播降频：每 3 个 tick 广播一次（20Hz），
	// 作为 tick 循环的副作用，绝不会观察到半个 tick 的状态。
	SnapshotDivisor = 3

	// MaxInputsPerTick 单 tick 对单个代理最多应用的输入条数，
	// 限制交付抖动之后的追帧幅度。
	MaxInputsPerTick = 5

	RaceStartLead = 4 * time.Second // 开赛倒计时提前量
	StartCooldown = 2 * time.Second // 两次 start 之间的最小间隔（防连点重开）

	// ReconnectGrace 断线重连宽限期：期间槽位原样保留，
	// 最后一条输入持续重放。
	ReconnectGrace = 15 * time.Second

	// PoseDivergenceLimit 客户端上报的预测位姿与权威状态的偏差
	// 超过该值时记录诊断日志。上报永远不影响模拟。
	PoseDivergenceLimit = 3.0
)

// Phase 房间状态机：lobby → countdown → racing → finished → countdown → …
type Phase int

const (
	PhaseLobby Phase = iota
	PhaseCountdown
	PhaseRacing
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseCountdown:
		return "countdown"
	case PhaseRacing:
		return "racing"
	case PhaseFinished:
		return "finished"
	}
	return "unknown"
}

// agentSlot 单个代理的模拟槽位。权威物理状态只被房间的
// tick 循环修改，别处一律通过消息访问。
type agentSlot struct {
	id      string
	name    string
	session Session

	state     physics.State
	queue     InputQueue
	lastInput physics.Input // 无新输入时沿用的"卡住的"输入

	disconnectedAt time.Time // 非零表示在宽限期内
	finished       bool

	lastDivergenceLog time.Time
}

func (s *agentSlot) disconnected() bool {
	return !s.disconnectedAt.IsZero()
}

// Room 一场比赛的权威模拟实例。
// 单 goroutine 事件循环：select 各事件通道加固定 tick。
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	id    string
	track *Track

	phase       Phase
	frame       atomic.Uint32 // tick 计数，连接 goroutine 读（时钟应答）
	raceStartAt int64         // 权威毫秒时刻，countdown → racing 的分界
	lastStart   time.Time

	ownerID string
	slots   map[string]*agentSlot
	order   []string // 加入顺序：出生位与房主继任按此排
	nextNum int
	count   atomic.Int32 // 槽位数，管理器清理时读

	joinCh      chan joinRequest
	inputCh     chan inputEvent
	startCh     chan string
	leaveCh     chan leaveEvent
	reconnectCh chan reconnectRequest
	relayCh     chan relayEvent
	poseCh      chan poseEvent

	now func() time.Time // 测试注入
}

type joinRequest struct {
	session Session
	req     *protocol.JoinRequest
	respCh  chan error
}

type inputEvent struct {
	playerID string
	inputs   []physics.Input
}

type leaveEvent struct {
	playerID   string
	disconnect bool // true: 掉线（赛中进宽限期）；false: 主动离开
}

type reconnectRequest struct {
	session  Session
	playerID string
	respCh   chan error
}

type relayEvent struct {
	from  string
	relay *protocol.Relay
}

type poseEvent struct {
	playerID string
	pose     *protocol.Pose
}

// NewRoom 创建房间。
func NewRoom(parent context.Context, id string, track *Track) *Room {
	ctx, cancel := context.WithCancel(parent)

	return &Room{
		ctx:         ctx,
		cancel:      cancel,
		id:          id,
		track:       track,
		phase:       PhaseLobby,
		slots:       make(map[string]*agentSlot),
		joinCh:      make(chan joinRequest),
		inputCh:     make(chan inputEvent, 256),
		startCh:     make(chan string, 8),
		leaveCh:     make(chan leaveEvent, 64),
		reconnectCh: make(chan reconnectRequest),
		relayCh:     make(chan relayEvent, 64),
		poseCh:      make(chan poseEvent, 64),
		now:         time.Now,
	}
}

// Run 房间事件循环。关闭时原子地退出 tick 并断开所有连接：
// tick 不会处理到一半被拆除的房间。
func (r *Room) Run(wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(TickDuration)
	defer ticker.Stop()

	log.Printf("房间 %s 循环启动: %d TPS", r.id, ServerTPS)

	for {
		select {
		case <-r.ctx.Done():
			r.closeAllSessions()
			log.Printf("房间 %s 循环停止", r.id)
			return

		case req := <-r.joinCh:
			req.respCh <- r.handleJoin(req)

		case ev := <-r.inputCh:
			r.handleInputs(ev)

		case playerID := <-r.startCh:
			r.handleStart(playerID)

		case ev := <-r.leaveCh:
			r.handleLeave(ev)

		case req := <-r.reconnectCh:
			req.respCh <- r.handleReconnect(req)

		case ev := <-r.relayCh:
			r.handleRelay(ev)

		case ev := <-r.poseCh:
			r.handlePose(ev)

		case <-ticker.C:
			r.tick()
		}
	}
}

// Shutdown 关闭房间。
func (r *Room) Shutdown() {
	r.cancel()
}

// ========== 事件入口（其他 goroutine 调用，只入队不阻塞 tick） ==========

// Join 玩家加入（同步等待结果）。
func (r *Room) Join(session Session, req *protocol.JoinRequest) error {
	respCh := make(chan error, 1)
	select {
	case <-r.ctx.Done():
		return fmt.Errorf("房间已关闭")
	case r.joinCh <- joinRequest{session: session, req: req, respCh: respCh}:
	}
	select {
	case <-r.ctx.Done():
		return fmt.Errorf("房间已关闭")
	case err := <-respCh:
		return err
	}
}

// EnqueueInputs 输入入队。
func (r *Room) EnqueueInputs(playerID string, inputs []physics.Input) {
	select {
	case <-r.ctx.Done():
	case r.inputCh <- inputEvent{playerID: playerID, inputs: inputs}:
	}
}

// RequestStart 请求开赛。
func (r *Room) RequestStart(playerID string) {
	select {
	case <-r.ctx.Done():
	case r.startCh <- playerID:
	}
}

// Leave 主动离开。
func (r *Room) Leave(playerID string) {
	select {
	case <-r.ctx.Done():
	case r.leaveCh <- leaveEvent{playerID: playerID}:
	}
}

// NotifyDisconnect 连接断开。
func (r *Room) NotifyDisconnect(playerID string) {
	select {
	case <-r.ctx.Done():
	case r.leaveCh <- leaveEvent{playerID: playerID, disconnect: true}:
	}
}

// Reconnect 断线重连（同步等待结果）。
func (r *Room) Reconnect(session Session, playerID string) error {
	respCh := make(chan error, 1)
	select {
	case <-r.ctx.Done():
		return fmt.Errorf("房间已关闭")
	case r.reconnectCh <- reconnectRequest{session: session, playerID: playerID, respCh: respCh}:
	}
	select {
	case <-r.ctx.Done():
		return fmt.Errorf("房间已关闭")
	case err := <-respCh:
		return err
	}
}

// Relay 旁路信令转发。
func (r *Room) Relay(from string, relay *protocol.Relay) {
	select {
	case <-r.ctx.Done():
	case r.relayCh <- relayEvent{from: from, relay: relay}:
	}
}

// ObservePose 客户端预测位姿上报（仅诊断）。
func (r *Room) ObservePose(playerID string, pose *protocol.Pose) {
	select {
	case <-r.ctx.Done():
	case r.poseCh <- poseEvent{playerID: playerID, pose: pose}:
	}
}

// CurrentFrame 当前 tick 计数。
func (r *Room) CurrentFrame() uint32 {
	return r.frame.Load()
}

// Empty 房间是否已无槽位。
func (r *Room) Empty() bool {
	return r.count.Load() == 0
}

// ========== tick ==========

func (r *Room) tick() {
	now := r.now()
	nowMs := now.UnixMilli()

	// 宽限期到期的槽位在任何阶段都要拆除：比赛提前结束后
	// 掉线玩家不再有重连的意义，幽灵槽位会阻止房间回收
	r.sweepExpiredSlots(now)

	if r.phase == PhaseCountdown && nowMs >= r.raceStartAt {
		r.phase = PhaseRacing
		log.Printf("房间 %s 比赛开始 (frame=%d)", r.id, r.frame.Load())
	}

	if r.phase != PhaseRacing {
		return
	}

	for _, id := range append([]string(nil), r.order...) {
		slot, exists := r.slots[id]
		if !exists {
			continue
		}

		batch := slot.queue.Drain(MaxInputsPerTick)
		if len(batch) == 0 {
			// 无新输入：沿用上一条已应用的输入而非中性输入，
			// 避免交付抖动造成可见的减速；真掉线由宽限期兜底。
			slot.state = physics.Step(slot.state, slot.lastInput, TickDT)
		} else {
			for _, in := range batch {
				slot.state = physics.Step(slot.state, in, TickDT)
				slot.lastInput = in
			}
		}

		// 圈进度由赛道估算器采样后过滤写入
		slot.state = physics.ApplyLapProgress(slot.state, r.track.Progress(slot.state.Position))
		if !slot.finished && slot.state.Lap >= r.track.Laps {
			slot.finished = true
			log.Printf("房间 %s: 玩家 %s 完赛 (%d 圈)", r.id, id, slot.state.Lap)
		}
	}

	frame := r.frame.Add(1)

	if r.allAttachedFinished() {
		r.finishRace()
		return
	}

	if frame%SnapshotDivisor == 0 {
		r.broadcastSnapshot(nowMs)
	}
}

// sweepExpiredSlots 拆除宽限期已到期的掉线槽位，之后的快照不再包含。
func (r *Room) sweepExpiredSlots(now time.Time) {
	for _, id := range append([]string(nil), r.order...) {
		slot, exists := r.slots[id]
		if !exists {
			continue
		}
		if slot.disconnected() && now.Sub(slot.disconnectedAt) > ReconnectGrace {
			r.removeSlot(id, "重连超时")
		}
	}
}

func (r *Room) allAttachedFinished() bool {
	attached := 0
	for _, slot := range r.slots {
		if slot.disconnected() {
			continue
		}
		attached++
		if !slot.finished {
			return false
		}
	}
	return attached > 0
}

func (r *Room) finishRace() {
	r.phase = PhaseFinished

	results := make([]protocol.RaceResult, 0, len(r.order))
	for _, id := range r.order {
		results = append(results, protocol.RaceResult{PlayerID: id, Laps: r.slots[id].state.Lap})
	}
	r.broadcast(protocol.MustMarshal(protocol.MsgRaceOver, &protocol.RaceOver{Results: results}))

	log.Printf("房间 %s 比赛结束", r.id)
}

func (r *Room) broadcastSnapshot(nowMs int64) {
	snap := protocol.Snapshot{
		Frame:      r.frame.Load(),
		ServerTime: nowMs,
	}
	// 每个条目带上该玩家自己的输入水位线，
	// 客户端据此得知哪些已发输入已被纳入权威状态
	for _, id := range r.order {
		slot := r.slots[id]
		snap.Players = append(snap.Players,
			protocol.SnapshotPlayerFromState(id, slot.state, slot.queue.Watermark(), nowMs, uint16(snap.Frame)))
	}

	data := protocol.EncodeSnapshot(&snap)
	r.broadcast(data)
}

// broadcast 即发即忘地发给所有在线槽位。
func (r *Room) broadcast(data []byte) {
	for _, slot := range r.slots {
		if slot.disconnected() {
			continue
		}
		if err := slot.session.Send(data); err != nil {
			log.Printf("房间 %s: 发送给 %s 失败: %v", r.id, slot.id, err)
		}
	}
}

func (r *Room) broadcastExcept(skip string, data []byte) {
	for _, slot := range r.slots {
		if slot.id == skip || slot.disconnected() {
			continue
		}
		_ = slot.session.Send(data)
	}
}

// ========== 事件处理（房间 goroutine 内） ==========

func (r *Room) handleJoin(req joinRequest) error {
	if r.phase == PhaseCountdown || r.phase == PhaseRacing {
		return fmt.Errorf("比赛进行中，暂时无法加入")
	}
	if len(r.slots) >= MaxPlayers {
		return fmt.Errorf("房间已满 (%d/%d)", len(r.slots), MaxPlayers)
	}

	r.nextNum++
	playerID := fmt.Sprintf("k%d", r.nextNum)

	pos, rot := r.track.SpawnPose(len(r.order))
	slot := &agentSlot{
		id:      playerID,
		name:    req.req.Name,
		session: req.session,
		state:   physics.NewState(pos, rot),
	}
	r.slots[playerID] = slot
	r.order = append(r.order, playerID)
	r.count.Store(int32(len(r.slots)))

	owner := false
	if r.ownerID == "" {
		r.ownerID = playerID
		owner = true
	}

	token, err := GenerateSessionToken(playerID, r.id)
	if err != nil {
		r.removeSlotQuiet(playerID)
		return fmt.Errorf("生成会话令牌失败: %w", err)
	}

	req.session.SetIdentity(playerID, r.id)

	accepted := &protocol.JoinAccepted{
		PlayerID:     playerID,
		RoomID:       r.id,
		SessionToken: token,
		Owner:        owner,
		TickRate:     ServerTPS,
		SnapshotRate: ServerTPS / SnapshotDivisor,
		RaceLaps:     r.track.Laps,
		Players:      r.playerInfos(),
	}
	if err := req.session.Send(protocol.MustMarshal(protocol.MsgJoinOK, accepted)); err != nil {
		r.removeSlotQuiet(playerID)
		req.session.SetIdentity("", "")
		return fmt.Errorf("发送加入应答失败: %w", err)
	}

	r.broadcastExcept(playerID, protocol.MustMarshal(protocol.MsgPlayerJoin, &protocol.PlayerJoined{
		Player: protocol.PlayerInfo{ID: playerID, Name: slot.name, State: slot.state},
	}))

	log.Printf("房间 %s: 玩家 %s(%s) 加入, 出生位 %d", r.id, playerID, slot.name, len(r.order)-1)
	return nil
}

func (r *Room) handleInputs(ev inputEvent) {
	slot, exists := r.slots[ev.playerID]
	if !exists {
		return
	}
	for _, in := range ev.inputs {
		slot.queue.Push(in) // 重复/过期输入在此静默丢弃
	}
}

func (r *Room) handleStart(playerID string) {
	slot, exists := r.slots[playerID]
	if !exists {
		return
	}
	if playerID != r.ownerID {
		_ = slot.session.Send(protocol.MustMarshal(protocol.MsgError,
			&protocol.ErrorMsg{Message: "只有房主可以开赛"}))
		return
	}

	now := r.now()
	if !r.lastStart.IsZero() && now.Sub(r.lastStart) < StartCooldown {
		// 连点/重复请求：冷却期内拒绝
		_ = slot.session.Send(protocol.MustMarshal(protocol.MsgError,
			&protocol.ErrorMsg{Message: "操作过于频繁"}))
		return
	}

	r.lastStart = now
	r.startRace(now)
}

// startRace 进入倒计时并重置比赛状态。每个槽位拿到一份
// 出生位姿上的全新 PhysicsState（重新构造，绝不原地复用），
// 所有待处理输入清空。
func (r *Room) startRace(now time.Time) {
	r.phase = PhaseCountdown
	r.raceStartAt = now.UnixMilli() + RaceStartLead.Milliseconds()
	r.frame.Store(0)

	for i, id := range r.order {
		slot := r.slots[id]
		pos, rot := r.track.SpawnPose(i)
		slot.state = physics.NewState(pos, rot)
		slot.queue.ClearPending()
		slot.lastInput = physics.Input{}
		slot.finished = false
	}

	r.broadcast(protocol.MustMarshal(protocol.MsgCountdown, &protocol.Countdown{
		RaceStartTime: r.raceStartAt,
		Players:       r.playerInfos(),
	}))

	log.Printf("房间 %s: 倒计时开始, 开赛于 %d", r.id, r.raceStartAt)
}

func (r *Room) handleLeave(ev leaveEvent) {
	slot, exists := r.slots[ev.playerID]
	if !exists {
		return
	}

	// 赛中掉线进入宽限期：槽位原样保留，等待重连
	if ev.disconnect && (r.phase == PhaseRacing || r.phase == PhaseCountdown) {
		if !slot.disconnected() {
			slot.disconnectedAt = r.now()
			log.Printf("房间 %s: 玩家 %s 掉线, 宽限 %s", r.id, ev.playerID, ReconnectGrace)
		}
		return
	}

	reason := "离开"
	if ev.disconnect {
		reason = "断开连接"
	}
	r.removeSlot(ev.playerID, reason)
}

// removeSlot 拆除槽位并广播，必要时移交房主。
func (r *Room) removeSlot(playerID, reason string) {
	if _, exists := r.slots[playerID]; !exists {
		return
	}

	delete(r.slots, playerID)
	for i, id := range r.order {
		if id == playerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.count.Store(int32(len(r.slots)))

	newOwner := ""
	if r.ownerID == playerID {
		r.ownerID = ""
		if len(r.order) > 0 {
			r.ownerID = r.order[0]
			newOwner = r.ownerID
		}
	}

	r.broadcast(protocol.MustMarshal(protocol.MsgPlayerLeave, &protocol.PlayerLeft{
		PlayerID: playerID,
		Reason:   reason,
		NewOwner: newOwner,
	}))

	log.Printf("房间 %s: 玩家 %s 移除(%s), 剩余 %d", r.id, playerID, reason, len(r.slots))
}

func (r *Room) removeSlotQuiet(playerID string) {
	delete(r.slots, playerID)
	for i, id := range r.order {
		if id == playerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.count.Store(int32(len(r.slots)))
	if r.ownerID == playerID {
		r.ownerID = ""
		if len(r.order) > 0 {
			r.ownerID = r.order[0]
		}
	}
}

// handleReconnect 宽限期内重连：槽位迁移到新连接，
// 水位线与比赛进度原样保留。
func (r *Room) handleReconnect(req reconnectRequest) error {
	slot, exists := r.slots[req.playerID]
	if !exists {
		return fmt.Errorf("槽位已回收")
	}

	// 旧连接若还挂着（僵尸连接），静默关闭后迁移
	if !slot.disconnected() && slot.session != nil {
		slot.session.CloseWithoutNotify()
	}
	slot.session = req.session
	slot.disconnectedAt = time.Time{}
	req.session.SetIdentity(req.playerID, r.id)

	token, err := GenerateSessionToken(req.playerID, r.id)
	if err != nil {
		return fmt.Errorf("生成会话令牌失败: %w", err)
	}

	resp := &protocol.ReconnectAccepted{
		PlayerID:      req.playerID,
		RoomID:        r.id,
		SessionToken:  token,
		Phase:         r.phase.String(),
		RaceStartTime: r.raceStartAt,
		Players:       r.playerInfos(),
	}
	if err := req.session.Send(protocol.MustMarshal(protocol.MsgReconnectOK, resp)); err != nil {
		return fmt.Errorf("发送重连应答失败: %w", err)
	}

	log.Printf("房间 %s: 玩家 %s 重连成功", r.id, req.playerID)
	return nil
}

func (r *Room) handleRelay(ev relayEvent) {
	relay := *ev.relay
	relay.From = ev.from
	r.broadcastExcept(ev.from, protocol.MustMarshal(protocol.MsgRelay, &relay))
}

// handlePose 预测位姿上报：与权威状态比较，偏差过大记诊断日志。
// 绝不回写模拟状态。
func (r *Room) handlePose(ev poseEvent) {
	slot, exists := r.slots[ev.playerID]
	if !exists {
		return
	}

	dx := ev.pose.Position.X - slot.state.Position.X
	dz := ev.pose.Position.Z - slot.state.Position.Z
	divergence := math.Sqrt(dx*dx + dz*dz)

	if divergence > PoseDivergenceLimit {
		now := r.now()
		if now.Sub(slot.lastDivergenceLog) >= time.Second {
			slot.lastDivergenceLog = now
			log.Printf("房间 %s: 玩家 %s 预测偏离权威状态 %.1f 单位 (frame=%d)",
				r.id, ev.playerID, divergence, r.frame.Load())
		}
	}
}

func (r *Room) playerInfos() []protocol.PlayerInfo {
	infos := make([]protocol.PlayerInfo, 0, len(r.order))
	for _, id := range r.order {
		slot := r.slots[id]
		infos = append(infos, protocol.PlayerInfo{ID: id, Name: slot.name, State: slot.state})
	}
	return infos
}

func (r *Room) closeAllSessions() {
	for _, slot := range r.slots {
		if slot.session != nil && !slot.disconnected() {
			slot.session.CloseWithoutNotify()
		}
	}
}
