// 无界面测试客户端：连接服务器、加入房间并按脚本驾驶一整场比赛。
// 用来端到端验证预测、对账、插值与时钟同步，渲染由外部引擎负责。
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driftkart/internal/client"
	"driftkart/pkg/netclock"
	"driftkart/pkg/physics"
	"driftkart/pkg/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "服务器地址")
	proto := flag.String("proto", "tcp", "传输协议: tcp / kcp / ws")
	name := flag.String("name", "tester", "玩家名")
	room := flag.String("room", "default", "房间号")
	start := flag.Bool("start", false, "入房后作为房主发起开赛")
	duration := flag.Duration("duration", 2*time.Minute, "最长运行时长")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	c, err := client.Dial(*proto, *addr)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer c.Close()

	if _, err := c.Join(*name, *room); err != nil {
		log.Fatalf("加入失败: %v", err)
	}

	clock := netclock.New()
	go client.NewClockSync(c, clock).Run(ctx)

	if *start {
		// 等时钟同步窗口打满再开赛
		time.Sleep(time.Second)
		if !c.Owner() {
			log.Println("非房主, 忽略 -start")
		} else if err := c.SendStart(); err != nil {
			log.Fatalf("开赛请求失败: %v", err)
		}
	}

	d := newDriver(c, clock)
	d.run(ctx)
}

// driver 比赛驱动循环：60Hz 预测 + 快照对账 + 远端插值。
type driver struct {
	client *client.Client
	clock  *netclock.Clock

	predictor *client.Predictor
	remotes   map[string]*client.SnapshotBuffer

	racing   bool
	startAt  int64 // 权威开赛时刻
	elapsed  float64
	lastTime time.Time
	seq      uint16
}

func newDriver(c *client.Client, clock *netclock.Clock) *driver {
	return &driver{
		client:  c,
		clock:   clock,
		remotes: make(map[string]*client.SnapshotBuffer),
	}
}

func (d *driver) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second / client.ClientTPS)
	defer ticker.Stop()
	status := time.NewTicker(time.Second)
	defer status.Stop()

	d.lastTime = time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Println("运行结束")
			return

		case err := <-d.client.ErrCh:
			log.Fatalf("连接错误: %v", err)

		case msg := <-d.client.CountdownCh:
			d.onCountdown(msg)

		case msg := <-d.client.RaceOverCh:
			log.Println("比赛结束:")
			for _, res := range msg.Results {
				log.Printf("  %s: %d 圈", res.PlayerID, res.Laps)
			}
			return

		case msg := <-d.client.PlayerJoinCh:
			log.Printf("玩家加入: %s(%s)", msg.Player.ID, msg.Player.Name)

		case msg := <-d.client.PlayerLeaveCh:
			log.Printf("玩家离开: %s (%s)", msg.PlayerID, msg.Reason)
			delete(d.remotes, msg.PlayerID)

		case snap := <-d.client.SnapshotCh:
			d.onSnapshot(snap)

		case <-ticker.C:
			d.onTick()

		case <-status.C:
			d.printStatus()
		}
	}
}

func (d *driver) onCountdown(msg *protocol.Countdown) {
	d.startAt = msg.RaceStartTime
	d.racing = false
	d.elapsed = 0

	for _, p := range msg.Players {
		if p.ID == d.client.PlayerID() {
			if d.predictor == nil {
				d.predictor = client.NewPredictor(p.State)
			} else {
				d.predictor.ResetState(p.State)
			}
			continue
		}
		if buf, ok := d.remotes[p.ID]; ok {
			buf.Reset()
		} else {
			d.remotes[p.ID] = &client.SnapshotBuffer{}
		}
	}

	log.Printf("倒计时: 开赛于 %d (还有 %dms)", msg.RaceStartTime, msg.RaceStartTime-d.clock.NowMs())
}

func (d *driver) onSnapshot(snap *protocol.Snapshot) {
	selfID := d.client.PlayerID()
	for i := range snap.Players {
		sp := &snap.Players[i]
		if sp.Pose.PlayerID == selfID {
			if d.predictor != nil {
				d.predictor.Reconcile(sp.State(), sp.AckedFrame)
			}
			continue
		}
		buf, ok := d.remotes[sp.Pose.PlayerID]
		if !ok {
			buf = &client.SnapshotBuffer{}
			d.remotes[sp.Pose.PlayerID] = buf
		}
		buf.Push(sp)
	}
}

func (d *driver) onTick() {
	now := time.Now()
	dt := now.Sub(d.lastTime).Seconds()
	d.lastTime = now

	if d.predictor == nil {
		return
	}
	if !d.racing {
		if d.clock.NowMs() < d.startAt {
			return
		}
		d.racing = true
		log.Println("比赛开始")
	}

	d.elapsed += dt
	produced := d.predictor.Advance(dt, d.scriptedInput)

	if len(produced) > 0 {
		if err := d.client.SendInputBatch(d.predictor.SendWindow()); err != nil {
			log.Printf("发送输入失败: %v", err)
		}
	}

	// 每 6 tick 上报一次预测位姿（诊断用）
	d.seq++
	if d.seq%6 == 0 {
		s := d.predictor.RenderState()
		_ = d.client.SendPoseReport(&protocol.Pose{
			PlayerID:    d.client.PlayerID(),
			Position:    s.Position,
			Rotation:    s.Rotation,
			Speed:       s.Speed,
			LapProgress: s.LapProgress,
			Timestamp:   d.clock.NowMs(),
			Seq:         d.seq,
		})
	}
}

// scriptedInput 脚本驾驶：全油门，缓慢左右摆动方向，周期性漂移。
func (d *driver) scriptedInput() physics.Input {
	steer := 0.6 * math.Sin(d.elapsed*0.5)
	drift := math.Mod(d.elapsed, 10) > 7 // 每 10 秒漂 3 秒
	return physics.Input{Throttle: 1, Steer: steer, Drift: drift}
}

func (d *driver) printStatus() {
	if d.predictor == nil || !d.racing {
		return
	}
	s := d.predictor.RenderState()
	log.Printf("位置 (%.1f, %.1f) 速度 %.1f 第 %d 圈 进度 %.2f 未确认 %d 偏移 %.1fms",
		s.Position.X, s.Position.Z, s.Speed, s.Lap+1, s.LapProgress,
		d.predictor.PendingCount(), d.clock.OffsetMs())

	renderTime := d.clock.NowMs() - client.InterpolationDelayMs
	for id, buf := range d.remotes {
		if pose, mode := buf.Sample(renderTime); mode != client.SampleNone {
			tag := ""
			if mode == client.SampleExtrapolated {
				tag = " [外推]"
			}
			log.Printf("  远端 %s: (%.1f, %.1f) 速度 %.1f%s", id, pose.Position.X, pose.Position.Z, pose.Speed, tag)
		}
	}
}
