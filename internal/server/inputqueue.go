package server

import "driftkart/pkg/physics"

// InputQueue 单个代理的待处理输入队列。
// 按帧号升序保存，水位线（lastProcessedFrame）以下的输入
// 视为重复或过期，静默丢弃——这不是错误。
type InputQueue struct {
	pending   []physics.Input
	watermark uint32 // 已纳入权威状态的最高帧号
}

// Push 入队一条输入。重复或过期的输入返回 false。
func (q *InputQueue) Push(in physics.Input) bool {
	if in.Frame <= q.watermark {
		return false
	}
	idx := len(q.pending)
	for i := range q.pending {
		if q.pending[i].Frame == in.Frame {
			return false
		}
		if q.pending[i].Frame > in.Frame {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, physics.Input{})
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = in
	return true
}

// Drain 取出至多 max 条输入并推进水位线。
func (q *InputQueue) Drain(max int) []physics.Input {
	n := len(q.pending)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	batch := make([]physics.Input, n)
	copy(batch, q.pending[:n])
	q.pending = append(q.pending[:0], q.pending[n:]...)
	q.watermark = batch[n-1].Frame
	return batch
}

// Watermark 当前水位线。
func (q *InputQueue) Watermark() uint32 {
	return q.watermark
}

// ClearPending 清空待处理输入。水位线保留：客户端的帧号计数
// 跨比赛连续，重开比赛不回退去重基准。
func (q *InputQueue) ClearPending() {
	q.pending = q.pending[:0]
}

// Len 待处理输入条数。
func (q *InputQueue) Len() int {
	return len(q.pending)
}
