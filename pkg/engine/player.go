package engine

import (
	"context"
	"sync"
)

// QueuePlayer is an in-memory Player: assistant audio queues here until the
// telephony leg drains it. Discard drops everything buffered, which is what
// barge-in needs; frames already handed to Next are gone and cannot be
// unplayed.
type QueuePlayer struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func NewQueuePlayer() *QueuePlayer {
	return &QueuePlayer{notify: make(chan struct{}, 1)}
}

func (p *QueuePlayer) Enqueue(frame []byte) {
	if len(frame) == 0 {
		return
	}
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *QueuePlayer) Discard() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

func (p *QueuePlayer) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Next blocks until a frame is available or ctx is done.
func (p *QueuePlayer) Next(ctx context.Context) ([]byte, bool) {
	for {
		p.mu.Lock()
		if len(p.frames) > 0 {
			frame := p.frames[0]
			p.frames = p.frames[1:]
			p.mu.Unlock()
			return frame, true
		}
		p.mu.Unlock()
		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}
