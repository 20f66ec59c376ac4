package messaging

import (
	"log/slog"
	"sync"
	"time"
)

// replyStream is the shared Responses plumbing of every adapter.
type replyStream struct {
	mu      sync.RWMutex
	stopped bool
	replies chan Reply
}

func newReplyStream() replyStream {
	return replyStream{replies: make(chan Reply, DefaultChannelBufferSize)}
}

func (s *replyStream) Responses() <-chan Reply {
	return s.replies
}

func (s *replyStream) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// emit hands a reply to the consumer, dropping it if the channel stays full
// for DefaultChannelTimeout or the adapter is stopped.
func (s *replyStream) emit(reply Reply) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("messaging: dropping inbound reply, service stopped", "channel", reply.Channel, "from", reply.From)
		return false
	}
	select {
	case s.replies <- reply:
		slog.Debug("messaging: inbound reply emitted", "channel", reply.Channel, "from", reply.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: responses channel blocked, dropping reply", "channel", reply.Channel, "from", reply.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (s *replyStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.replies)
}
