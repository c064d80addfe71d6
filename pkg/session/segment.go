package session

import (
	"strings"
	"sync"
)

// Segmenter incrementally splits a growing reply into speakable chunks.
// A chunk is flushed at the first sentence boundary once a minimum
// character count is reached; the first segment uses a smaller minimum so
// audio starts sooner, and can additionally be forced out by the
// time-to-first-audio budget.
type Segmenter struct {
	minFirst int
	minNext  int

	buf     strings.Builder
	flushed int
}

func NewSegmenter(minFirst, minNext int) *Segmenter {
	if minFirst <= 0 {
		minFirst = 24
	}
	if minNext <= 0 {
		minNext = 80
	}
	return &Segmenter{minFirst: minFirst, minNext: minNext}
}

// Push appends streamed text and returns zero or more completed segments.
func (s *Segmenter) Push(delta string) []string {
	s.buf.WriteString(delta)
	var out []string
	for {
		seg := s.takeSegment()
		if seg == "" {
			return out
		}
		out = append(out, seg)
	}
}

// ForceFirst flushes whatever has accumulated if no segment has been
// produced yet. Used when the first-audio budget expires mid-sentence.
func (s *Segmenter) ForceFirst() string {
	if s.flushed > 0 {
		return ""
	}
	return s.Flush()
}

// Flush returns any remaining buffered text as a final segment.
func (s *Segmenter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if rest == "" {
		return ""
	}
	s.flushed++
	return rest
}

func (s *Segmenter) takeSegment() string {
	min := s.minNext
	if s.flushed == 0 {
		min = s.minFirst
	}
	text := s.buf.String()
	cut := sentenceBoundary(text, min)
	if cut < 0 {
		return ""
	}
	seg := strings.TrimSpace(text[:cut])
	s.buf.Reset()
	s.buf.WriteString(text[cut:])
	if seg == "" {
		return ""
	}
	s.flushed++
	return seg
}

// sentenceBoundary returns the index just past the first sentence-ending
// punctuation at or beyond min characters, or -1 if none exists yet. The
// boundary must be followed by whitespace or end-of-buffer so decimals
// and abbreviations mid-stream are not split eagerly.
func sentenceBoundary(text string, min int) int {
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 < len(text) && !isSpace(text[i+1]) {
				continue
			}
			if i+1 >= min {
				return i + 1
			}
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// segmentQueue is the ordered queue of speakable chunks for one reply.
// Producers push from the streaming callback; a single drain loop pops,
// so segments are synthesized and dispatched strictly in order. Clear
// discards everything pending on barge-in.
type segmentQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

func newSegmentQueue() *segmentQueue {
	q := &segmentQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *segmentQueue) push(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, text)
	q.cond.Signal()
}

// pop blocks until a segment is available or the queue is closed. The
// second return is false once the queue is closed and drained.
func (q *segmentQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return "", false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// clear discards pending segments without closing the queue.
func (q *segmentQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// close wakes the drain loop; pending segments are still delivered.
func (q *segmentQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
