package session

import (
	"testing"

	"github.com/matryer/is"
)

func TestSegmenterFlushesAtSentenceBoundary(t *testing.T) {
	is := is.New(t)
	s := NewSegmenter(10, 40)

	segs := s.Push("Hello there. ")
	is.Equal(len(segs), 1)
	is.Equal(segs[0], "Hello there.")
}

func TestSegmenterFirstSegmentUsesSmallerMinimum(t *testing.T) {
	is := is.New(t)
	s := NewSegmenter(10, 40)

	// First boundary past 10 chars flushes immediately.
	segs := s.Push("Sure thing. I can absolutely help with that. ")
	is.Equal(len(segs), 1)
	is.Equal(segs[0], "Sure thing.")

	// The rest stays buffered until the larger minimum is met.
	segs = s.Push("Let me check. ")
	is.Equal(len(segs), 1)
	is.Equal(segs[0], "I can absolutely help with that. Let me check.")
}

func TestSegmenterIgnoresMidNumberPeriods(t *testing.T) {
	is := is.New(t)
	s := NewSegmenter(5, 40)

	segs := s.Push("It costs 3.50 dollars total. ")
	is.Equal(len(segs), 1)
	is.Equal(segs[0], "It costs 3.50 dollars total.")
}

func TestSegmenterForceFirst(t *testing.T) {
	is := is.New(t)
	s := NewSegmenter(10, 40)

	is.Equal(len(s.Push("Well, let me see")), 0)
	is.Equal(s.ForceFirst(), "Well, let me see")

	// After the first flush, ForceFirst is a no-op.
	s.Push("and another thing")
	is.Equal(s.ForceFirst(), "")
}

func TestSegmenterFlushReturnsRemainder(t *testing.T) {
	is := is.New(t)
	s := NewSegmenter(10, 40)

	s.Push("One done here. And a tail without punctuation")
	is.Equal(s.Flush(), "And a tail without punctuation")
	is.Equal(s.Flush(), "")
}

func TestSegmentQueueOrderAndClear(t *testing.T) {
	is := is.New(t)
	q := newSegmentQueue()

	q.push("a")
	q.push("b")
	got, ok := q.pop()
	is.True(ok)
	is.Equal(got, "a")

	q.clear()
	q.push("c")
	got, ok = q.pop()
	is.True(ok)
	is.Equal(got, "c")

	q.close()
	_, ok = q.pop()
	is.True(!ok)

	// Pushes after close are dropped.
	q.push("d")
	_, ok = q.pop()
	is.True(!ok)
}
