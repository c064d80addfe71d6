package endpoint

import (
	"time"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/pcm"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/preroll"
)

// utterance accumulates the audio and timing of one candidate spoken turn:
// pre-roll, onset, speech, and trailing silence. At most one utterance is
// open per call.
type utterance struct {
	frames []pcm.Frame

	preRollDur time.Duration
	speechDur  time.Duration
	totalDur   time.Duration
	bytes      int

	startedAt    time.Time
	lastSpeechAt time.Time
	trailing     time.Duration // silence accumulated since the last speech frame
	lastSpeech   int           // index of the last speech-classified frame, -1 if none

	rmsSum   float64
	rmsCount int
}

// newUtterance seeds an utterance from a consumed pre-roll snapshot plus
// the onset frames that confirmed speech start. Onset frames count toward
// speech duration; pre-roll does not.
func newUtterance(snap preroll.Snapshot, onset []pcm.Frame, now time.Time) *utterance {
	u := &utterance{
		frames:     snap.Frames,
		preRollDur: snap.Duration,
		totalDur:   snap.Duration,
		startedAt:  now,
		lastSpeech: -1,
	}
	for _, f := range snap.Frames {
		u.bytes += len(f.Data)
	}
	for _, f := range onset {
		u.addSpeech(f, now)
	}
	return u
}

// addSpeech appends a speech-classified frame. The frame must already be
// an owned copy.
func (u *utterance) addSpeech(f pcm.Frame, now time.Time) {
	u.frames = append(u.frames, f)
	u.totalDur += f.Duration()
	u.speechDur += f.Duration()
	u.bytes += len(f.Data)
	u.lastSpeech = len(u.frames) - 1
	u.lastSpeechAt = now
	u.trailing = 0
	u.rmsSum += f.RMS()
	u.rmsCount++
}

// addSilence appends a non-speech frame, growing the trailing-silence run.
func (u *utterance) addSilence(f pcm.Frame) {
	u.frames = append(u.frames, f)
	u.totalDur += f.Duration()
	u.bytes += len(f.Data)
	u.trailing += f.Duration()
}

// avgSpeechRMS is the mean RMS over speech frames, 0 when none were seen.
func (u *utterance) avgSpeechRMS() float64 {
	if u.rmsCount == 0 {
		return 0
	}
	return u.rmsSum / float64(u.rmsCount)
}

// hasMinSpeech reports whether enough real speech accumulated (duration
// AND byte count) to justify dispatching a final.
func (u *utterance) hasMinSpeech(minDur time.Duration, minBytes int) bool {
	if u.speechDur < minDur {
		return false
	}
	speechBytes := 0
	for i, f := range u.frames {
		if i <= u.lastSpeech {
			speechBytes += len(f.Data)
		}
	}
	return speechBytes >= minBytes
}

// trimmed returns the frames with trailing silence cut back to at most
// cushion past the last speech frame.
func (u *utterance) trimmed(cushion time.Duration) []pcm.Frame {
	if u.lastSpeech < 0 {
		return nil
	}
	end := u.lastSpeech + 1
	var tail time.Duration
	for i := end; i < len(u.frames); i++ {
		d := u.frames[i].Duration()
		if tail+d > cushion {
			break
		}
		tail += d
		end = i + 1
	}
	return u.frames[:end]
}

// payload concatenates all frames up to the trimmed end.
func (u *utterance) payload(cushion time.Duration) []byte {
	return pcm.Concat(u.trimmed(cushion))
}
