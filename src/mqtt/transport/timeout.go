package transport

import (
	"time"
)

// DefaultWriteTimeout is the fixed write-side idle timeout used unless
// reconfigured (spec.md §4.1).
const DefaultWriteTimeout = 5 * time.Second

// TimeoutStream layers independently settable read/write idle timeouts
// over a Stream. A zero duration disables that side's timeout, matching
// keep_alive=0 semantics (spec.md §4.3, [MQTT-3.1.2-24]).
type TimeoutStream struct {
	Stream

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewTimeoutStream wraps s with a write timeout of DefaultWriteTimeout and
// no read timeout; call SetReadTimeout once the CONNECT keep_alive is known.
func NewTimeoutStream(s Stream) *TimeoutStream {
	return &TimeoutStream{Stream: s, writeTimeout: DefaultWriteTimeout}
}

// SetReadTimeout sets the idle read timeout; zero disables it.
func (t *TimeoutStream) SetReadTimeout(d time.Duration) {
	t.readTimeout = d
}

// SetWriteTimeout sets the idle write timeout; zero disables it.
func (t *TimeoutStream) SetWriteTimeout(d time.Duration) {
	t.writeTimeout = d
}

func (t *TimeoutStream) Read(p []byte) (int, error) {
	if t.readTimeout > 0 {
		if err := t.Stream.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return 0, err
		}
	} else {
		_ = t.Stream.SetReadDeadline(time.Time{})
	}
	return t.Stream.Read(p)
}

func (t *TimeoutStream) Write(p []byte) (int, error) {
	if t.writeTimeout > 0 {
		if err := t.Stream.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return 0, err
		}
	} else {
		_ = t.Stream.SetWriteDeadline(time.Time{})
	}
	return t.Stream.Write(p)
}
