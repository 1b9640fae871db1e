package obslog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewID returns a random hex identifier suitable for tagging a log line
// with the instance or run it came from. It falls back to a timestamp if
// the system entropy source is unavailable, which should never happen in
// practice but must not panic a diagnostic tool if it does.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
