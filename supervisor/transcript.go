package supervisor

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// DefaultMaxChunks is the default transcript cap.
const DefaultMaxChunks = 100

// Transcript is a bounded, ordered record of a session's input and output chunks.
// Once the cap is exceeded the oldest chunks are dropped. Appends never block on readers.
type Transcript struct {
	mu     sync.Mutex
	max    int
	chunks []string
}

func NewTranscript(maxChunks int) *Transcript {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Transcript{max: maxChunks}
}

func (t *Transcript) Append(chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = append(t.chunks, chunk)
	if over := len(t.chunks) - t.max; over > 0 {
		// copy so the backing array doesn't grow without bound
		t.chunks = append([]string(nil), t.chunks[over:]...)
	}
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunks)
}

// Snapshot returns the joined chunks with ANSI escape sequences stripped and surrounding
// whitespace trimmed. It does not modify the transcript.
func (t *Transcript) Snapshot() string {
	t.mu.Lock()
	joined := strings.Join(t.chunks, "")
	t.mu.Unlock()
	return clean(joined)
}

// Drain is Snapshot followed by clearing the transcript, for polling clients.
func (t *Transcript) Drain() string {
	t.mu.Lock()
	joined := strings.Join(t.chunks, "")
	t.chunks = nil
	t.mu.Unlock()
	return clean(joined)
}

func clean(s string) string {
	return strings.TrimSpace(ansi.Strip(s))
}
