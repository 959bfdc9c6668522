package testlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/ingestctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}

// Recorder collects JSON log lines written through the global logger.
type Recorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

// Entries returns every recorded line at level whose message equals msg.
func (r *Recorder) Entries(level zerolog.Level, msg string) []map[string]any {
	r.mu.Lock()
	raw := r.buf.String()
	r.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry[zerolog.LevelFieldName] == level.String() && entry[zerolog.MessageFieldName] == msg {
			out = append(out, entry)
		}
	}
	return out
}

// Capture routes the global logger into a Recorder at the runtime default
// level until the test ends.
func Capture(t *testing.T) *Recorder {
	t.Helper()
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	rec := &Recorder{}
	log.Logger = zerolog.New(rec)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
	return rec
}
