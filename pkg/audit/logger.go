package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/metrics"
	"github.com/pario-ai/ladder/pkg/models"
)

// EnvEventLog overrides the configured event log path.
const EnvEventLog = "LADDER_EVENT_LOG"

// Emitter accepts envelopes. Implementations fill schema version, sequence,
// timestamp and corr_id when they are left empty.
type Emitter interface {
	Emit(ctx context.Context, env models.Envelope)
}

type queued struct {
	env models.Envelope
	ack chan struct{}
}

// Logger appends envelopes to a JSONL file through a single writer goroutine.
type Logger struct {
	path string
	file *os.File
	w    *bufio.Writer
	log  zerolog.Logger
	now  func() time.Time

	mu     sync.Mutex
	seq    uint64
	lastTS time.Time
	closed bool
	queue  chan queued

	wg sync.WaitGroup
}

// ResolvePath applies the LADDER_EVENT_LOG override.
func ResolvePath(configured string) string {
	if v := os.Getenv(EnvEventLog); v != "" {
		return v
	}
	return configured
}

// New opens (or creates) the event log for appending.
func New(path string, log zerolog.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	seq, last := tail(path)

	l := &Logger{
		path:   path,
		file:   f,
		w:      bufio.NewWriter(f),
		log:    log,
		now:    time.Now,
		seq:    seq,
		lastTS: last,
		queue:  make(chan queued, 1024),
	}

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// tail recovers the last sequence number and timestamp so a restarted
// process keeps both monotonic.
func tail(path string) (uint64, time.Time) {
	f, err := os.Open(path)
	if err != nil {
		return 0, time.Time{}
	}
	defer f.Close()

	var seq uint64
	var ts time.Time
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var env models.Envelope
		if json.Unmarshal(scanner.Bytes(), &env) != nil {
			continue
		}
		if env.Seq > seq {
			seq = env.Seq
		}
		if env.TS.After(ts) {
			ts = env.TS
		}
	}
	return seq, ts
}

// Path returns the file the logger appends to.
func (l *Logger) Path() string { return l.path }

// Emit stamps and enqueues an envelope. Envelopes emitted by one goroutine
// are written in emission order.
func (l *Logger) Emit(ctx context.Context, env models.Envelope) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		metrics.EnvelopesDropped.Inc()
		return
	}

	stamp(ctx, &env)
	l.seq++
	env.Seq = l.seq
	ts := l.now().UTC()
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	l.lastTS = ts
	env.TS = ts

	l.queue <- queued{env: env}
}

func stamp(ctx context.Context, env *models.Envelope) {
	if env.SchemaVersion == 0 {
		env.SchemaVersion = models.EnvelopeSchemaVersion
	}
	if env.CorrID == "" {
		env.CorrID = CorrID(ctx)
	}
	if env.Severity == "" {
		env.Severity = models.SeverityInfo
	}
}

// Flush blocks until every envelope emitted before the call is written.
func (l *Logger) Flush() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	ack := make(chan struct{})
	l.queue <- queued{ack: ack}
	l.mu.Unlock()
	<-ack
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for q := range l.queue {
		if q.ack != nil {
			close(q.ack)
			continue
		}
		data, err := json.Marshal(q.env)
		if err != nil {
			metrics.EnvelopesDropped.Inc()
			l.log.Error().Err(err).Str("event", q.env.Event).Msg("marshal envelope")
			continue
		}
		data = append(data, '\n')
		if _, err := l.w.Write(data); err != nil {
			metrics.EnvelopesDropped.Inc()
			l.log.Error().Err(err).Msg("write envelope")
			continue
		}
		if err := l.w.Flush(); err != nil {
			l.log.Error().Err(err).Msg("flush event log")
		}
	}
}

// Close drains the queue, syncs and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return err
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Query reads envelopes back from the log, newest first.
func (l *Logger) Query(q models.EnvelopeQuery) ([]models.Envelope, error) {
	l.Flush()
	return ReadFile(l.path, q)
}

// ReadFile reads envelopes from a JSONL file, newest first.
func ReadFile(path string, q models.EnvelopeQuery) ([]models.Envelope, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []models.Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var env models.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		if !matches(env, q) {
			continue
		}
		out = append(out, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(env models.Envelope, q models.EnvelopeQuery) bool {
	if q.EventPrefix != "" && !strings.HasPrefix(env.Event, q.EventPrefix) {
		return false
	}
	if q.CorrID != "" && env.CorrID != q.CorrID {
		return false
	}
	if q.Severity != "" && env.Severity != q.Severity {
		return false
	}
	if !q.Since.IsZero() && env.TS.Before(q.Since) {
		return false
	}
	return true
}

// EventStat counts envelopes for one event name and UTC day.
type EventStat struct {
	Event string
	Day   string
	Count int
}

// Stats returns envelope counts grouped by event and day.
func Stats(path string) ([]EventStat, error) {
	envs, err := ReadFile(path, models.EnvelopeQuery{Limit: int(^uint(0) >> 1)})
	if err != nil {
		return nil, err
	}
	counts := make(map[[2]string]int)
	for _, e := range envs {
		counts[[2]string{e.Event, e.TS.UTC().Format(time.DateOnly)}]++
	}
	stats := make([]EventStat, 0, len(counts))
	for k, n := range counts {
		stats = append(stats, EventStat{Event: k[0], Day: k[1], Count: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Day != stats[j].Day {
			return stats[i].Day > stats[j].Day
		}
		return stats[i].Event < stats[j].Event
	})
	return stats, nil
}

// HashAPIKey returns the SHA-256 hex hash and 8-char prefix for a caller token.
func HashAPIKey(key string) (hash, prefix string) {
	h := sha256.Sum256([]byte(key))
	hash = hex.EncodeToString(h[:])
	if len(key) > 8 {
		prefix = key[:8]
	} else {
		prefix = key
	}
	return hash, prefix
}
