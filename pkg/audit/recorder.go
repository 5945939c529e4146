package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pario-ai/ladder/pkg/models"
)

// Recorder is an in-memory Emitter for tests and dry runs.
type Recorder struct {
	mu        sync.Mutex
	seq       uint64
	envelopes []models.Envelope
}

// Emit stores the stamped envelope.
func (r *Recorder) Emit(ctx context.Context, env models.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stamp(ctx, &env)
	r.seq++
	env.Seq = r.seq
	env.TS = time.Now().UTC()
	r.envelopes = append(r.envelopes, env)
}

// Envelopes returns a copy of everything emitted so far.
func (r *Recorder) Envelopes() []models.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Envelope(nil), r.envelopes...)
}

// Events returns envelopes whose event starts with prefix, in emission order.
func (r *Recorder) Events(prefix string) []models.Envelope {
	var out []models.Envelope
	for _, e := range r.Envelopes() {
		if strings.HasPrefix(e.Event, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// Nop discards envelopes.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, models.Envelope) {}
