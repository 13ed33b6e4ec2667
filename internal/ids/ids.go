// Package ids derives human-readable project prefixes and mints ticket
// and worker identifiers.
package ids

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/model"
)

// stageClass maps a ticket type to the single letter (two for subtask, to
// avoid colliding with story) that occupies a minted ticket id's class
// segment, e.g. "P-T-001" for a task.
func stageClass(t model.TicketType) string {
	switch t {
	case model.TicketEpic:
		return "E"
	case model.TicketStory:
		return "S"
	case model.TicketSubtask:
		return "ST"
	default:
		return "T"
	}
}

// ProjectPrefix derives a project's prefix from the uppercase initials of its
// slug's hyphen/underscore-separated tokens, e.g. "todo-vue-rust" -> "TVR".
func ProjectPrefix(repositoryName string) string {
	tokens := strings.FieldsFunc(repositoryName, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	})
	var b strings.Builder
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		b.WriteRune([]rune(strings.ToUpper(tok))[0])
	}
	if b.Len() == 0 {
		return "PRJ"
	}
	return b.String()
}

// Generator mints ticket IDs with a per-project monotonic sequence counter,
// kept in memory and seeded from the Store on startup.
type Generator struct {
	mu   sync.Mutex
	seqs map[string]int
}

// NewGenerator creates an empty Generator; call Seed to restore counters
// from persisted tickets on startup.
func NewGenerator() *Generator {
	return &Generator{seqs: make(map[string]int)}
}

// Seed records the highest sequence number already used for a project, so
// the next minted ticket ID continues rather than restarting at 1.
func (g *Generator) Seed(projectID string, highestSeq int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if highestSeq > g.seqs[projectID] {
		g.seqs[projectID] = highestSeq
	}
}

// NextTicketID mints "<PREFIX>-<STAGE-CLASS>-<SEQ>" for a new ticket in a
// project, e.g. "TVR-T-001" for a task.
func (g *Generator) NextTicketID(prefix, projectID string, ticketType model.TicketType) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seqs[projectID]++
	return fmt.Sprintf("%s-%s-%03d", prefix, stageClass(ticketType), g.seqs[projectID])
}

// NewWorkerID mints a fresh worker id.
func NewWorkerID() string {
	return "wkr-" + uuid.New().String()
}
