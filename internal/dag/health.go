package dag

import (
	"fmt"

	"github.com/loomwork/loom/internal/model"
)

// HealthStatus classifies the overall state of a project's tickets.
type HealthStatus string

const (
	HealthStable       HealthStatus = "stable"
	HealthThrashing    HealthStatus = "thrashing"
	HealthReworking    HealthStatus = "reworking"
	HealthAccumulating HealthStatus = "accumulating_debt"
	HealthStalled      HealthStatus = "stalled"
)

// SystemHealth summarizes a project's board for the get_system_health tool.
type SystemHealth struct {
	Status           HealthStatus `json:"status"`
	Message          string       `json:"message"`
	BlockedCount     int          `json:"blocked_count"`
	ActiveCount      int          `json:"active_count"`
	DoneCount        int          `json:"done_count"`
	BlockedRatio     float64      `json:"blocked_ratio"`
	ReworkRate       float64      `json:"rework_rate"`
	ThrashingTickets []string     `json:"thrashing_tickets,omitempty"`
}

// thrashThreshold is how many times a ticket must revisit the same stage
// before it counts as thrashing rather than ordinary rework.
const thrashThreshold = 3

// SystemHealth computes health indicators for a project's board: blocked vs
// active ratio, rework rate (fraction of tickets with at least one rework
// comment), and thrashing tickets (revisited the same stage 3+ times),
// reusing the comment/event history the Pipeline Engine already appends on
// every transition rather than a dedicated table.
func (s *Service) SystemHealth(projectID string) (*SystemHealth, error) {
	tickets, err := s.store.ListProjectTickets(s.store, projectID)
	if err != nil {
		return nil, err
	}

	var blocked, active, done int
	for _, t := range tickets {
		switch {
		case t.State == model.StateClosed:
			done++
		case t.State == model.StateOpen && t.DependencyStatus == model.DependencyBlocked:
			blocked++
		case t.State == model.StateOpen:
			active++
		}
	}

	reworkedTickets := 0
	for _, t := range tickets {
		comments, err := s.store.ListComments(t.TicketID)
		if err != nil {
			return nil, err
		}
		for _, c := range comments {
			if c.Kind == "rework" {
				reworkedTickets++
				break
			}
		}
	}

	events, err := s.store.ListProjectEvents(projectID)
	if err != nil {
		return nil, err
	}
	visits := make(map[string]map[string]int) // ticket_id -> stage -> count
	for _, e := range events {
		if e.EventType != model.EventStageTransition {
			continue
		}
		if visits[e.TicketID] == nil {
			visits[e.TicketID] = make(map[string]int)
		}
		visits[e.TicketID][e.Stage]++
	}
	var thrashing []string
	for ticketID, stages := range visits {
		for _, n := range stages {
			if n >= thrashThreshold {
				thrashing = append(thrashing, ticketID)
				break
			}
		}
	}

	total := blocked + active
	health := &SystemHealth{
		BlockedCount:     blocked,
		ActiveCount:      active,
		DoneCount:        done,
		ThrashingTickets: thrashing,
	}
	if len(tickets) > 0 {
		health.ReworkRate = float64(reworkedTickets) / float64(len(tickets))
	}
	if total > 0 {
		health.BlockedRatio = float64(blocked) / float64(total)
	}

	switch {
	case total == 0:
		health.Status = HealthStable
		health.Message = "no active work in progress"
	case len(thrashing) >= 3:
		health.Status = HealthThrashing
		health.Message = fmt.Sprintf("%d tickets cycling through the same stage without progress", len(thrashing))
	case health.ReworkRate > 0.3:
		health.Status = HealthReworking
		health.Message = "high rework rate: reviews are sending work back often"
	case health.BlockedRatio > 0.5:
		health.Status = HealthAccumulating
		health.Message = fmt.Sprintf("%d blocked vs %d active: blockers are piling up", blocked, active)
	case active == 0 && blocked > 0:
		health.Status = HealthStalled
		health.Message = "all open work is blocked"
	default:
		health.Status = HealthStable
		health.Message = fmt.Sprintf("%d active, %d blocked: normal operation", active, blocked)
	}

	return health, nil
}
