package monitor

import "time"

// Status reflects the last health probe of each backing service.
type Status struct {
	PostgreSQL    bool      `json:"postgresql"`
	Redis         bool      `json:"redis"`
	OutboxBacklog int       `json:"outbox_backlog"`
	CheckedAt     time.Time `json:"checked_at"`
}
