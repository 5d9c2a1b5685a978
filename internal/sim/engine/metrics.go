package engine

import "sync/atomic"

// Metrics are cumulative process-lifetime counters.
type Metrics struct {
	commands        atomic.Uint64
	commandErrors   atomic.Uint64
	busy            atomic.Uint64
	eventsPublished atomic.Uint64
	battleEntries   atomic.Uint64
	epochsCreated   atomic.Uint64
	epochsArchived  atomic.Uint64
	cyclesResolved  atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy for the metrics endpoint.
type MetricsSnapshot struct {
	Commands        uint64 `json:"commands"`
	CommandErrors   uint64 `json:"command_errors"`
	Busy            uint64 `json:"busy"`
	EventsPublished uint64 `json:"events_published"`
	BattleEntries   uint64 `json:"battle_entries"`
	EpochsCreated   uint64 `json:"epochs_created"`
	EpochsArchived  uint64 `json:"epochs_archived"`
	CyclesResolved  uint64 `json:"cycles_resolved"`
	LiveEpochs      int    `json:"live_epochs"`
}

func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	m.mu.RLock()
	live := len(m.epochs)
	m.mu.RUnlock()
	return MetricsSnapshot{
		Commands:        m.metrics.commands.Load(),
		CommandErrors:   m.metrics.commandErrors.Load(),
		Busy:            m.metrics.busy.Load(),
		EventsPublished: m.metrics.eventsPublished.Load(),
		BattleEntries:   m.metrics.battleEntries.Load(),
		EpochsCreated:   m.metrics.epochsCreated.Load(),
		EpochsArchived:  m.metrics.epochsArchived.Load(),
		CyclesResolved:  m.metrics.cyclesResolved.Load(),
		LiveEpochs:      live,
	}
}
