package domain

// LaneStats — срез состояния планировщика линий.
type LaneStats struct {
	Submitted      int64          `json:"submitted"`
	Completed      int64          `json:"completed"`
	Failed         int64          `json:"failed"`
	ActiveLanes    int            `json:"active_lanes"`
	Pending        map[string]int `json:"pending"` // Глубина очереди по каждой линии
	ParallelActive int            `json:"parallel_active"`
	ParallelQueued int            `json:"parallel_queued"`
}

// SpawnerStats — срез состояния порождения под-задач.
type SpawnerStats struct {
	Active   int            `json:"active"`
	Queued   int            `json:"queued"`
	Ceiling  int            `json:"ceiling"`
	History  int            `json:"history"`
	ByStatus map[string]int `json:"by_status"`
}
