package scheduler

// Project is the read-only metadata of the project that owns a graph.
type Project struct {
	ID         int64
	Name       string
	Guidelines string
	BaseFolder string
}
