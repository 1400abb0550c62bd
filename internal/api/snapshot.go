package api

// Provider is implemented by the Orchestrator: it is the single collaborator
// the API handlers need, so BuildSnapshot never reaches directly into
// individual component managers the way the teacher's BuildSnapshot reached
// into market.Scanner and risk.Manager.
type Provider interface {
	Snapshot() Snapshot
}

// BuildSnapshot just forwards to the provider. It exists as a thin seam so
// handlers depend on a function, not a concrete Orchestrator type.
func BuildSnapshot(provider Provider) Snapshot {
	return provider.Snapshot()
}
