// Package core defines the shared data model for the orchestration core:
// agent types, agents, tasks, decomposition plans, messages, collaboration
// sessions and opinions. Every other package (registry, bus, balancer,
// decomposer, orchestrator, consensus, modes) operates on these types.
package core
