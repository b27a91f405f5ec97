// Package config resolves process configuration for dispatchmesh in three
// layers: package defaults, an optional YAML file, and environment variable
// overrides (DISPATCHMESH_* prefix). All eviction, health and retry policy
// constants are exposed as tunables but default to the tested operating
// points.
package config
