// Package core defines the shared leaf types of dispatchmesh: the Request and
// Response structures exchanged with the remote service and the Collaborator
// interface that adapters (see remote/anthropic, remote/openai) implement.
//
// Keeping these types in a dependency-free package lets the credential pool,
// utility cache and dispatch engine evolve independently while agreeing on a
// single request shape.
package core
