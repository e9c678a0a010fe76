// Package graph is the mutable dependency-graph core behind the plan
// compiler.
//
// A Graph is built once from a fixed node set, mutated only through AddEdge,
// and then queried for a deterministic topological order, a cycle witness and
// depth levels. Nodes are kept in lexicographic id order, so comparing node
// indices is the same as comparing ids. Values of this package must not
// escape the compiler.
package graph
