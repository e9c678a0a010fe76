// Package policy integrates the Open Policy Agent (OPA) engine with the
// dispatch façade, evaluating Rego policies that decide whether a command
// may compile or execute a pipeline.
//
// The package wraps evaluation results in small decision types and is
// decoupled from transport concerns so policies can be tested and reloaded
// on their own.
package policy
