// Package catalog is the closed registry of condition and action classes that
// policy elements reference by class name.
//
// # Registration
//
// New builds the registry from the built-in classes and compiles each class's
// JSON Schema with santhosh-tekuri/jsonschema. Nothing can be registered after
// New returns, so a Registry is safe to share between goroutines.
//
// # Parameters
//
// A policy element stores a base config; each policy reference may add instance
// parameters. Class.Params merges the two (instance wins), decodes the result as
// plain JSON values and validates it against the schema and the class's own
// validator (regular expressions, CIDRs, redaction paths).
//
// # Conditions
//
//   - always: matches everything
//   - tool_name: tools/call params.name by list or pattern
//   - method: JSON-RPC method by list or pattern
//   - message_kind: request, response or notification
//   - regex / contains: text match on the raw message or a gjson path
//   - json_path: presence or scalar value at a gjson path
//   - client_id / user / source_ip: caller identity from the trust token
//
// # Actions
//
//   - pass: let through, still recorded as an alert
//   - block: reject with a reason
//   - block_on_method: reject only a given method (and optionally tool)
//   - redact: overwrite values at gjson paths using sjson
//   - redact_pattern: regex replace inside params, result and error strings
//
// # Errors
//
// Lookup returns ErrNotFound for unknown classes and Params returns
// ErrInvalidParams. The policy engine treats both as configuration errors and
// fails closed.
package catalog
