// Package policy decides, for one intercepted message, whether it is allowed,
// allowed with an alert, or blocked.
//
// # Evaluation
//
// Evaluate reads a PolicySnapshot so a concurrent manifest apply is never seen
// half way. Then:
//
//  1. Keep enabled policies whose origin is the message origin or "either" and
//     whose method list is empty or contains the message method.
//  2. Order them by severity, 1 (critical) first. Ties keep store order.
//  3. A policy matches when all of its conditions hold. No conditions means it
//     always matches.
//  4. The first match wins. Its action decides: pass and redact allow with an
//     alert, block blocks. No action allows with an alert.
//  5. No match allows the message unchanged, without an alert.
//
// Only the winning policy produces an alert.
//
// # Fail closed
//
// A reference to a missing element, an element of the wrong type, an unknown
// class, invalid parameters, or a condition/action that errors at runtime all
// turn into a Block attributed to the policy, with Decision.Err wrapping
// ErrConfiguration. Disabled elements are not errors: a disabled condition is
// false and a disabled action behaves as no action.
//
// Check runs the same resolution over a snapshot without a message and is used
// to validate manifests before they are applied.
package policy
