// Package dedupe suppresses repeated keys inside a time window. The alert
// pipeline uses it so one misbehaving session cannot flood the sinks.
package dedupe
