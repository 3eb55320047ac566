// Package dedupe provides a bounded seen-set used to suppress redelivered
// channel messages. The set keeps the most recent N keys and evicts the
// oldest first.
package dedupe
