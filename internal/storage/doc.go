// Package storage persists the small amount of state servicedeck keeps
// across restarts:
//   - an append-only audit log of control actions
//   - the last observed status per service or unit (for transition detection)
//   - notifier dedup deadlines
package storage
