// Package notifier delivers operator messages about service status changes.
//
// Messages go through a bounded queue drained by a small worker pool. Each
// send waits on a token bucket, failed sends are retried with jittered
// exponential backoff, and identical messages on the same channel are
// suppressed for a dedup window. The window survives restarts when a
// storage.Store is attached.
//
// Delivery itself is delegated to a transport.Sender (Telegram in practice).
package notifier
