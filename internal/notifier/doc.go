// Package notifier delivers execution results to operators.
//
// Notify never blocks on the network. Each message is queued once per
// configured channel (Telegram, email) and sent by a small worker pool with a
// shared token-bucket rate limit, bounded retries and optional duplicate
// suppression.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recent deliveries and failures.
package notifier
