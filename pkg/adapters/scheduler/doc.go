// Package scheduler provides worker service registries and schedulers.
//
// Implementations:
//   - redis: worker services register and heartbeat into Redis; the
//     scheduler matches them against provider and region requirements
package scheduler
