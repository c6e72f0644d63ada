// Package rate throttles account-email actions (password recovery mail,
// verification resends) per address.
//
// # Backends
//
//   - [Local]: token buckets from golang.org/x/time/rate, one per address,
//     kept in a bounded LRU so an address spray cannot grow memory.
//   - [Redis]: fixed-window counters shared by every process using the same
//     Redis. INCR + EXPIRE on first hit, under the "aet:" key prefix with the
//     address hashed.
//
// # What this package must NOT do
//
//   - Decide what a throttled caller sees (the Engine owns disclosure policy).
//   - Be imported outside the authgate module.
package rate
