// Package async implements the cooperative worker pool that runs every
// partition's background and realtime work: query forks, insert drains,
// segment refreshes, the cleaner. Each partition gets exactly one Loop;
// a Loop is only ever touched by the single worker goroutine it is
// assigned to, so partition state (grid, attributes, segments) needs no
// locking on the hot path.
package async
