// Package cluster holds the authoritative in-memory cluster state and
// serializes every change to it.
//
// Callers submit UpdateTasks to a Service. A single processor goroutine takes
// them in priority order (FIFO within a priority), applies each to the
// current ClusterState and, when the state changed, commits the result and
// notifies listeners before the next task starts. Listeners are called in a
// fixed order: the first bucket, the normal bucket, the last bucket, pending
// timeout listeners, and finally local-master listeners when the local node
// gained or lost the master role.
package cluster
