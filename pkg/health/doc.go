// Package health implements HTTP, TCP, and exec health checkers used to
// probe the liveness of SVM-scoped NFS daemons and the REST Server's
// own listener, and the Status bookkeeping (consecutive failures,
// start-period grace) that turns a stream of Results into a single
// Healthy/Unhealthy verdict.
package health
