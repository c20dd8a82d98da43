// Package events is an in-memory pub/sub broker for control-plane
// lifecycle events: SVM, Volume, Export, and Snapshot create/delete, and
// HA group failover. It broadcasts to every subscriber over a buffered
// channel and never waits on a subscriber — a subscriber with a full
// buffer simply misses events until it drains.
//
// The orchestrator publishes one event per completed SVM, volume,
// export or snapshot operation; directory and quota operations publish
// none, and nothing in the orchestrator publishes HA group failover; audit
// logging, external notification, or CLI-watch style consumers
// subscribe independently and in any number.
package events
