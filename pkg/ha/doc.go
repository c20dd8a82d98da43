// Package ha defines the ResourceHost contract the control plane uses to
// place, move, and tear down per-SVM resource groups on the two-node HA
// cluster, plus RaftResourceHost, the hashicorp/raft-backed
// implementation. pkg/ha/fake provides an in-memory ResourceHost for
// tests that exercise pkg/arca without a real Raft cluster.
package ha
