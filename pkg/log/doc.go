// Package log provides structured logging for the control plane using
// zerolog: a single global Logger initialized via Init, and
// component-scoped child loggers (WithComponent, WithSVM, WithRequestID,
// WithNodeID) used throughout pkg/arca, pkg/restapi, pkg/csi, and pkg/ha.
package log
