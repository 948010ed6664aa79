// Package mount provides health checking and repair operations for network
// share mountpoints.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - programmer errors, panics
//   - V(2): Production default - operation outcomes, state changes
//     Examples: "Unmounted /mnt/media (stage: force)", "Remounted /mnt/media"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//     Examples: "Checking sentinel file", "Sleeping 4s before retry"
//   - V(5): Trace level - command output, parsing details
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package mount
