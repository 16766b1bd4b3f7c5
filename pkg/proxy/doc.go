// Package proxy manages the per-worker voice proxy sidecar.
//
// The sidecar forwards a worker's public game and voice ports to its local
// ones. It only exists for Windows hosts; on other platforms Start returns
// ErrUnsupportedPlatform and the worker carries on without proxying.
//
// The sidecar's PID and command line are stored so that a restarted
// supervisor adopts the running sidecar instead of launching a duplicate.
package proxy
