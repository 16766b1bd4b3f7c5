// Package control is the command surface offered to consoles, the HTTP
// layer and tests. It never touches a worker: each call emits the matching
// event on the bus and hands back the dispatch so callers can wait for
// the fleet manager to act on it.
package control
