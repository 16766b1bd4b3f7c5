/*
Package types defines the data structures shared by the supervisor's
packages: worker identity and lifecycle phase, command targets, decoded
game data (players, match info), status snapshots and the records kept
in the state database.

A WorkerID is the offset of a worker's control port from the configured
base port, so slot 3 with base port 11235 always listens on 11238 no
matter how many times its process has been restarted:

	id := types.WorkerIDFromPort(11238, 11235) // 3
	port := id.Port(11235)                      // 11238

Targets address one worker or the whole fleet and are parsed from the
forms used by operators:

	types.ParseTarget("all") // every worker
	types.ParseTarget("3")   // worker 3
*/
package types
