/*
Package protocol implements the binary control protocol spoken between a
game-server worker and the supervisor.

Every message is a frame: a 2-byte little-endian length followed by that
many payload bytes. The first payload byte is the message type.

Worker to supervisor:

	0x40 announce            control port the worker was launched for
	0x41 closed              worker is going away
	0x42 status              periodic state report, 54 bytes plus optional player block
	0x43 long frame          a server frame overran its budget
	0x44 lobby created       match id, map, name, mode
	0x45 lobby closed
	0x46-0x48                cow in use, server connection, cow stats (recognised, ignored)
	0x49 cow fork response   forked pid
	0x4A replay update       replay upload progress

Supervisor to worker:

	0x20 sleep
	0x21 wake
	0x22 shutdown
	'$'  chat message to every connected client

Decoding is forgiving. A length field that disagrees with the bytes
received, a payload shorter than its type requires or an unknown type
yields an *Anomaly next to whatever could be decoded; callers log it and
keep the session open.
*/
package protocol
