// Package upstream declares the contracts of the services the supervisor
// talks to beyond its own host: the master directory (login, replay
// uploads, build versions) and the chat service control channel.
//
// Their wire protocols live elsewhere. This package only carries the
// request/response shapes, Forward which turns chat-service pushes into
// bus events, and HTTPVersion, a plain-text version endpoint client used
// by the patch and self-update health tasks.
package upstream
