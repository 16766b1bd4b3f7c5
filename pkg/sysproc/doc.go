// Package sysproc wraps the host operating system facilities the
// supervisor needs: spawning detached worker processes, reading the
// process table, probing free memory and disk, and changing scheduling
// priority.
//
// On Linux the process table and meminfo come from procfs. Other
// platforms fall back to a liveness probe and report ErrUnsupported for
// queries they cannot answer; callers treat that as "unknown" and carry on.
package sysproc
