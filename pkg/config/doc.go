// Package config loads the supervisor configuration from a YAML file and
// builds worker launch arguments from it.
//
// Load starts from Default and overlays the file, so a config only needs
// the keys it changes. Command-line flags are applied by the caller after
// Load returns.
//
//	listen_addr: 127.0.0.1:1134
//	base_port: 11235
//	worker_count: 8
//	start_concurrency: 2
//	worker:
//	  executable: /opt/game/hon_x64
//	  settings:
//	    svr_name: "EU 1"
//	  overrides:
//	    3:
//	      svr_name: "EU 1 practice"
//
// WorkerSettings merges base settings, per-worker overrides and the
// computed port settings; ArgBuilder turns the result into an argv.
package config
