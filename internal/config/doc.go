// Package config loads the daemon's YAML configuration tree: disc-set
// layout, account limits, housekeeping cadence, write-lock retry
// parameters, cipher selection, and the optional cloud-mirror disc.
//
// Precedence is file, then environment overrides (BACKUPSTORE_*), then
// any runtime overrides the caller applies directly to the struct
// before calling Validate.
package config
