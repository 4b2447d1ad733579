// Package config provides XDG-style path management for eisen-core's
// persisted state and loading of the optional zone-policy file.
//
// # Path Management
//
// GetPaths returns the standard Data/Config/Cache/State directories,
// honoring XDG_DATA_HOME, XDG_CONFIG_HOME, XDG_CACHE_HOME, and
// XDG_STATE_HOME overrides. The session registry document lives at
// Paths.SessionRegistryPath(), under Data.
//
// # Zone Policy File
//
// A workspace may check in a .eisen-core/zones.jsonc file alongside
// --zone/--deny CLI flags. LoadZoneFile tolerates comments (using
// tidwall/jsonc) and a missing file is not an error — it simply
// contributes no globs.
package config
