// Package config loads the run profile for cast-on-tenderly. Tunables such as
// the Chief address, the storage slot holding the hat and the timelock warp
// come from an optional YAML file; Tenderly credentials are read from the
// environment only and are never written to the profile.
package config
