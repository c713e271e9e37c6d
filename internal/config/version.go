package config

import "fmt"

// CurrentVersion is the configuration schema version this build reads.
const CurrentVersion = 1

// VersionError reports a config file written for another schema version.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (current: %d)", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not supported (current: %d)", e.Version, e.Current)
}

// ValidateVersion ensures the provided config version is supported.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
