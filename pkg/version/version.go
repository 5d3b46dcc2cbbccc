package version

import (
	"fmt"
	"os"
	"strings"
)

// Version is updated automatically as part of the build process
//
// DO NOT EDIT
var Version = undefinedVersion

const undefinedVersion = "undefined"

func init() {
	// Use `$SERVING_LAYER_VERSION_OVERRIDE` as the version only if the
	// version wasn't set at link time to minimize the chance of using it
	// unintentionally. This mechanism allows the version to be bound at
	// container build time instead of at executable link time to improve
	// incremental rebuild efficiency.
	if Version == undefinedVersion {
		override := os.Getenv("SERVING_LAYER_VERSION_OVERRIDE")
		if override != "" {
			Version = override
		}
	}
}

// Match validates that two version strings refer to the same release.
// Versions carry an optional channel prefix ("edge-25.8.1"); a bare
// version matches regardless of channel.
func Match(expected, actual string) error {
	if expected == actual {
		return nil
	}

	expectedVersion := stripChannel(expected)
	actualVersion := stripChannel(actual)
	if expectedVersion == actualVersion {
		return nil
	}

	return fmt.Errorf("is running version %s but the latest version is %s",
		actualVersion, expectedVersion)
}

func stripChannel(version string) string {
	if parts := strings.SplitN(version, "-", 2); len(parts) == 2 {
		return parts[1]
	}
	return version
}
