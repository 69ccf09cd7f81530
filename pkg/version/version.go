// pkg/version/version.go - build version information for ztsetup.

package version

import "fmt"

// These values are private which ensures they can only be set with the build flags.
var (
	version   = "unknown"
	revision  = "unknown"
	buildDate = "unknown"
)

// Info is a structure with version build information about the current application.
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	BuildDate string `json:"build_date"`
}

// Version returns a structure with the current version information.
func Version() Info {
	return Info{
		Version:   version,
		Revision:  revision,
		BuildDate: buildDate,
	}
}

// Print outputs the application name and version string.
func Print() {
	v := Version()
	fmt.Printf("ztsetup %s (%s, built %s)\n", v.Version, v.Revision, v.BuildDate)
}
