package versions

import "github.com/Masterminds/semver/v3"

// WrittenByNewer reports whether a file stamped with recorded came from a
// newer release than the running binary. Development builds, unstamped
// files and stamps that are not semver never compare as newer.
func WrittenByNewer(recorded string) bool {
	if recorded == "" || recorded == devVersion || Version == devVersion {
		return false
	}
	stamp, err := semver.NewVersion(recorded)
	if err != nil {
		return false
	}
	running, err := semver.NewVersion(Version)
	if err != nil {
		return false
	}
	return stamp.GreaterThan(running)
}
