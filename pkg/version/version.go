// Package version identifies the running build in logs and protocol
// handshakes.
package version

import (
	"runtime/debug"
	"sync"
)

// commit can be injected with -ldflags "-X .../version.commit=<sha>"
// for container builds that strip VCS metadata.
var commit string

// Full returns the build identifier as "colony/<revision>".
func Full() string {
	return "colony/" + Revision()
}

// Revision resolves the short (8 character) git revision once: the
// ldflags injection wins, then vcs.revision from build info, then
// "dev" for builds with neither.
var Revision = sync.OnceValue(func() string {
	rev := commit
	if rev == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					rev = s.Value
					break
				}
			}
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	return rev
})
