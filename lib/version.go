// Package lib the build information of esmgraph
package lib

// Banner the banner
const Banner = `
                                               __
  ____   ______ _____    ____ _______ _____  _|  |__
_/ __ \ /  ___//     \  / ___\\_  __ \\__  \ \   __ \
\  ___/ \___ \|  Y Y  \/ /_/  >|  | \/ / __ \_|  |_> >
 \___  >____  >__|_|  /\___  / |__|   (____  /|   __/
     \/     \/      \//_____/              \/ |__|
`

var (
	// Version is the current version.
	Version = "(untracked)"
	// CommitSHA is the commit sha.
	CommitSHA = "(unknown)"
)
