package version

import "fmt"

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = StarksyncSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// StarksyncSemVer is the current version of starksync.
	// It's the Semantic Version of the software.
	// Must be a string because scripts like dist.sh read this file.
	// XXX: Don't change the name of this variable or you will break
	// automation :)
	StarksyncSemVer = "0.4.0"

	// ProtocolSemVer is the newest block protocol version the importer knows
	// how to validate.
	ProtocolSemVer = "0.13.1"
)

// UserAgent is sent with every upstream request.
func UserAgent() string {
	return fmt.Sprintf("starksync/%s", Version)
}
