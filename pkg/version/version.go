package version

var (
	Version   = "0.0.0-dev"
	GitCommit = "HEAD"
)

func FriendlyVersion() string {
	return Version + " (" + GitCommit + ")"
}
