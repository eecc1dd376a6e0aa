package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

// UserAgent identifies the proxy on outbound upstream calls.
func UserAgent() string {
	return "llm-intercept/" + Version
}
