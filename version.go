package treasury

// Build information, injected with -ldflags at release time.
var (
	CurrentVersion = "0.1.0"
	CurrentBranch  = "main"
	CurrentCommit  = ""
	BuildDate      = ""
	GoVersion      = ""
	Platform       = ""
)
