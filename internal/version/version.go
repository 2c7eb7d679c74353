package version

const (
	AppName    = "Coachline"
	AppVersion = "0.3.1"
)
