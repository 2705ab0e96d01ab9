package commands

// Flags are the global flags shared by every command.
type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
}
