package mcp

// Test helpers shared with the mcp_test package.
var (
	NewPipe         = newPipe
	WaitFor         = waitFor
	DiscardLogger   = discardLogger
	RunHelperServer = runHelperServer
)
