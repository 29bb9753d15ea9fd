package bluetooth

// ConnectionState represents the GATT link state reported by the platform
type ConnectionState string

const (
	// ConnectionStateDisconnected - no link, or the link was torn down
	ConnectionStateDisconnected ConnectionState = "Disconnected"
	// ConnectionStateConnecting - a connect was requested and the platform has not answered yet
	ConnectionStateConnecting ConnectionState = "Connecting"
	// ConnectionStateConnected - link established, services may be discovered
	ConnectionStateConnected ConnectionState = "Connected"
	// ConnectionStateDisconnecting - a disconnect was requested
	ConnectionStateDisconnecting ConnectionState = "Disconnecting"
)
