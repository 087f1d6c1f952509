package resolver

// NewDefaultHandler returns the xdg-settings query.
func NewDefaultHandler() DefaultHandler {
	return XDGHandler{}
}
