package resolver

// NewDefaultHandler returns the LaunchServices query.
func NewDefaultHandler() DefaultHandler {
	return LaunchServicesHandler{}
}
