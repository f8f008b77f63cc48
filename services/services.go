package services

import "context"

// Service is a long-running part of the server, like the web server or the
// websocket hub, that app.App supervises.
type Service interface {
	// Run blocks until the given context.Context is done and then shuts the
	// service down.
	Run(ctx context.Context) error
}
