package session

import "context"

// Driver is the boundary to the browser engine a session drives. The
// production driver speaks devtools over the engine's websocket; tests
// substitute fakes that feed lifecycle events straight back in.
type Driver interface {
	// Navigate points a tab at a URL
	Navigate(ctx context.Context, tabID int64, url string) error
	// Reload re-navigates a tab to its current URL
	Reload(ctx context.Context, tabID int64) error
	// Close tears down the driver connection
	Close() error
}

// noopDriver is used when sessions run without a live engine: commands are
// recorded and navigation state is driven entirely by ingested events.
type noopDriver struct{}

func (noopDriver) Navigate(ctx context.Context, tabID int64, url string) error { return nil }
func (noopDriver) Reload(ctx context.Context, tabID int64) error               { return nil }
func (noopDriver) Close() error                                                { return nil }
