package sockchan

// Metrics receives per-channel lifecycle counts. Calls are made from the
// connection's loop; implementations shared across connections must be
// safe for concurrent use.
type Metrics interface {
	// Installed is called when a session has been installed on a channel.
	Installed()
	// Buffered is called with the number of inbound units replayed at install.
	Buffered(n int)
	// Delivered is called for each message handed to a session.
	Delivered()
	// Failed is called once per channel with the termination cause.
	Failed(cause error)
}

type nopMetrics struct{}

func (nopMetrics) Installed()   {}
func (nopMetrics) Buffered(int) {}
func (nopMetrics) Delivered()   {}
func (nopMetrics) Failed(error) {}
