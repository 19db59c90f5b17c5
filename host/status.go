package host

// Status is a point-in-time view of a controller.
type Status struct {
	Name        string
	Handle      Handle
	CmdState    string
	DataState   string
	InFlight    string
	Queued      int
	Present     bool
	Tuned       bool
	Phase       int
	IOS         IOS
	Completed   uint64
	Failed      uint64
	BytesXfered uint64
}

// Snapshot returns the current status of the controller.
func (c *Controller) Snapshot() Status {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.status
}
