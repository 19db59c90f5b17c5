package host

// cardDetect reacts to a change of the card-detect state.
func (m *eventMiddleware) cardDetect() bool {
	present := m.present.Load()
	if present == m.lastPresent {
		return false
	}

	m.lastPresent = present

	m.lock.Lock()
	m.status.Present = present
	m.lock.Unlock()

	if present {
		m.logf("card inserted")
		m.needInit = true

		return true
	}

	m.logf("card removed")
	m.removeCard()

	return true
}

// removeCard force-completes everything the card was going to serve and
// brings the controller back to a quiet state.
func (m *eventMiddleware) removeCard() {
	if t := m.cur; t != nil {
		m.failInFlight(t, ErrNoMedium)
		m.stopData(t)
		m.complete(t)
	}

	m.drainQueues(ErrNoMedium, true)

	if clocks, err := m.gov.AcquireAll(); err == nil {
		if m.dma != nil {
			if err := m.dma.Teardown(); err != nil {
				m.logf("DMA teardown: %v", err)
			}
		}

		m.resetFIFO()
		m.resetCIU()
		clocks.Release()
	}

	m.gov.Quiesce()
	m.tuner.Invalidate()
}
