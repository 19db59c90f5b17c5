package host

// cmdMiddleware runs the command pipeline.
type cmdMiddleware struct {
	*Controller
}

func (m *cmdMiddleware) Tick() bool {
	switch m.cmdState {
	case StateSendingCommand:
		return m.sendingCommand()
	case StateSendingStop:
		return m.sendingStop()
	default:
		return false
	}
}

func (m *cmdMiddleware) sendingCommand() bool {
	if !m.events.TestAndClear(EventCmdComplete) {
		return false
	}

	t := m.cur
	req := t.req
	cmd := t.cmd

	m.commandComplete(cmd)

	if cmd == req.SBC && cmd.Err == nil {
		m.issue(t, req.Cmd)
		return true
	}

	if cmd.Err != nil && m.shouldRetry(t, cmd) {
		t.retries++
		cmd.Retries++
		m.logf("%s: retrying %s (%d): %v", req.ID, cmd, t.retries, cmd.Err)

		if cmd == req.Cmd && req.Data != nil {
			m.stopData(t)
		}
		cmd.Err = nil
		m.issue(t, cmd)

		return true
	}

	if cmd.Err != nil && cmd == req.Cmd && req.Data != nil {
		// The data phase never started but the card may hold the bus.
		m.stopData(t)
		m.resetFIFO()
		m.resetCIU()

		if m.sendStop(t) {
			m.setCmdState(StateSendingStop)
		} else {
			m.complete(t)
		}

		return true
	}

	if req.Data == nil || cmd.Err != nil {
		m.complete(t)
		return true
	}

	m.setCmdState(StateIdle)
	m.setDataState(StateSendingData)

	return true
}

func (m *cmdMiddleware) sendingStop() bool {
	if !m.events.TestAndClear(EventCmdComplete) {
		return false
	}

	t := m.cur
	stop := t.cmd
	m.commandComplete(stop)

	if stop != t.req.Stop && stop.Err != nil {
		m.logf("%s: abort %s failed: %v", t.req.ID, stop, stop.Err)
	}

	m.complete(t)

	return true
}
