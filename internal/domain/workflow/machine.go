package workflow

// Machine tracks one request's state through a Lifecycle
type Machine struct {
	lifecycle *Lifecycle
	state     State
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Fire applies trigger. On error the state is unchanged.
func (m *Machine) Fire(trigger Trigger) error {
	next, err := m.lifecycle.Next(m.state, trigger)
	if err != nil {
		return err
	}
	m.state = next
	return nil
}
