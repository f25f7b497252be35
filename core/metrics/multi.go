package metrics

// MultiSink fans events out to several sinks. Optional recorder events only
// reach the sinks implementing them.
type MultiSink struct {
	Sinks []Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordStep forwards the event to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordStep(ev StepEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordStep(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordTransportError forwards transport failures.
func (m *MultiSink) RecordTransportError(ev TransportErrorEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(TransportErrorRecorder); ok {
			if err := rec.RecordTransportError(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordResourceStates forwards resource snapshots.
func (m *MultiSink) RecordResourceStates(ev ResourceStateEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(ResourceStateRecorder); ok {
			if err := rec.RecordResourceStates(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the sinks that hold connections.
func (m *MultiSink) Close() {
	for _, s := range m.Sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
