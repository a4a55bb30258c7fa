package telemetry

// Sink receives records in emission order.
type Sink interface {
	Emit(Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record)

func (f SinkFunc) Emit(r Record) { f(r) }

// Emit stores r. It makes *Store a Sink.
func (s *Store) Emit(r Record) { s.Put(r) }

// Tee fans one record out to several sinks, in order.
type Tee []Sink

func (t Tee) Emit(r Record) {
	for _, s := range t {
		s.Emit(r)
	}
}
