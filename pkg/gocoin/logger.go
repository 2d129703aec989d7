package gocoin

// Field is a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Err wraps an error as the conventional "error" field
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is the structured logger used by the engine and its adapters
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)

	// Warn is used for dropped events and rejected requests
	Warn(msg string, fields ...Field)

	// Error is used for failed compensations and broken invariants
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
