package logging

// DiscardLogger drops every message. Fatalf still calls the handler so that
// tests observe fatal transitions without log noise.
type DiscardLogger struct {
	OnFatal FatalHandler
}

// Discard is the shared discard logger.
var Discard Logger = &DiscardLogger{}

func (l *DiscardLogger) Errorf(format string, args ...any) {}
func (l *DiscardLogger) Warnf(format string, args ...any)  {}
func (l *DiscardLogger) Infof(format string, args ...any)  {}
func (l *DiscardLogger) Debugf(format string, args ...any) {}

// Fatalf implements Logger.
func (l *DiscardLogger) Fatalf(format string, args ...any) {
	if l.OnFatal != nil {
		l.OnFatal(format)
	}
}
