package otau

import (
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/mgutz/logxi/v1"

	"github.com/thristram/go-gaia-otau/gaia"
)

// Logger interface for upgrade protocol logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// FileLogger writes logs to a file
type FileLogger struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileLogger creates a logger that writes to a file
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: file}, nil
}

func (l *FileLogger) log(level, format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "[%s] %s: %s\n", timestamp, level, msg)
}

func (l *FileLogger) Debug(format string, args ...interface{}) {
	l.log("DEBUG", format, args...)
}

func (l *FileLogger) Info(format string, args ...interface{}) {
	l.log("INFO", format, args...)
}

func (l *FileLogger) Error(format string, args ...interface{}) {
	l.log("ERROR", format, args...)
}

func (l *FileLogger) Close() error {
	if l != nil && l.file != nil {
		return l.file.Close()
	}
	return nil
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// LogxiLogger forwards to a named logxi logger. Level filtering follows the
// LOGXI environment variable.
type LogxiLogger struct {
	l log.Logger
}

// NewLogxiLogger creates a logger named after the component, e.g. "device".
func NewLogxiLogger(name string) *LogxiLogger {
	return &LogxiLogger{l: log.New(name)}
}

func (l *LogxiLogger) Debug(format string, args ...interface{}) {
	if l.l.IsDebug() {
		l.l.Debug(fmt.Sprintf(format, args...))
	}
}

func (l *LogxiLogger) Info(format string, args ...interface{}) {
	if l.l.IsInfo() {
		l.l.Info(fmt.Sprintf(format, args...))
	}
}

func (l *LogxiLogger) Error(format string, args ...interface{}) {
	l.l.Error(fmt.Sprintf(format, args...))
}

// FormatMessageLog formats an upgrade message for logging, truncating long
// payloads.
func FormatMessageLog(direction string, m Message) string {
	msg := m.Opcode.String()
	if direction != "" {
		msg = direction + " " + msg
	}
	if len(m.Payload) > 0 {
		p := m.Payload
		if len(p) > 32 {
			return msg + fmt.Sprintf(" len=%d payload=[% X]...[truncated]", len(m.Payload), p[:32])
		}
		msg += fmt.Sprintf(" len=%d payload=[% X]", len(p), p)
	}
	return msg
}

// LoggingLink wraps a link and logs every packet sent
type LoggingLink struct {
	Link
	logger Logger
	name   string
}

// NewLoggingLink wraps link.
func NewLoggingLink(link Link, logger Logger, name string) *LoggingLink {
	return &LoggingLink{Link: link, logger: logger, name: name}
}

func (ll *LoggingLink) Send(packet []byte) error {
	err := ll.Link.Send(packet)
	if ll.logger != nil {
		ll.logger.Debug("%s: %s", ll.name, gaia.FormatFrame("TX", packet))
		if err != nil {
			ll.logger.Error("%s: send error: %v", ll.name, err)
		}
	}
	return err
}

// ReadPacket forwards to the wrapped link when it can read.
func (ll *LoggingLink) ReadPacket() ([]byte, error) {
	r, ok := ll.Link.(PacketReader)
	if !ok {
		return nil, ErrClosed
	}
	p, err := r.ReadPacket()
	if ll.logger != nil {
		if err != nil {
			ll.logger.Debug("%s: read: %v", ll.name, err)
		} else {
			ll.logger.Debug("%s: %s", ll.name, gaia.FormatFrame("RX", p))
		}
	}
	return p, err
}
