package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger writes verbose protocol traces to a dedicated debug.log. Raw
// controller traffic is dumped as hex so that multibyte locale replies can be
// checked byte for byte.
type DebugLogger struct {
	w       io.WriteCloser
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // empty = log all
	now     func() time.Time
}

var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Protocol names used by the packages of this module.
var knownProtocols = []string{
	"erc",
	"monitor",
	"mqtt",
	"kafka",
	"valkey",
	"api",
	"tui",
	"ssh",
	"push",
	"trigger",
	"debug",
}

// Selecting one of these also enables the listed protocols.
var relatedProtocols = map[string][]string{
	"erc":     {"monitor"},
	"monitor": {"erc"},
}

// KnownProtocols returns the protocol names accepted by SetFilter.
func KnownProtocols() []string {
	return append([]string(nil), knownProtocols...)
}

// NewDebugLogger creates a debug logger at path, truncating any previous
// session's log.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	return newDebugLogger(file, time.Now), nil
}

func newDebugLogger(w io.WriteCloser, now func() time.Time) *DebugLogger {
	l := &DebugLogger{
		w:       w,
		filters: make(map[string]bool),
		now:     now,
	}
	l.Log("DEBUG", "Debug logging started - %s", now().Format(time.RFC3339))
	l.Log("DEBUG", "========================================")
	return l
}

// SetFilter restricts logging to a comma-separated list of protocols.
// Empty means log everything. Matching is case-insensitive.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	if filter == "" {
		return
	}

	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		for _, rel := range relatedProtocols[p] {
			l.filters[rel] = true
		}
	}

	if len(l.filters) > 0 {
		list := make([]string, 0, len(l.filters))
		for p := range l.filters {
			list = append(list, p)
		}
		fmt.Fprintf(l.w, "%s [DEBUG] Filtering enabled for protocols: %s\n",
			l.stamp(), strings.Join(list, ", "))
	}
}

// shouldLog must be called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if len(l.filters) == 0 {
		return true
	}
	p := strings.ToLower(protocol)
	return l.filters[p] || p == "debug"
}

func (l *DebugLogger) stamp() string {
	return l.now().Format("2006-01-02 15:04:05.000")
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and protocol prefix.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s\n", l.stamp(), protocol, fmt.Sprintf(format, args...))
}

// LogTX logs bytes written to a controller.
func (l *DebugLogger) LogTX(protocol string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(protocol, "TX", data)
}

// LogRX logs a reply line read from a controller.
func (l *DebugLogger) LogRX(protocol string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(protocol, "RX", data)
}

func (l *DebugLogger) logPacket(protocol, direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}
	fmt.Fprintf(l.w, "%s [%s] %s (%d bytes):\n%s\n", l.stamp(), protocol, direction, len(data), hexDump(data))
}

// LogConnect logs a connection attempt.
func (l *DebugLogger) LogConnect(protocol, address string) {
	l.Log(protocol, "CONNECT to %s", address)
}

// LogConnectSuccess logs a successful connection.
func (l *DebugLogger) LogConnectSuccess(protocol, address, details string) {
	l.Log(protocol, "CONNECTED to %s - %s", address, details)
}

// LogConnectError logs a connection failure.
func (l *DebugLogger) LogConnectError(protocol, address string, err error) {
	l.Log(protocol, "CONNECT FAILED to %s: %v", address, err)
}

// LogDisconnect logs a disconnection.
func (l *DebugLogger) LogDisconnect(protocol, address, reason string) {
	l.Log(protocol, "DISCONNECT from %s: %s", address, reason)
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(protocol, context string, err error) {
	l.Log(protocol, "ERROR in %s: %v", context, err)
}

// Close writes the footer and closes the log.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	fmt.Fprintf(l.w, "%s [DEBUG] Debug logging ended\n", l.stamp())
	return l.w.Close()
}

// hexDump formats data as offset, sixteen hex bytes and printable ASCII:
//
//	0000: 24 47 65 74 53 74 61 74  75 73 0D 0A              $GetStatus..
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for i := 0; i < 16 && offset+i < len(data); i++ {
			b := data[offset+i]
			if b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(protocol, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(protocol, format, args...)
	}
}

// DebugTX logs transmitted data if debug logging is enabled.
func DebugTX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogTX(protocol, data)
	}
}

// DebugRX logs received data if debug logging is enabled.
func DebugRX(protocol string, data []byte) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogRX(protocol, data)
	}
}

// DebugConnect logs a connection attempt if debug logging is enabled.
func DebugConnect(protocol, address string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(protocol, address)
	}
}

// DebugConnectSuccess logs a successful connection if debug logging is enabled.
func DebugConnectSuccess(protocol, address, details string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectSuccess(protocol, address, details)
	}
}

// DebugConnectError logs a connection error if debug logging is enabled.
func DebugConnectError(protocol, address string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(protocol, address, err)
	}
}

// DebugDisconnect logs a disconnection if debug logging is enabled.
func DebugDisconnect(protocol, address, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(protocol, address, reason)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(protocol, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(protocol, context, err)
	}
}
