// Package logging adapts the teacher's leveled-logging convention
// ([LEVEL]-prefixed *log.Logger lines, optional syslog forwarding) to
// smtpkit's engines, grounded on abligh-goms/smtpd/logging.go.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/syslog"
	"os"
	"regexp"
)

// Config controls how NewLogger builds a *log.Logger: either to a file,
// to syslog, or (the zero value) to stderr, matching
// abligh-goms/smtpd/logging.go's Config.GetLogger three-way branch.
type Config struct {
	File           string
	FileMode       string
	SyslogFacility string
	Date           bool
	Time           bool
	Microseconds   bool
	UTC            bool
	SourceFile     bool
}

// Prefix is the log.Logger prefix smtpkit writes, in place of the
// teacher's "goms:".
const Prefix = "smtpkit:"

// NewLogger builds a *log.Logger per cfg, returning an io.Closer for
// the backing file or syslog connection when one was opened.
func NewLogger(cfg Config) (*log.Logger, io.Closer, error) {
	flags := 0
	if cfg.Date {
		flags |= log.Ldate
	}
	if cfg.Time {
		flags |= log.Ltime
	}
	if cfg.Microseconds {
		flags |= log.Lmicroseconds
	}
	if cfg.UTC {
		flags |= log.LUTC
	}
	if cfg.SourceFile {
		flags |= log.Lshortfile
	}

	if cfg.File != "" {
		mode := os.FileMode(0644)
		if cfg.FileMode != "" {
			var parsed int64
			if _, err := fmt.Sscanf(cfg.FileMode, "%o", &parsed); err != nil {
				return nil, nil, fmt.Errorf("logging: parsing file mode %q: %w", cfg.FileMode, err)
			}
			mode = os.FileMode(parsed)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
		if err != nil {
			return nil, nil, err
		}
		return log.New(f, Prefix, flags), f, nil
	}

	if cfg.SyslogFacility != "" {
		w, err := NewSyslogWriter(cfg.SyslogFacility)
		if err != nil {
			return nil, nil, err
		}
		return log.New(w, Prefix, flags), w, nil
	}

	return log.New(os.Stderr, Prefix, flags), nil, nil
}

// SyslogWriter is an io.WriteCloser that forwards *log.Logger lines to
// syslog at the level encoded in the line's "[LEVEL] " prefix.
type SyslogWriter struct {
	w *syslog.Writer
}

var facilityMap = map[string]syslog.Priority{
	"kern": syslog.LOG_KERN, "user": syslog.LOG_USER, "mail": syslog.LOG_MAIL,
	"daemon": syslog.LOG_DAEMON, "auth": syslog.LOG_AUTH, "syslog": syslog.LOG_SYSLOG,
	"lpr": syslog.LOG_LPR, "news": syslog.LOG_NEWS, "uucp": syslog.LOG_UUCP,
	"cron": syslog.LOG_CRON, "authpriv": syslog.LOG_AUTHPRIV, "ftp": syslog.LOG_FTP,
	"local0": syslog.LOG_LOCAL0, "local1": syslog.LOG_LOCAL1, "local2": syslog.LOG_LOCAL2,
	"local3": syslog.LOG_LOCAL3, "local4": syslog.LOG_LOCAL4, "local5": syslog.LOG_LOCAL5,
	"local6": syslog.LOG_LOCAL6, "local7": syslog.LOG_LOCAL7,
}

// NewSyslogWriter opens a syslog connection at the named facility
// (falling back to LOG_DAEMON for an unrecognised name).
func NewSyslogWriter(facility string) (*SyslogWriter, error) {
	f := syslog.LOG_DAEMON
	if ff, ok := facilityMap[facility]; ok {
		f = ff
	}
	w, err := syslog.New(f|syslog.LOG_INFO, "smtpkit")
	if err != nil {
		return nil, err
	}
	return &SyslogWriter{w: w}, nil
}

// Close closes the underlying syslog connection.
func (s *SyslogWriter) Close() error { return s.w.Close() }

var deletePrefix = regexp.MustCompile(Prefix)
var levelTag = regexp.MustCompile(`\[[A-Z]+\] `)

// Write strips the "[LEVEL] " tag from p and forwards the remainder to
// syslog at the corresponding priority, defaulting to Notice.
func (s *SyslogWriter) Write(p []byte) (int, error) {
	stripped := deletePrefix.ReplaceAllString(string(p), "")
	level := ""
	message := levelTag.ReplaceAllStringFunc(stripped, func(tag string) string {
		level = tag
		return ""
	})
	switch level {
	case "[DEBUG] ":
		s.w.Debug(message)
	case "[INFO] ":
		s.w.Info(message)
	case "[NOTICE] ":
		s.w.Notice(message)
	case "[WARNING] ", "[WARN] ":
		s.w.Warning(message)
	case "[ERROR] ", "[ERR] ":
		s.w.Err(message)
	case "[CRIT] ":
		s.w.Crit(message)
	case "[ALERT] ":
		s.w.Alert(message)
	case "[EMERG] ":
		s.w.Emerg(message)
	default:
		s.w.Notice(message)
	}
	return len(p), nil
}
