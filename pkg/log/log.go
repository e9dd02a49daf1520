// Package log builds the structured logger every orchestrator component
// receives as a *logrus.Entry, carrying build metadata as fields.
package log

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/clara-ai/clarad/pkg/config"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a new logger. Unlike a TUI frontend, clarad has no
// screen to keep clean, so even the production logger writes structured
// JSON lines to stderr; a debug build (or DEBUG=TRUE) additionally appends
// every entry to clarad.log under the config directory for post-mortem
// inspection. The file is not rotated.
func NewLogger(cfg *config.AppConfig) *logrus.Entry {
	log := logrus.New()
	log.Formatter = &logrus.JSONFormatter{}
	log.SetLevel(getLogLevel(cfg.Debug))
	log.Out = os.Stderr

	if cfg.Debug || os.Getenv("DEBUG") == "TRUE" {
		if file, err := os.OpenFile(filepath.Join(cfg.ConfigDir, "clarad.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666); err != nil {
			fmt.Fprintln(os.Stderr, "unable to log to file:", err)
		} else {
			log.AddHook(&fileHook{file: file, formatter: &logrus.JSONFormatter{}})
		}
	}

	return log.WithFields(logrus.Fields{
		"debug":     cfg.Debug,
		"version":   cfg.Version,
		"commit":    cfg.Commit,
		"buildDate": cfg.BuildDate,
	})
}

func getLogLevel(debug bool) logrus.Level {
	if strLevel := os.Getenv("LOG_LEVEL"); strLevel != "" {
		if level, err := logrus.ParseLevel(strLevel); err == nil {
			return level
		}
	}
	if debug {
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

// fileHook duplicates every log entry to a file, used only in debug mode.
type fileHook struct {
	file      *os.File
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}
