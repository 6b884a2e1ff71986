package config

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// WatchLogLevel watches the env file and applies LOG_LEVEL changes to the
// logger without a restart. Returns a stop function. Only the log level is
// hot-reloadable; everything else requires a restart.
func WatchLogLevel(envPath string, logger *logrus.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace the file on save, which drops the
	// watch on the file itself.
	dir := filepath.Dir(envPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(envPath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				applyLogLevel(envPath, logger)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Config watcher error")
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

func applyLogLevel(envPath string, logger *logrus.Logger) {
	vars, err := godotenv.Read(envPath)
	if err != nil {
		logger.WithError(err).Warn("Failed to re-read env file")
		return
	}
	raw, ok := vars["LOG_LEVEL"]
	if !ok {
		return
	}
	level, err := logrus.ParseLevel(strings.ToLower(raw))
	if err != nil {
		logger.WithField("value", raw).Warn("Ignoring invalid LOG_LEVEL")
		return
	}
	if logger.GetLevel() != level {
		logger.SetLevel(level)
		logger.WithField("level", level).Info("Log level updated from config file")
	}
}
