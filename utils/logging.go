package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	logger "github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/types"
)

// InitLogger applies the logging section of the config to the global logger.
// When a log file is configured, entries up to FileLevel are additionally
// written there as JSON. The global level is the more verbose of both.
func InitLogger(cfg *types.Config) (io.Closer, error) {
	outputLevel := logger.InfoLevel
	if cfg.Logging.OutputLevel != "" {
		lvl, err := logger.ParseLevel(cfg.Logging.OutputLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid output log level: %w", err)
		}
		outputLevel = lvl
	}

	globalLevel := outputLevel
	if cfg.Logging.OutputStderr {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}

	var closer io.Closer
	if cfg.Logging.FilePath != "" {
		fileLevel := outputLevel
		if cfg.Logging.FileLevel != "" {
			lvl, err := logger.ParseLevel(cfg.Logging.FileLevel)
			if err != nil {
				return nil, fmt.Errorf("invalid file log level: %w", err)
			}
			fileLevel = lvl
		}

		file, err := os.OpenFile(cfg.Logging.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("error opening log file %v: %w", cfg.Logging.FilePath, err)
		}

		logger.AddHook(&fileHook{
			writer:    file,
			formatter: &logger.JSONFormatter{},
			levels:    logger.AllLevels[:fileLevel+1],
		})
		closer = file

		if fileLevel > globalLevel {
			globalLevel = fileLevel
		}
	}

	logger.SetLevel(globalLevel)
	return closer, nil
}

type fileHook struct {
	writer    io.Writer
	formatter logger.Formatter
	levels    []logger.Level
}

func (h *fileHook) Levels() []logger.Level {
	return h.levels
}

func (h *fileHook) Fire(entry *logger.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// LogFatal logs a fatal error with callstack info that skips callerSkip many levels with arbitrarily many additional infos.
// callerSkip equal to 0 gives you info directly where LogFatal is called.
func LogFatal(err error, errorMsg interface{}, callerSkip int, additionalInfos ...map[string]interface{}) {
	logErrorInfo(err, callerSkip, additionalInfos...).Fatal(errorMsg)
}

// LogError logs an error with callstack info that skips callerSkip many levels with arbitrarily many additional infos.
// callerSkip equal to 0 gives you info directly where LogError is called.
func LogError(err error, errorMsg interface{}, callerSkip int, additionalInfos ...map[string]interface{}) {
	logErrorInfo(err, callerSkip, additionalInfos...).Error(errorMsg)
}

func logErrorInfo(err error, callerSkip int, additionalInfos ...map[string]interface{}) *logger.Entry {
	entry := logger.NewEntry(logger.StandardLogger())

	if pc, fullFilePath, line, ok := runtime.Caller(callerSkip + 2); ok {
		entry = entry.WithFields(logger.Fields{
			"_file":     filepath.Base(fullFilePath),
			"_function": runtime.FuncForPC(pc).Name(),
			"_line":     line,
		})
	} else {
		entry = entry.WithField("runtime", "Callstack cannot be read")
	}

	// every wrapping layer gets its own field with the inner message cut out
	chain := []string{}
	for e := err; e != nil; e = errors.Unwrap(e) {
		chain = append(chain, e.Error())
	}
	for idx := 0; idx < len(chain)-1; idx++ {
		placeholder := fmt.Sprintf("~errInfo_%v~", idx+1)
		if idx == len(chain)-2 {
			placeholder = "~error~"
		}
		text := chain[idx]
		if pos := strings.LastIndex(text, chain[idx+1]); pos != -1 {
			text = text[:pos] + placeholder + text[pos+len(chain[idx+1]):]
		}
		entry = entry.WithField(fmt.Sprintf("errInfo_%v", idx), text)
	}

	if err != nil {
		entry = entry.WithField("errType", fmt.Sprintf("%T", err)).WithError(err)
	}

	for _, infoMap := range additionalInfos {
		entry = entry.WithFields(infoMap)
	}

	return entry
}
