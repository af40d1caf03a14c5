package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type logger struct {
	out  *logrus.Logger
	file *logrus.Logger
	path string
	roll *lumberjack.Logger
}

var (
	log = &logger{out: logrus.New()}
	mu  sync.Mutex
)

// Init sets up logging to stderr at the given level plus a rolling debug log
// file at path. An empty path disables the file.
func Init(level, path string) {
	mu.Lock()
	defer mu.Unlock()

	log.out.SetOutput(os.Stderr)
	SetLevel(level)

	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.out.Warnf("cannot create log directory: %v", err)
		return
	}

	log.roll = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    1, // megabytes
		MaxBackups: 10,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.file = logrus.New()
	log.file.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	log.file.SetOutput(log.roll)
	log.file.SetLevel(logrus.DebugLevel)
	log.path = path
}

// SetOutput redirects console output, mostly for tests.
func SetOutput(w io.Writer) {
	log.out.SetOutput(w)
}

func SetLevel(level string) {
	l, err := logrus.ParseLevel(level)
	if err == nil {
		log.out.SetLevel(l)
	}
}

func Debugf(format string, args ...interface{}) {
	log.out.Debugf(format, args...)
	if log.file != nil {
		log.file.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	log.out.Infof(format, args...)
	if log.file != nil {
		log.file.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	log.out.Warnf(format, args...)
	if log.file != nil {
		log.file.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	log.out.Errorf(format, args...)
	if log.file != nil {
		log.file.Errorf(format, args...)
	}
}

// WithField returns a console entry carrying a structured field. File output
// is not tagged.
func WithField(key string, value interface{}) *logrus.Entry {
	return log.out.WithField(key, value)
}

// ReadTail returns the last n lines from the log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if log.path == "" {
		return "", nil
	}
	f, err := os.Open(log.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Clear rotates the active file away so the next read starts empty.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if log.roll == nil {
		return nil
	}
	if err := log.roll.Rotate(); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return nil
}
