package onhost

import (
	"bufio"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// lineSink consumes one output stream of a child process.
type lineSink interface {
	writeLine(line string)
	close()
}

// logrusSink fans child output into the main logging sink, with the agent
// id and executable id as structured fields.
type logrusSink struct {
	entry  *logrus.Entry
	stream string
}

func newLogrusSink(entry *logrus.Entry, stream string) *logrusSink {
	return &logrusSink{entry: entry, stream: stream}
}

func (s *logrusSink) writeLine(line string) {
	if s.stream == "stderr" {
		s.entry.Warn(line)
		return
	}
	s.entry.Info(line)
}

func (s *logrusSink) close() {}

// fileSink appends child output to a rotated file under the agent log dir.
type fileSink struct {
	writer *lumberjack.Logger
}

func newFileSink(logDir, executableID string) *fileSink {
	return &fileSink{
		writer: &lumberjack.Logger{
			Filename:   filepath.Join(logDir, executableID+".log"),
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			Compress:   true,
		},
	}
}

func (s *fileSink) writeLine(line string) {
	_, _ = s.writer.Write(append([]byte(line), '\n'))
}

func (s *fileSink) close() {
	_ = s.writer.Close()
}

// streamLines pumps a pipe into a sink until EOF. It runs on its own
// goroutine; pipe closure on process exit ends it.
func streamLines(pipe io.Reader, sink lineSink) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink.writeLine(scanner.Text())
	}
}
