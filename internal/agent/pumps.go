package agent

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// configErrSignatures are substrings of a child stderr line that indicate
// the tool server rejected its connection configuration. They are only
// used to surface a better startup diagnostic; stderr is never parsed as
// protocol data.
var configErrSignatures = []string{"config.server", "configuration"}

// pumpStdout reads the child's stdout line by line and hands each line,
// in order, to the correlator. The blocking reads live on this goroutine
// alone; the only thing crossing into the correlator is the immutable
// line text. On end of stream the lines channel is closed, which tells
// the correlator the process is gone.
func pumpStdout(r io.Reader, lines chan<- string, done <-chan struct{}, logger *slog.Logger) {
	defer close(lines)

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("failed to read child stdout", "err", err)
			}
			return
		}
	}
}

// stderrDiag collects diagnostics gleaned from the child's stderr stream.
type stderrDiag struct {
	mu        sync.Mutex
	configErr string
}

// ConfigError returns the first stderr line that matched a configuration
// error signature, or the empty string.
func (d *stderrDiag) ConfigError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configErr
}

func (d *stderrDiag) record(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.configErr == "" {
		d.configErr = line
	}
}

// pumpStderr drains the child's stderr independently of stdout, so a
// stall on one stream never delays the other. Lines are diagnostic only:
// they are logged, and inspected for the configuration error signature.
func pumpStderr(r io.Reader, diag *stderrDiag, logger *slog.Logger) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			logger.Warn("child stderr", "line", line)
			for _, sig := range configErrSignatures {
				if strings.Contains(line, sig) {
					diag.record(line)
					break
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("failed to read child stderr", "err", err)
			}
			return
		}
	}
}
