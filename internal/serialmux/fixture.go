package serialmux

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/fallwatch/internal/monitoring"
)

// FixturePort replays recorded bridge lines for development without
// hardware. Written commands are logged.
type FixturePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	closeOnce sync.Once
	done      chan struct{}
}

// NewFixturePort replays lines every interval, looping until closed.
func NewFixturePort(lines [][]byte, interval time.Duration) *FixturePort {
	r, w := io.Pipe()
	p := &FixturePort{r: r, w: w, done: make(chan struct{})}
	go p.replay(lines, interval)
	return p
}

// LoadFixture reads one bridge message per non-empty line of path.
func LoadFixture(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines [][]byte
	scan := bufio.NewScanner(bytes.NewReader(data))
	scan.Buffer(make([]byte, 64*1024), maxLineSize)
	for scan.Scan() {
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append(append([]byte(nil), line...), '\n'))
	}
	return lines, scan.Err()
}

func (p *FixturePort) replay(lines [][]byte, interval time.Duration) {
	defer p.w.Close()
	if len(lines) == 0 {
		<-p.done
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i = (i + 1) % len(lines) {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		if _, err := p.w.Write(lines[i]); err != nil {
			return
		}
	}
}

func (p *FixturePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *FixturePort) Write(b []byte) (int, error) {
	monitoring.Logf("fixture bridge <- %s", bytes.TrimSpace(b))
	return len(b), nil
}

func (p *FixturePort) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.r.Close()
	})
	return nil
}
