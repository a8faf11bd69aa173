package serialmux

import (
	"context"
	"net/http"
	"sync"

	"github.com/banshee-data/fallwatch/internal/monitoring"
)

// DisabledLink stands in when no serial bridge is attached (frames arrive
// over UDP or from a capture). Commands are logged and dropped.
type DisabledLink struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledLink() *DisabledLink {
	return &DisabledLink{subscribers: make(map[string]chan string)}
}

func (d *DisabledLink) Subscribe() (string, <-chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledLink) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledLink) SendCommand(command string) error {
	monitoring.Logf("serialmux: bridge disabled, dropping %q", command)
	return nil
}

func (d *DisabledLink) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledLink) Initialize() error { return nil }

func (d *DisabledLink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledLink) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/bridge-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial bridge disabled"))
	})
}
