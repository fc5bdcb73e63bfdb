// Package loadtest exposes a small controller that hammers the content
// service: bulk-create records, clear them, and optionally restart the
// worker process to exercise recovery.
package loadtest

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"b2cauth/content"
)

const (
	// ContentAlias is the content type the controller creates.
	ContentAlias = "LoadTestContent"

	maxCreate = 1000
)

// Controller drives the content service over HTTP.
type Controller struct {
	content *content.Client
	logger  *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// New builds a controller around a content client.
func New(client *content.Client, logger *slog.Logger) *Controller {
	return &Controller{
		content: client,
		logger:  logger,
		rnd:     rand.New(rand.NewSource(rand.Int63())),
	}
}

// Routes mounts the controller endpoints.
func (c *Controller) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", c.handleIndex)
	r.Get("/create", c.handleCreate)
	r.Get("/clear", c.handleClear)
	r.Get("/restart", c.handleRestart)
	return r
}

func (c *Controller) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "loadtest: /create?n=&o=&r=  /clear  /restart")
}

// handleCreate creates n records named after a fresh uuid, tagged with the
// requesting origin. r is a 0-100 percentage chance of restarting the
// content worker after creation, to exercise crash recovery under load.
func (c *Controller) handleCreate(w http.ResponseWriter, r *http.Request) {
	n := intParam(r, "n", 1)
	if n < 1 {
		n = 1
	}
	if n > maxCreate {
		n = maxCreate
	}
	restartPct := intParam(r, "r", 0)
	if restartPct < 0 {
		restartPct = 0
	}
	if restartPct > 100 {
		restartPct = 100
	}
	origin := r.URL.Query().Get("o")

	restart := c.random(0, 100) >= 100-restartPct
	marker := "X"
	if restart {
		marker = "R"
	}

	for i := 0; i < n; i++ {
		name := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")) + "-" + marker + "-" + origin
		rec := content.Record{
			Type: ContentAlias,
			Name: name,
			Properties: map[string]string{
				"origin": origin,
			},
		}
		if _, err := c.content.Create(r.Context(), rec); err != nil {
			c.logger.Error("loadtest create failed", "error", err, "created", i)
			http.Error(w, fmt.Sprintf("create failed after %d records: %v", i, err), http.StatusBadGateway)
			return
		}
	}

	if restart {
		if err := c.content.Restart(r.Context()); err != nil {
			c.logger.Error("loadtest restart failed", "error", err)
			http.Error(w, fmt.Sprintf("created %d, restart failed: %v", n, err), http.StatusBadGateway)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if restart {
		fmt.Fprintf(w, "created %d content, and restarted\n", n)
	} else {
		fmt.Fprintf(w, "created %d content\n", n)
	}
}

func (c *Controller) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := c.content.DeleteByType(r.Context(), ContentAlias); err != nil {
		c.logger.Error("loadtest clear failed", "error", err)
		http.Error(w, fmt.Sprintf("clear failed: %v", err), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "cleared")
}

func (c *Controller) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := c.content.Restart(r.Context()); err != nil {
		c.logger.Error("loadtest restart failed", "error", err)
		http.Error(w, fmt.Sprintf("restart failed: %v", err), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "restarted")
}

func (c *Controller) random(min, max int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return min + c.rnd.Intn(max-min)
}

func intParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
