package controlplane

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openmined/themesync/internal/sync"
	"github.com/openmined/themesync/internal/theme"
	"github.com/openmined/themesync/internal/version"
)

// Engine is the part of a running sync engine the control plane reads.
type Engine interface {
	ThemeID() string
	Root() string
	Running() bool
	Checksums() []theme.Checksum
	Unsynced() []string
	LastPoll() time.Time
	PollInterval() time.Duration
	SyncStatus() *sync.SyncStatus
	PollNow()
}

var _ Engine = (*sync.SyncEngine)(nil)

type SyncHandler struct {
	engine Engine
}

func NewSyncHandler(engine Engine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

func (h *SyncHandler) Status(c *gin.Context) {
	resp := StatusResponse{
		ThemeID:      h.engine.ThemeID(),
		Root:         h.engine.Root(),
		Running:      h.engine.Running(),
		Assets:       len(h.engine.Checksums()),
		Unsynced:     h.engine.Unsynced(),
		Syncing:      h.engine.SyncStatus().SyncingCount(),
		PollInterval: h.engine.PollInterval().String(),
		Version:      version.Short(),
	}
	if resp.Unsynced == nil {
		resp.Unsynced = []string{}
	}
	if last := h.engine.LastPoll(); !last.IsZero() {
		resp.LastPoll = &last
	}
	c.PureJSON(http.StatusOK, resp)
}

// Files lists keys whose last action is still syncing, failed or conflicted.
func (h *SyncHandler) Files(c *gin.Context) {
	files := h.engine.SyncStatus().All()
	if state := c.Query("state"); state != "" {
		filtered := files[:0]
		for _, f := range files {
			if string(f.State) == state {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}

	var summary FilesSummary
	for _, f := range files {
		switch f.State {
		case sync.SyncStateSyncing:
			summary.Syncing++
		case sync.SyncStateError:
			summary.Error++
		case sync.SyncStateConflict:
			summary.Conflict++
		}
	}

	c.PureJSON(http.StatusOK, FilesResponse{Files: files, Summary: summary})
}

// Events streams status changes as server sent events until the client goes away.
func (h *SyncHandler) Events(c *gin.Context) {
	status := h.engine.SyncStatus()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	eventCh := status.Subscribe()
	defer status.Unsubscribe(eventCh)

	// send headers before the first event
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-eventCh:
			if !ok {
				return false
			}
			c.SSEvent("sync", event.Status)
			return true
		}
	})
}

func (h *SyncHandler) Poll(c *gin.Context) {
	if !h.engine.Running() {
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeNotRunning, errNotRunning)
		return
	}
	h.engine.PollNow()
	c.PureJSON(http.StatusAccepted, PollResponse{Status: "poll triggered"})
}

func IndexHandler(c *gin.Context) {
	c.PureJSON(http.StatusOK, version.Detailed())
}
