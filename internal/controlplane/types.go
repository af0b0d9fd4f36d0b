package controlplane

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openmined/themesync/internal/sync"
)

const (
	ErrCodeBadRequest   = "ERR_BAD_REQUEST"
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	ErrCodeRateLimited  = "ERR_RATE_LIMITED"
	ErrCodeNotFound     = "ERR_NOT_FOUND"
	ErrCodeNotAllowed   = "ERR_METHOD_NOT_ALLOWED"
	ErrCodeNotRunning   = "ERR_ENGINE_NOT_RUNNING"
	ErrCodeUnknownError = "ERR_UNKNOWN_ERROR"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errRateLimited  = errors.New("rate limit exceeded")
	errNotFound     = errors.New("not found")
	errNotAllowed   = errors.New("method not allowed")
	errNotRunning   = errors.New("sync engine is not running")
)

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	_ = c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}

type StatusResponse struct {
	ThemeID      string     `json:"themeId"`
	Root         string     `json:"root"`
	Running      bool       `json:"running"`
	Assets       int        `json:"assets"`
	Unsynced     []string   `json:"unsynced"`
	Syncing      int        `json:"syncing"`
	LastPoll     *time.Time `json:"lastPoll,omitempty"`
	PollInterval string     `json:"pollInterval"`
	Version      string     `json:"version"`
}

type FilesResponse struct {
	Files   []sync.KeyStatus `json:"files"`
	Summary FilesSummary     `json:"summary"`
}

type FilesSummary struct {
	Syncing  int `json:"syncing"`
	Error    int `json:"error"`
	Conflict int `json:"conflict"`
}

type PollResponse struct {
	Status string `json:"status"`
}
