package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/labstack/echo/v4"

	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
	"github.com/phelinki/smor-ting-sub004/internal/service"
)

type pullRequest struct {
	Checkpoint string `json:"checkpoint"`
}

type pullResponse struct {
	Data       []model.Record `json:"data"`
	Checkpoint string         `json:"checkpoint"`
	HasMore    bool           `json:"has_more"`

	// Present only on chunked pulls.
	ResumeToken string `json:"resume_token,omitempty"`
	NextChunk   int    `json:"next_chunk,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

func toPullResponse(res *service.PullResult) pullResponse {
	out := pullResponse{
		Data:       res.Records,
		Checkpoint: res.Checkpoint,
		HasMore:    res.HasMore,
	}
	if res.Chunked {
		out.ResumeToken = res.ResumeToken
		out.NextChunk = res.NextChunk
		out.TotalChunks = res.TotalChunks
	}
	if out.Data == nil {
		out.Data = []model.Record{}
	}
	return out
}

func (s *Server) handlePull(c echo.Context) error {
	var req pullRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	claims := claimsFrom(c)
	res, err := s.sync.PullSince(c.Request().Context(), claims.UserID, req.Checkpoint)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toPullResponse(res))
}

type chunkRequest struct {
	ResumeToken string `json:"resume_token"`
}

func (s *Server) handleChunk(c echo.Context) error {
	var req chunkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	claims := claimsFrom(c)
	res, err := s.sync.PullChunk(c.Request().Context(), claims.UserID, req.ResumeToken)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toPullResponse(res))
}

type pushRequest struct {
	Changes []model.Change `json:"changes"`
}

type pushResultView struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"` // accepted | conflict
	QueueID  string `json:"queue_id"`
}

func (s *Server) handlePush(c echo.Context) error {
	var req pushRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if len(req.Changes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no changes")
	}
	claims := claimsFrom(c)
	results, err := s.sync.PushChange(c.Request().Context(), claims.UserID, req.Changes)
	if err != nil {
		return writeError(c, err)
	}
	views := make([]pushResultView, 0, len(results))
	for _, r := range results {
		status := "accepted"
		if !r.Accepted {
			status = "conflict"
		}
		views = append(views, pushResultView{
			RecordID: r.RecordID.String(),
			Status:   status,
			QueueID:  r.QueueID.String(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"results": views})
}

type conflictView struct {
	QueueID       string    `json:"queue_id"`
	RecordID      string    `json:"record_id"`
	Collection    string    `json:"collection"`
	State         string    `json:"state"`
	BaseVersion   int64     `json:"base_version"`
	ServerVersion int64     `json:"server_version"`
	LastError     string    `json:"last_error,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

func (s *Server) handleStatus(c echo.Context) error {
	claims := claimsFrom(c)
	st, err := s.sync.Status(c.Request().Context(), claims.UserID)
	if err != nil {
		return writeError(c, err)
	}
	conflicts := make([]conflictView, 0, len(st.Conflicts))
	for _, item := range st.Conflicts {
		conflicts = append(conflicts, conflictView{
			QueueID:       item.ID.String(),
			RecordID:      item.RecordID.String(),
			Collection:    item.Collection,
			State:         string(item.State),
			BaseVersion:   item.BaseVersion,
			ServerVersion: item.ServerVersion,
			LastError:     item.LastError,
			SubmittedAt:   item.SubmittedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sync_in_flight":  st.Status.SyncInFlight,
		"last_checkpoint": st.Status.LastCheckpoint,
		"last_sync_at":    st.Status.LastSyncAt,
		"pending_count":   st.Status.PendingCount,
		"conflict_count":  st.Status.ConflictCount,
		"failed_count":    st.Status.FailedCount,
		"conflicts":       conflicts,
	})
}

type resolveRequest struct {
	QueueID    string `json:"queue_id"`
	Resolution string `json:"resolution"` // keep_mine | keep_server
}

func (s *Server) handleResolve(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	itemID, err := uuid.FromString(req.QueueID)
	if err != nil {
		return writeError(c, errs.ErrMalformedToken)
	}
	var keepMine bool
	switch req.Resolution {
	case "keep_mine":
		keepMine = true
	case "keep_server":
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "resolution must be keep_mine or keep_server")
	}
	claims := claimsFrom(c)
	if err := s.sync.Resolve(c.Request().Context(), claims.UserID, itemID, keepMine); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMetrics(c echo.Context) error {
	claims := claimsFrom(c)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	metrics, err := s.sync.Metrics(c.Request().Context(), claims.UserID, limit)
	if err != nil {
		return writeError(c, err)
	}
	views := make([]map[string]any, 0, len(metrics))
	for _, m := range metrics {
		views = append(views, map[string]any{
			"duration_ms":  m.Duration.Milliseconds(),
			"record_count": m.RecordCount,
			"payload_size": m.PayloadSize,
			"chunked":      m.Chunked,
			"created_at":   m.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"metrics": views})
}
