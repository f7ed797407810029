package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/events"
	"github.com/claimpilot/reconciler/intake"
	"github.com/claimpilot/reconciler/links"
	"github.com/claimpilot/reconciler/model"
	"github.com/claimpilot/reconciler/queue"
	"github.com/claimpilot/reconciler/store"
	"github.com/claimpilot/reconciler/worker"
)

type api struct {
	store  store.Store
	queue  queue.Queue
	intake *intake.Service
	hub    *events.Hub
	pool   *worker.Pool
	cfg    *config.Config
	log    *zap.Logger
}

func newAPI(st store.Store, q queue.Queue, svc *intake.Service, hub *events.Hub, pool *worker.Pool, cfg *config.Config, log *zap.Logger) *api {
	return &api{store: st, queue: q, intake: svc, hub: hub, pool: pool, cfg: cfg, log: log}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/submissions", a.handleSubmit)
	mux.HandleFunc("/reconciliation/run", a.handleRun)
	mux.HandleFunc("/reconciliation/run-pending", a.handleRunPending)
	mux.HandleFunc("/queue/snapshot", a.handleQueueSnapshot)
	mux.HandleFunc("/workers/failures", a.handleWorkerFailures)
	mux.HandleFunc("/alerts", a.handleAlerts)
	mux.HandleFunc("/ws/events", a.handleEventStream)
	return mux
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("response encode failed", zap.Error(err))
	}
}

func (a *api) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submissionRequest struct {
	AffiliateID        int64          `json:"affiliate_id"`
	CampaignID         int64          `json:"campaign_id"`
	Platform           string         `json:"platform"`
	PostURL            string         `json:"post_url"`
	Title              string         `json:"title"`
	ClaimedViews       int64          `json:"claimed_views"`
	ClaimedClicks      int64          `json:"claimed_clicks"`
	ClaimedConversions int64          `json:"claimed_conversions"`
	SubmissionMethod   string         `json:"submission_method"`
	EvidenceData       map[string]any `json:"evidence_data"`
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClaimedViews < 0 || req.ClaimedClicks < 0 || req.ClaimedConversions < 0 {
		http.Error(w, "Claimed metrics cannot be negative", http.StatusBadRequest)
		return
	}
	method := req.SubmissionMethod
	if method == "" {
		method = model.MethodAPI
	}
	if method != model.MethodAPI && method != model.MethodDiscord {
		http.Error(w, "Invalid submission method", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	affiliate, err := a.store.GetAffiliate(ctx, req.AffiliateID)
	if err != nil || !affiliate.IsActive {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.internalError(w, "affiliate lookup failed", err)
			return
		}
		http.Error(w, fmt.Sprintf("Affiliate with id %d not found or inactive", req.AffiliateID), http.StatusNotFound)
		return
	}

	campaign, err := a.store.GetCampaign(ctx, req.CampaignID)
	if err != nil || !campaign.IsActive {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.internalError(w, "campaign lookup failed", err)
			return
		}
		http.Error(w, fmt.Sprintf("Campaign with id %d not found or not active", req.CampaignID), http.StatusNotFound)
		return
	}

	platform, err := a.store.GetPlatformByName(ctx, strings.ToLower(req.Platform))
	if err != nil || !platform.IsActive {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.internalError(w, "platform lookup failed", err)
			return
		}
		http.Error(w, fmt.Sprintf("Platform '%s' not found or inactive", req.Platform), http.StatusNotFound)
		return
	}

	cleanURL, _, err := links.Process(req.PostURL, platform.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	post := &model.Post{
		CampaignID:  campaign.ID,
		PlatformID:  platform.ID,
		AffiliateID: affiliate.ID,
		URL:         cleanURL,
		Title:       req.Title,
	}
	if err := a.store.CreatePost(ctx, post); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			http.Error(w, "You have already submitted this post for this campaign", http.StatusConflict)
			return
		}
		a.internalError(w, "post creation failed", err)
		return
	}

	report := &model.AffiliateReport{
		PostID:             post.ID,
		ClaimedViews:       req.ClaimedViews,
		ClaimedClicks:      req.ClaimedClicks,
		ClaimedConversions: req.ClaimedConversions,
		SubmissionMethod:   method,
		EvidenceData:       req.EvidenceData,
	}
	if err := a.store.CreateAffiliateReport(ctx, report); err != nil {
		a.internalError(w, "report creation failed", err)
		return
	}

	job, err := a.intake.QueueReport(ctx, report.ID)
	if err != nil {
		a.queueError(w, err)
		return
	}

	a.writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Post submitted successfully. Reconciliation job queued.",
		"data": map[string]any{
			"post_id":             post.ID,
			"affiliate_report_id": report.ID,
			"priority":            job.Priority,
			"correlation_id":      job.CorrelationID,
		},
	})
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PostID int64 `json:"post_id"`
		Force  bool  `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	post, err := a.store.GetPost(ctx, req.PostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Post with id %d not found", req.PostID), http.StatusNotFound)
			return
		}
		a.internalError(w, "post lookup failed", err)
		return
	}
	if post.IsReconciled && !req.Force {
		http.Error(w, "Post is already reconciled; pass force to reprocess", http.StatusConflict)
		return
	}

	reportID, err := a.store.LatestReportIDForPost(ctx, post.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, fmt.Sprintf("No affiliate report found for post %d", post.ID), http.StatusNotFound)
			return
		}
		a.internalError(w, "report lookup failed", err)
		return
	}

	job, err := a.intake.QueueReport(ctx, reportID)
	if err != nil {
		a.queueError(w, err)
		return
	}

	a.writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Reconciliation queued for post %d", post.ID),
		"data": map[string]any{
			"affiliate_report_id": reportID,
			"priority":            job.Priority,
			"correlation_id":      job.CorrelationID,
		},
	})
}

func (a *api) handleRunPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	ctx := r.Context()
	ids, err := a.store.PendingReportIDs(ctx, limit)
	if err != nil {
		a.internalError(w, "pending report scan failed", err)
		return
	}

	queued := 0
	for _, id := range ids {
		if _, err := a.intake.QueueReport(ctx, id); err != nil {
			a.log.Warn("pending report enqueue failed",
				zap.Int64("report_id", id),
				zap.Error(err))
			continue
		}
		queued++
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Reconciliation queued for all pending posts",
		"data": map[string]any{
			"posts_queued": queued,
		},
	})
}

func (a *api) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.writeJSON(w, http.StatusOK, a.queue.Snapshot())
}

func (a *api) handleWorkerFailures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.writeJSON(w, http.StatusOK, a.pool.Diagnostics())
}

func (a *api) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	alerts, err := a.store.ListAlerts(r.Context(), limit)
	if err != nil {
		a.internalError(w, "alert listing failed", err)
		return
	}
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	a.writeJSON(w, http.StatusOK, alerts)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards connect cross-origin in local setups.
		return true
	},
}

func (a *api) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	a.hub.Register(conn)
	defer a.hub.Unregister(conn)

	a.log.Info("event stream client connected", zap.String("remote", conn.RemoteAddr().String()))

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to notice disconnects; clients never send data.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				a.log.Warn("event stream read failed", zap.Error(err))
			}
			break
		}
	}
}

func (a *api) internalError(w http.ResponseWriter, msg string, err error) {
	a.log.Error(msg, zap.Error(err))
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (a *api) queueError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrShutdown) || errors.Is(err, queue.ErrCapacityExceeded) {
		http.Error(w, "Reconciliation queue is unavailable", http.StatusServiceUnavailable)
		return
	}
	a.internalError(w, "reconciliation enqueue failed", err)
}
