package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/claimpilot/reconciler/model"
)

// Memory is an in-process Store for tests and single-node demo runs.
// Reads return copies so callers cannot mutate shared state.
type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	affiliates      map[int64]*model.Affiliate
	platforms       map[int64]*model.Platform
	campaigns       map[int64]*model.Campaign
	posts           map[int64]*model.Post
	reports         map[int64]*model.AffiliateReport
	platformReports map[int64]*model.PlatformReport
	logs            map[int64]*model.ReconciliationLog // keyed by affiliate_report_id
	alerts          map[int64]*model.Alert             // keyed by reconciliation_log_id
	ids             map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		affiliates:      make(map[int64]*model.Affiliate),
		platforms:       make(map[int64]*model.Platform),
		campaigns:       make(map[int64]*model.Campaign),
		posts:           make(map[int64]*model.Post),
		reports:         make(map[int64]*model.AffiliateReport),
		platformReports: make(map[int64]*model.PlatformReport),
		logs:            make(map[int64]*model.ReconciliationLog),
		alerts:          make(map[int64]*model.Alert),
		ids:             make(map[string]int64),
	}
}

func (s *Memory) next(entity string) int64 {
	s.ids[entity]++
	return s.ids[entity]
}

type memorySnapshot struct {
	affiliates      map[int64]*model.Affiliate
	platforms       map[int64]*model.Platform
	campaigns       map[int64]*model.Campaign
	posts           map[int64]*model.Post
	reports         map[int64]*model.AffiliateReport
	platformReports map[int64]*model.PlatformReport
	logs            map[int64]*model.ReconciliationLog
	alerts          map[int64]*model.Alert
	ids             map[string]int64
}

func (s *Memory) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := memorySnapshot{
		affiliates:      make(map[int64]*model.Affiliate, len(s.affiliates)),
		platforms:       make(map[int64]*model.Platform, len(s.platforms)),
		campaigns:       make(map[int64]*model.Campaign, len(s.campaigns)),
		posts:           make(map[int64]*model.Post, len(s.posts)),
		reports:         make(map[int64]*model.AffiliateReport, len(s.reports)),
		platformReports: make(map[int64]*model.PlatformReport, len(s.platformReports)),
		logs:            make(map[int64]*model.ReconciliationLog, len(s.logs)),
		alerts:          make(map[int64]*model.Alert, len(s.alerts)),
		ids:             make(map[string]int64, len(s.ids)),
	}
	for k, v := range s.affiliates {
		c := *v
		snap.affiliates[k] = &c
	}
	for k, v := range s.platforms {
		c := *v
		snap.platforms[k] = &c
	}
	for k, v := range s.campaigns {
		c := *v
		snap.campaigns[k] = &c
	}
	for k, v := range s.posts {
		c := *v
		snap.posts[k] = &c
	}
	for k, v := range s.reports {
		c := *v
		snap.reports[k] = &c
	}
	for k, v := range s.platformReports {
		c := *v
		snap.platformReports[k] = &c
	}
	for k, v := range s.logs {
		c := *v
		snap.logs[k] = &c
	}
	for k, v := range s.alerts {
		c := *v
		snap.alerts[k] = &c
	}
	for k, v := range s.ids {
		snap.ids[k] = v
	}
	return snap
}

func (s *Memory) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affiliates = snap.affiliates
	s.platforms = snap.platforms
	s.campaigns = snap.campaigns
	s.posts = snap.posts
	s.reports = snap.reports
	s.platformReports = snap.platformReports
	s.logs = snap.logs
	s.alerts = snap.alerts
	s.ids = snap.ids
}

// WithTx snapshots state, runs fn, and restores the snapshot if fn
// fails. Transactions are serialized on a dedicated mutex.
func (s *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(memoryTx{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// memoryTx joins the enclosing transaction instead of opening a new one.
type memoryTx struct{ *Memory }

func (t memoryTx) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(t)
}

// --- Reconciliation reads ---

func (s *Memory) LoadAffiliateReport(ctx context.Context, id int64) (*model.AffiliateReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	post, ok := s.posts[r.PostID]
	if !ok {
		return nil, ErrNotFound
	}
	platform, ok := s.platforms[post.PlatformID]
	if !ok {
		return nil, ErrNotFound
	}
	affiliate, ok := s.affiliates[post.AffiliateID]
	if !ok {
		return nil, ErrNotFound
	}

	rc := *r
	pc := *post
	plc := *platform
	ac := *affiliate
	pc.Platform = &plc
	pc.Affiliate = &ac
	rc.Post = &pc
	return &rc, nil
}

func (s *Memory) PreviousReportForPost(ctx context.Context, postID, beforeReportID int64) (*model.AffiliateReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var prev *model.AffiliateReport
	for _, r := range s.reports {
		if r.PostID != postID || r.ID >= beforeReportID {
			continue
		}
		if prev == nil || r.ID > prev.ID {
			prev = r
		}
	}
	if prev == nil {
		return nil, nil
	}
	c := *prev
	return &c, nil
}

func (s *Memory) PendingReportIDs(ctx context.Context, limit int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for _, r := range s.reports {
		post, ok := s.posts[r.PostID]
		if !ok || post.IsReconciled {
			continue
		}
		if l, ok := s.logs[r.ID]; ok {
			if l.Status != model.StatusMissingPlatform && l.Status != model.StatusIncompletePlatform {
				continue
			}
		}
		ids = append(ids, r.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Memory) LatestReportIDForPost(ctx context.Context, postID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.AffiliateReport
	for _, r := range s.reports {
		if r.PostID != postID {
			continue
		}
		if latest == nil || r.SubmittedAt.After(latest.SubmittedAt) ||
			(r.SubmittedAt.Equal(latest.SubmittedAt) && r.ID > latest.ID) {
			latest = r
		}
	}
	if latest == nil {
		return 0, ErrNotFound
	}
	return latest.ID, nil
}

// --- Reconciliation writes ---

func (s *Memory) EnsureReconciliationLog(ctx context.Context, reportID int64) (*model.ReconciliationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[reportID]; !ok {
		return nil, ErrNotFound
	}
	if l, ok := s.logs[reportID]; ok {
		c := *l
		return &c, nil
	}
	now := time.Now().UTC()
	l := &model.ReconciliationLog{
		ID:                s.next("log"),
		AffiliateReportID: reportID,
		Status:            model.StatusMissingPlatform,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.logs[reportID] = l
	c := *l
	return &c, nil
}

func (s *Memory) GetReconciliationLog(ctx context.Context, reportID int64) (*model.ReconciliationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *l
	return &c, nil
}

func (s *Memory) UpdateReconciliationLog(ctx context.Context, l *model.ReconciliationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.logs[l.AffiliateReportID]
	if !ok || cur.AttemptCount != l.AttemptCount-1 {
		return ErrStaleData
	}
	c := *l
	c.ID = cur.ID
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	if l.MissingFields != nil {
		c.MissingFields = append([]string(nil), l.MissingFields...)
	}
	s.logs[l.AffiliateReportID] = &c
	return nil
}

func (s *Memory) InsertPlatformReport(ctx context.Context, pr *model.PlatformReport) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *pr
	c.ID = s.next("platform_report")
	if c.RawData != nil {
		raw := make(map[string]int64, len(c.RawData))
		for k, v := range c.RawData {
			raw[k] = v
		}
		c.RawData = raw
	}
	s.platformReports[c.ID] = &c
	pr.ID = c.ID
	return c.ID, nil
}

func (s *Memory) SaveSuspicionFlags(ctx context.Context, reportID int64, flags map[string]model.SuspicionFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[reportID]
	if !ok {
		return ErrNotFound
	}
	cloned := make(map[string]model.SuspicionFlag, len(flags))
	for k, v := range flags {
		cloned[k] = v
	}
	r.SuspicionFlags = cloned
	return nil
}

func (s *Memory) ApplyTrustUpdate(ctx context.Context, affiliateID int64, score float64, at time.Time, accurate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.affiliates[affiliateID]
	if !ok {
		return ErrNotFound
	}
	ts := at
	a.TrustScore = score
	a.LastTrustUpdate = &ts
	a.TotalSubmissions++
	if accurate {
		a.AccurateSubmissions++
	}
	return nil
}

func (s *Memory) SetPostReconciled(ctx context.Context, postID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[postID]
	if !ok {
		return ErrNotFound
	}
	p.IsReconciled = true
	return nil
}

// --- Alerts ---

func (s *Memory) UpsertAlert(ctx context.Context, alert *model.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[alert.ReconciliationLogID]; ok {
		return false, nil
	}
	c := *alert
	c.ID = s.next("alert")
	if c.ThresholdBreached != nil {
		tb := make(map[string]any, len(c.ThresholdBreached))
		for k, v := range c.ThresholdBreached {
			tb[k] = v
		}
		c.ThresholdBreached = tb
	}
	s.alerts[c.ReconciliationLogID] = &c
	alert.ID = c.ID
	return true, nil
}

func (s *Memory) CountRecentHighDiscrepancyAlerts(ctx context.Context, affiliateID, platformID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.alerts {
		if a.AffiliateID == affiliateID && a.PlatformID == platformID &&
			a.Type == model.AlertHighDiscrepancy && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Memory) GetAlertForLog(ctx context.Context, logID int64) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[logID]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (s *Memory) ListAlerts(ctx context.Context, limit int) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts := make([]*model.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		c := *a
		alerts = append(alerts, &c)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID > alerts[j].ID
	})
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// --- Entity helpers ---

func (s *Memory) CreateAffiliate(ctx context.Context, a *model.Affiliate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.affiliates {
		if existing.Email == a.Email {
			return ErrDuplicate
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	c := *a
	c.ID = s.next("affiliate")
	s.affiliates[c.ID] = &c
	a.ID = c.ID
	return nil
}

func (s *Memory) CreatePlatform(ctx context.Context, p *model.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.platforms {
		if existing.Name == p.Name {
			return ErrDuplicate
		}
	}
	c := *p
	c.ID = s.next("platform")
	s.platforms[c.ID] = &c
	p.ID = c.ID
	return nil
}

func (s *Memory) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cc := *c
	cc.ID = s.next("campaign")
	s.campaigns[cc.ID] = &cc
	c.ID = cc.ID
	return nil
}

func (s *Memory) CreatePost(ctx context.Context, p *model.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.posts {
		if existing.CampaignID == p.CampaignID && existing.PlatformID == p.PlatformID &&
			existing.URL == p.URL && existing.AffiliateID == p.AffiliateID {
			return ErrDuplicate
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	c := *p
	c.ID = s.next("post")
	c.Platform = nil
	c.Affiliate = nil
	s.posts[c.ID] = &c
	p.ID = c.ID
	return nil
}

func (s *Memory) CreateAffiliateReport(ctx context.Context, r *model.AffiliateReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.posts[r.PostID]; !ok {
		return ErrNotFound
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now().UTC()
	}
	if r.SubmissionMethod == "" {
		r.SubmissionMethod = model.MethodAPI
	}
	c := *r
	c.ID = s.next("report")
	c.Post = nil
	if c.EvidenceData != nil {
		ev := make(map[string]any, len(c.EvidenceData))
		for k, v := range c.EvidenceData {
			ev[k] = v
		}
		c.EvidenceData = ev
	}
	if c.SuspicionFlags != nil {
		fl := make(map[string]model.SuspicionFlag, len(c.SuspicionFlags))
		for k, v := range c.SuspicionFlags {
			fl[k] = v
		}
		c.SuspicionFlags = fl
	}
	s.reports[c.ID] = &c
	r.ID = c.ID
	return nil
}

func (s *Memory) GetAffiliate(ctx context.Context, id int64) (*model.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.affiliates[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *Memory) GetPost(ctx context.Context, id int64) (*model.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *Memory) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	camp, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *camp
	return &c, nil
}

func (s *Memory) GetPlatformByName(ctx context.Context, name string) (*model.Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.platforms {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}
