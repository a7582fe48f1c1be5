package api

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-automation/internal/audit"
)

// recordingAudit is an in-memory audit.Repository.
type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Create(_ context.Context, e *audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

func (r *recordingAudit) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []audit.Entry{}
	for _, e := range r.entries {
		if f.EntityID == "" || e.EntityID == f.EntityID {
			out = append(out, e)
		}
	}
	return &audit.ListResult{Entries: out, Total: len(out), Limit: 50}, nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

// startAudit runs the drain loop the way Start does and returns a func that
// flushes it.
func startAudit(env *testEnv) (flush func()) {
	ctx, cancel := context.WithCancel(context.Background())
	env.srv.auditCh = make(chan *audit.Entry, auditChanSize)
	env.srv.auditDone = make(chan struct{})
	go env.srv.drainAuditLog(ctx)
	return func() {
		cancel()
		<-env.srv.auditDone
	}
}

func TestAudit_RecordsRuleChanges(t *testing.T) {
	repo := &recordingAudit{}
	env := newTestEnv(t, func(d *Deps) { d.Audit = repo })
	flush := startAudit(env)

	rule := createRule(t, env, logRuleBody)

	req := []struct{ method, path, body string }{
		{http.MethodPatch, "/api/v1/rules/" + rule.ID, `{"description":"updated"}`},
		{http.MethodPost, "/api/v1/rules/" + rule.ID + "/pause", ""},
		{http.MethodPost, "/api/v1/rules/" + rule.ID + "/resume", ""},
		{http.MethodDelete, "/api/v1/rules/" + rule.ID, ""},
		// Failed requests leave no trail.
		{http.MethodPost, "/api/v1/rules/missing/pause", ""},
	}
	for _, r := range req {
		env.do(t, r.method, r.path, r.body)
	}
	flush()

	want := []string{audit.ActionCreate, audit.ActionUpdate, audit.ActionPause, audit.ActionResume, audit.ActionDelete}
	got := repo.actions()
	if len(got) != len(want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("action %d = %q, want %q", i, got[i], want[i])
		}
	}

	first := repo.entries[0]
	if first.EntityType != audit.EntityRule || first.EntityID != rule.ID {
		t.Errorf("create entry = %+v", first)
	}
	if first.Details["name"] != "Porch light" {
		t.Errorf("create details = %v", first.Details)
	}
	if first.Details["request_id"] == nil {
		t.Error("entry should carry the request ID")
	}
}

func TestAudit_ActorHeader(t *testing.T) {
	repo := &recordingAudit{}
	env := newTestEnv(t, func(d *Deps) { d.Audit = repo })
	flush := startAudit(env)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/rules", nil)
	req.Header.Set(actorHeader, "installer")
	env.srv.auditLog(req, audit.ActionCreate, audit.EntityRule, "r1", nil)
	flush()

	if len(repo.entries) != 1 || repo.entries[0].Actor != "installer" {
		t.Errorf("entries = %+v, want one by installer", repo.entries)
	}
}

func TestListAuditLogs(t *testing.T) {
	t.Run("no repository", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(t, http.MethodGet, "/api/v1/audit", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if got := decode[audit.ListResult](t, rec); len(got.Entries) != 0 {
			t.Errorf("entries = %v, want none", got.Entries)
		}
	})

	t.Run("filtered", func(t *testing.T) {
		repo := &recordingAudit{entries: []audit.Entry{
			{Action: audit.ActionCreate, EntityType: audit.EntityRule, EntityID: "r1"},
			{Action: audit.ActionCreate, EntityType: audit.EntityRule, EntityID: "r2"},
		}}
		env := newTestEnv(t, func(d *Deps) { d.Audit = repo })
		rec := env.do(t, http.MethodGet, "/api/v1/audit?entity_id=r2", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		got := decode[audit.ListResult](t, rec)
		if len(got.Entries) != 1 || got.Entries[0].EntityID != "r2" {
			t.Errorf("entries = %+v", got.Entries)
		}
	})

	t.Run("bad params", func(t *testing.T) {
		env := newTestEnv(t, func(d *Deps) { d.Audit = &recordingAudit{} })
		for _, q := range []string{"since=yesterday", "limit=-1", "offset=x"} {
			rec := env.do(t, http.MethodGet, "/api/v1/audit?"+q, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", q, rec.Code)
			}
		}
	})
}
