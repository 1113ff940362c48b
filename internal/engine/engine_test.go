package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/auth"
	"github.com/MarcoPoloResearchLab/memories/internal/cache"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/MarcoPoloResearchLab/memories/internal/memostest"
	"github.com/MarcoPoloResearchLab/memories/internal/retry"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var baseTime = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func startServer(t *testing.T, count int) *memostest.Server {
	t.Helper()
	server, err := memostest.Start(memostest.Options{})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(server.Close)
	for index := range count {
		putMemo(server, fmt.Sprintf("m%d", index), fmt.Sprintf("memo %d #tag%d", index, index), index)
	}
	return server
}

func putMemo(server *memostest.Server, uid, content string, hour int) {
	stamp := baseTime.Add(time.Duration(hour) * time.Hour)
	server.Put(memos.MemoRecord{
		ID:         memos.MustCanonicalID(uid),
		Content:    content,
		CreateTime: stamp,
		UpdateTime: stamp,
	})
}

func testConfig(server *memostest.Server) Config {
	return Config{
		BaseURL:  server.URL(),
		Token:    server.Token(),
		PageSize: 2,
		Retry:    retry.NoRetry(),
		Logger:   zap.NewNop(),
	}
}

func openEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	engine, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func viewIDs(engine *Engine) []string {
	var ids []string
	for _, record := range engine.View() {
		ids = append(ids, record.ID.String())
	}
	return ids
}

func TestOpenLoadsFirstPageAndLoadMoreWalksFeed(t *testing.T) {
	server := startServer(t, 5)
	engine := openEngine(t, testConfig(server))

	if got := viewIDs(engine); fmt.Sprint(got) != "[m4 m3]" {
		t.Fatalf("expected first page [m4 m3], got %v", got)
	}
	for range 2 {
		if _, err := engine.LoadMore(context.Background()); err != nil {
			t.Fatalf("load more: %v", err)
		}
	}
	if got := viewIDs(engine); fmt.Sprint(got) != "[m4 m3 m2 m1 m0]" {
		t.Fatalf("expected full feed, got %v", got)
	}
	if !engine.Status().Exhausted {
		t.Fatalf("expected exhausted cursor")
	}

	before := server.Requests(http.MethodGet)
	result, err := engine.LoadMore(context.Background())
	if err != nil || !result.Exhausted {
		t.Fatalf("expected exhausted result, got %+v err=%v", result, err)
	}
	if server.Requests(http.MethodGet) != before {
		t.Fatalf("expected no request once exhausted")
	}
}

func TestOpenValidatesConfiguration(t *testing.T) {
	server := startServer(t, 0)
	tests := []struct {
		name string
		cfg  Config
		code string
	}{
		{name: "missing-url", cfg: Config{Token: server.Token()}, code: "engine.open.missing_base_url"},
		{name: "missing-token", cfg: Config{BaseURL: server.URL()}, code: "engine.open.invalid_token"},
		{name: "bad-scheme", cfg: Config{BaseURL: "ftp://memos", Token: server.Token()}, code: "engine.open.gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), tt.cfg)
			var engineErr *EngineError
			if !errors.As(err, &engineErr) || engineErr.Code() != tt.code {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestOpenFailsOnRejectedCredentials(t *testing.T) {
	server := startServer(t, 1)
	other, err := memostest.New(memostest.Options{Secret: []byte("other-secret")})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	cfg := testConfig(server)
	cfg.Token = other.Token()

	_, err = Open(context.Background(), cfg)
	if !memos.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestRefreshRemovesDeletedAndAddsNew(t *testing.T) {
	server := startServer(t, 3)
	cfg := testConfig(server)
	cfg.PageSize = 50
	engine := openEngine(t, cfg)

	server.Remove("m1")
	putMemo(server, "m9", "fresh memo", 9)
	if err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := viewIDs(engine); fmt.Sprint(got) != "[m9 m2 m0]" {
		t.Fatalf("expected [m9 m2 m0], got %v", got)
	}
	if engine.Status().LastRefresh == nil {
		t.Fatalf("expected last refresh time")
	}
}

func TestRefreshFailureRemovesNothing(t *testing.T) {
	server := startServer(t, 3)
	engine := openEngine(t, testConfig(server))
	for range 2 {
		if _, err := engine.LoadMore(context.Background()); err != nil {
			t.Fatalf("load more: %v", err)
		}
	}

	server.Remove("m0")
	server.FailNext(http.MethodGet, http.StatusInternalServerError, 1)
	if err := engine.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if len(engine.View()) != 3 {
		t.Fatalf("expected view untouched after failed refresh, got %v", viewIDs(engine))
	}
	status := engine.Status()
	if status.LastErrorKind != memos.CategoryRemote {
		t.Fatalf("expected remote error in status, got %+v", status)
	}
}

func TestSubmitMutationLifecycle(t *testing.T) {
	server := startServer(t, 1)
	engine := openEngine(t, testConfig(server))

	handle, err := engine.SubmitMutation(memos.MutationCreate, memos.MemoID{}, memos.ContentDelta("drafted offline #idea"))
	if err != nil {
		t.Fatalf("submit create: %v", err)
	}
	provisional := memos.ProvisionalID(1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Wait(ctx); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	canonical := handle.Target()
	if !canonical.IsCanonical() {
		t.Fatalf("expected canonical target after confirmation, got %s", canonical)
	}
	if _, ok := server.Memo(canonical.UID()); !ok {
		t.Fatalf("expected memo on server")
	}
	record, ok := engine.Get(provisional)
	if !ok || record.ID != canonical {
		t.Fatalf("expected provisional id to resolve to %s, got %+v", canonical, record)
	}
	if found, ok := engine.Mutation(handle.ID()); !ok || found.Status() != memos.MutationConfirmed {
		t.Fatalf("expected confirmed mutation lookup")
	}

	pin, err := engine.SubmitMutation(memos.MutationUpdate, provisional, memos.PinnedDelta(true))
	if err != nil {
		t.Fatalf("submit update: %v", err)
	}
	if err := pin.Wait(ctx); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if view := engine.View(); view[0].ID != canonical || !view[0].Pinned {
		t.Fatalf("expected pinned memo first, got %+v", view[0])
	}
}

func TestSearchFollowsView(t *testing.T) {
	server := startServer(t, 2)
	engine := openEngine(t, testConfig(server))

	engine.SetSearchQuery("  #TAG1 ")
	var matched []string
	for record := range engine.SearchResults() {
		matched = append(matched, record.ID.String())
	}
	if fmt.Sprint(matched) != "[m1]" {
		t.Fatalf("expected [m1], got %v", matched)
	}
	if engine.Status().Query != "#TAG1" {
		t.Fatalf("expected trimmed query in status")
	}
	if got := engine.Search("memo"); len(got) != 2 {
		t.Fatalf("expected ad hoc search to match both memos, got %d", len(got))
	}
}

func TestAttachmentsAndCurrentUser(t *testing.T) {
	server := startServer(t, 1)
	server.SetAttachments("m0", []memos.AttachmentRef{{ID: "a1", Filename: "photo.png", MimeType: "image/png", Size: 10}})
	engine := openEngine(t, testConfig(server))

	refs, err := engine.Attachments(context.Background(), memos.MustCanonicalID("m0"))
	if err != nil || len(refs) != 1 || refs[0].Filename != "photo.png" {
		t.Fatalf("unexpected attachments %+v err=%v", refs, err)
	}
	user, err := engine.CurrentUser(context.Background())
	if err != nil || user.Name != "users/1" {
		t.Fatalf("unexpected user %+v err=%v", user, err)
	}
	if err := engine.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestReauthenticateReplacesToken(t *testing.T) {
	server := startServer(t, 1)
	engine := openEngine(t, testConfig(server))

	if err := engine.Reauthenticate(context.Background(), ""); err == nil {
		t.Fatalf("expected empty token rejection")
	}
	if err := engine.Reauthenticate(context.Background(), server.Token()); err != nil {
		t.Fatalf("reauthenticate: %v", err)
	}
	status := engine.Status()
	if status.Subject != "users/1" || status.TokenExpiresAt == nil {
		t.Fatalf("expected token details in status, got %+v", status)
	}
}

func TestSnapshotSeedsViewWhenServerUnreachable(t *testing.T) {
	server := startServer(t, 3)
	db, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	snapshots, err := cache.New(cache.Config{Database: db})
	if err != nil {
		t.Fatalf("new snapshots: %v", err)
	}

	cfg := testConfig(server)
	cfg.PageSize = 50
	cfg.Snapshots = snapshots
	first, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first.Close()
	server.Close()

	second := openEngine(t, cfg)
	if got := viewIDs(second); fmt.Sprint(got) != "[m2 m1 m0]" {
		t.Fatalf("expected cached view, got %v", got)
	}
	if second.Status().LastErrorKind != memos.CategoryNetwork {
		t.Fatalf("expected network failure recorded, got %+v", second.Status())
	}
}

func TestSnapshotFlushedDuringPendingEditKeepsServerRecord(t *testing.T) {
	server := startServer(t, 1)
	db, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	snapshots, err := cache.New(cache.Config{Database: db})
	if err != nil {
		t.Fatalf("new snapshots: %v", err)
	}

	cfg := testConfig(server)
	cfg.Snapshots = snapshots
	first, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	draft := memos.PendingMutation{
		ID:          "unsent",
		Kind:        memos.MutationUpdate,
		Target:      memos.MustCanonicalID("m0"),
		Delta:       memos.ContentDelta("draft"),
		SubmittedAt: baseTime.Add(10 * time.Hour),
	}
	if err := first.store.ApplyOptimistic(draft); err != nil {
		t.Fatalf("apply draft: %v", err)
	}
	first.saveSnapshot(context.Background())
	first.Close()

	records, err := snapshots.Load(context.Background(), server.URL())
	if err != nil || len(records) != 1 || records[0].Content != "memo 0 #tag0" {
		t.Fatalf("expected confirmed record in snapshot, got %+v err=%v", records, err)
	}

	putMemo(server, "m0", "edited elsewhere", 5)
	second := openEngine(t, cfg)
	if got, _ := second.Get(memos.MustCanonicalID("m0")); got.Content != "edited elsewhere" {
		t.Fatalf("expected newer server record after reload, got %q", got.Content)
	}
}

func TestClosedEngineRejectsWork(t *testing.T) {
	server := startServer(t, 1)
	engine := openEngine(t, testConfig(server))
	engine.Close()

	if _, err := engine.SubmitMutation(memos.MutationCreate, memos.MemoID{}, memos.ContentDelta("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from submit, got %v", err)
	}
	if err := engine.Refresh(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from refresh, got %v", err)
	}
	if err := engine.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from run, got %v", err)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	server := startServer(t, 1)
	cfg := testConfig(server)
	cfg.RefreshInterval = 10 * time.Millisecond
	cfg.OnSearch = func(string) {}
	engine := openEngine(t, cfg)
	server.Remove("m0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for engine.store.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if engine.store.Len() != 0 {
		t.Fatalf("expected scheduled refresh to remove deleted memo")
	}
}

func TestSnapshotOfAnotherAccountIsNotSeeded(t *testing.T) {
	secret := []byte("shared-secret")
	server, err := memostest.Start(memostest.Options{Secret: secret})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(server.Close)
	putMemo(server, "m0", "first account memo", 0)

	db, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	snapshots, err := cache.New(cache.Config{Database: db})
	if err != nil {
		t.Fatalf("new snapshots: %v", err)
	}

	cfg := testConfig(server)
	cfg.Snapshots = snapshots
	first, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.CurrentUser(context.Background()); err != nil {
		t.Fatalf("current user: %v", err)
	}
	first.Close()
	if account, ok, err := snapshots.Account(context.Background(), server.URL()); err != nil || !ok || account.Name != "users/1" {
		t.Fatalf("expected remembered account, got %+v ok=%v err=%v", account, ok, err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: secret, Issuer: "memos", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	otherToken, _, err := issuer.Issue("users/2")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	server.Close()

	cfg.Token = otherToken
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatalf("expected open to fail without a usable snapshot")
	}
	if records, err := snapshots.Load(context.Background(), server.URL()); err != nil || len(records) != 1 {
		t.Fatalf("expected first account snapshot kept, got %d records err=%v", len(records), err)
	}
}
