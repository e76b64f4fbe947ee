package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"civictrack/internal/config"
	"civictrack/internal/db"
	"civictrack/internal/domain"
	"civictrack/internal/engine"
	"civictrack/internal/events"
	"civictrack/internal/migrate"
	"civictrack/internal/oracle"
	"civictrack/internal/repo"
)

// scriptedBackend answers every oracle call from its fields.
type scriptedBackend struct {
	mu sync.Mutex

	severity    oracle.SeverityResult
	severityErr error
	priority    domain.Priority
	priorityErr error
	title       string
	fraudulent  bool
	completion  oracle.RawCompletion
	calls       map[string]int
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		severity:   oracle.SeverityResult{IsRelevant: true, SeverityScore: 6, Reasoning: "Visible damage."},
		priority:   domain.PriorityLow,
		title:      "Damaged road surface",
		completion: oracle.Structured{Narrative: "Repair visible.", IsSatisfactory: true, Summary: "Fixed."},
		calls:      map[string]int{},
	}
}

func (b *scriptedBackend) record(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
}

func (b *scriptedBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *scriptedBackend) ClassifySeverity(context.Context, oracle.SeverityRequest) (oracle.SeverityResult, error) {
	b.record("severity")
	return b.severity, b.severityErr
}

func (b *scriptedBackend) ClassifyPriority(context.Context, oracle.PriorityRequest) (domain.Priority, error) {
	b.record("priority")
	return b.priority, b.priorityErr
}

func (b *scriptedBackend) GenerateTitle(context.Context, oracle.TitleRequest) (string, error) {
	b.record("title")
	return b.title, nil
}

func (b *scriptedBackend) DetectFraudulentImage(context.Context, []string) (bool, error) {
	b.record("fraud")
	return b.fraudulent, nil
}

func (b *scriptedBackend) CompareCompletion(context.Context, oracle.CompletionRequest) (oracle.RawCompletion, error) {
	b.record("compare")
	return b.completion, nil
}

func (b *scriptedBackend) ParseVoiceReport(context.Context, string) (oracle.VoiceReport, error) {
	b.record("voice")
	return oracle.VoiceReport{}, errors.New("not scripted")
}

type testEnv struct {
	Engine engine.Engine
	Oracle *scriptedBackend
	Ctx    context.Context
}

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Store = config.StoreConfig{MaxAttempts: 5, InitialBackoffMS: 1, MaxBackoffMS: 10}
	backend := newScriptedBackend()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(conn, cfg, oracle.NewAdapter(backend, time.Second, log), log)
	eng.Now = func() time.Time { return epoch }

	ctx := context.Background()
	_, err = eng.RegisterOfficial(ctx, engine.RegisterActorOptions{ActorID: "off-1", DisplayName: "Ward Officer"})
	require.NoError(t, err)
	_, err = eng.RegisterStaff(ctx, engine.RegisterActorOptions{RegistrarID: "off-1", ActorID: "staff-1", DisplayName: "Ravi", Department: "roads"})
	require.NoError(t, err)
	_, err = eng.RegisterStaff(ctx, engine.RegisterActorOptions{RegistrarID: "off-1", ActorID: "staff-water", DisplayName: "Asha", Department: "water"})
	require.NoError(t, err)
	return testEnv{Engine: eng, Oracle: backend, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, actorID string) domain.Issue {
	t.Helper()
	is, err := env.Engine.Create(env.Ctx, engine.CreateIssueOptions{
		ActorID:  actorID,
		Images:   []string{"https://img/pothole.jpg"},
		Notes:    "Large pothole near the bus stop",
		Category: domain.CategoryPothole,
		Address:  "12 Main St",
	})
	require.NoError(t, err)
	return is
}

func (env testEnv) assign(t *testing.T, issueID string) domain.Issue {
	t.Helper()
	is, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		IssueID: issueID, OfficialID: "off-1", StaffID: "staff-1", Deadline: epoch.AddDate(0, 0, 5),
	})
	require.NoError(t, err)
	return is
}

func (env testEnv) complete(t *testing.T, issueID string) domain.Issue {
	t.Helper()
	is, err := env.Engine.SubmitCompletion(env.Ctx, engine.CompletionOptions{
		IssueID: issueID, StaffID: "staff-1", Images: []string{"https://img/after.jpg"}, Notes: "Filled and rolled",
	})
	require.NoError(t, err)
	return is
}

func (env testEnv) actor(t *testing.T, id string) domain.ActorProfile {
	t.Helper()
	p, err := env.Engine.GetActor(env.Ctx, id)
	require.NoError(t, err)
	return p
}

func TestCreateRelevantIssue(t *testing.T) {
	env := newTestEnv(t)
	env.Oracle.severity = oracle.SeverityResult{IsRelevant: true, SeverityScore: 9, Reasoning: "Deep pothole."}
	env.Oracle.priority = domain.PriorityHigh

	is := env.create(t, "cit-1")

	assert.Equal(t, domain.StatusSubmitted, is.Status)
	assert.Equal(t, domain.PriorityHigh, is.Priority)
	assert.Equal(t, 9, is.SeverityScore)
	assert.Equal(t, "Damaged road surface", is.Title)
	assert.Equal(t, []string{"cit-1"}, is.Supporters)
	assert.Equal(t, 1, is.SupporterCount)
	assert.True(t, is.EstimatedResolution.Equal(epoch.AddDate(0, 0, 3)))

	p := env.actor(t, "cit-1")
	assert.Equal(t, 9, p.UtilityPoints)
	assert.Equal(t, 1, p.ReportCount)
	assert.Equal(t, 100, p.TrustPoints)
	assert.Equal(t, []string{"first-report"}, p.Badges)

	stored, err := env.Engine.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	assert.Equal(t, is.ID, stored.ID)

	evts, err := env.Engine.IssueEvents(env.Ctx, is.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.IssueCreated, evts[0].Type)
}

func TestCreateEstimateUsesCategoryBacklog(t *testing.T) {
	env := newTestEnv(t)
	env.Oracle.priority = domain.PriorityMedium
	for i := 0; i < 10; i++ {
		env.create(t, fmt.Sprintf("cit-%d", i))
	}
	is := env.create(t, "cit-late")
	assert.True(t, is.EstimatedResolution.Equal(epoch.AddDate(0, 0, 8)), "got %s", is.EstimatedResolution)

	days, pending, err := env.Engine.EstimateResolutionDays(env.Ctx, domain.PriorityHigh, domain.CategoryPothole)
	require.NoError(t, err)
	assert.Equal(t, 11, pending)
	assert.Equal(t, 3, days)
}

func TestCreateIrrelevantPenalizesAndPersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Oracle.severity = oracle.SeverityResult{IsRelevant: false, RejectionReason: "photo shows a cat"}

	_, err := env.Engine.Create(env.Ctx, engine.CreateIssueOptions{
		ActorID: "cit-1", Images: []string{"https://img/cat.jpg"}, Category: domain.CategoryOther, Address: "Park",
	})
	require.ErrorIs(t, err, domain.ErrRejectedIrrelevant)
	var rej *domain.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, "photo shows a cat", rej.Reason)

	p := env.actor(t, "cit-1")
	assert.Equal(t, 95, p.TrustPoints)
	assert.Zero(t, p.ReportCount)

	issues, _, err := env.Engine.ListIssues(env.Ctx, repo.IssueFilter{})
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Zero(t, env.Oracle.count("priority"))
}

func TestCreateOracleFailureLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.EnsureCitizen(env.Ctx, "cit-1", "Meera")
	require.NoError(t, err)
	before := env.actor(t, "cit-1")

	env.Oracle.priorityErr = errors.New("model overloaded")
	_, err = env.Engine.Create(env.Ctx, engine.CreateIssueOptions{
		ActorID: "cit-1", Images: []string{"https://img/1.jpg"}, Category: domain.CategoryPothole, Address: "Main St",
	})
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)

	issues, _, err := env.Engine.ListIssues(env.Ctx, repo.IssueFilter{})
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, before, env.actor(t, "cit-1"))

	env.Oracle.priorityErr = nil
	env.Oracle.severityErr = errors.New("timeout")
	_, err = env.Engine.Create(env.Ctx, engine.CreateIssueOptions{
		ActorID: "cit-2", Images: []string{"https://img/1.jpg"}, Category: domain.CategoryPothole, Address: "Main St",
	})
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)
	_, err = env.Engine.GetActor(env.Ctx, "cit-2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		opts engine.CreateIssueOptions
	}{
		{"no images", engine.CreateIssueOptions{ActorID: "c", Category: domain.CategoryRoad, Address: "x"}},
		{"too many images", engine.CreateIssueOptions{ActorID: "c", Category: domain.CategoryRoad, Address: "x", Images: []string{"1", "2", "3", "4", "5", "6"}}},
		{"no location", engine.CreateIssueOptions{ActorID: "c", Category: domain.CategoryRoad, Images: []string{"1"}}},
		{"bad category", engine.CreateIssueOptions{ActorID: "c", Category: "Volcano", Address: "x", Images: []string{"1"}}},
		{"no actor", engine.CreateIssueOptions{Category: domain.CategoryRoad, Address: "x", Images: []string{"1"}}},
		{"transcript without images", engine.CreateIssueOptions{ActorID: "c", Category: domain.CategoryPothole, Address: "x", Transcript: "pothole near the school gate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Engine.Create(env.Ctx, tt.opts)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Zero(t, env.Oracle.count("severity"))
	_, err := env.Engine.GetActor(env.Ctx, "c")
	require.ErrorIs(t, err, domain.ErrNotFound, "rejected input must not register or penalize the reporter")
}

func TestCreateRejectsNonCitizen(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Create(env.Ctx, engine.CreateIssueOptions{
		ActorID: "staff-1", Images: []string{"1"}, Category: domain.CategoryRoad, Address: "x",
	})
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestAssign(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")
	deadline := time.Date(2026, 3, 9, 17, 30, 0, 0, time.UTC)

	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{IssueID: is.ID, OfficialID: "cit-1", StaffID: "staff-1", Deadline: deadline})
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{IssueID: is.ID, OfficialID: "off-1", StaffID: "staff-water", Deadline: deadline})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{IssueID: is.ID, OfficialID: "off-1", StaffID: "staff-1"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{IssueID: is.ID, OfficialID: "off-1", StaffID: "ghost", Deadline: deadline})
	require.ErrorIs(t, err, domain.ErrNotFound)

	got, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{IssueID: is.ID, OfficialID: "off-1", StaffID: "staff-1", Deadline: deadline})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, "staff-1", got.AssignedStaffID)
	assert.Equal(t, "Ravi", got.AssignedStaffName)

	stored, err := env.Engine.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Deadline)
	assert.True(t, stored.Deadline.Equal(deadline))

	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{IssueID: is.ID, OfficialID: "off-1", StaffID: "staff-1", Deadline: deadline})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestAssignCatchAllDepartment(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterStaff(env.Ctx, engine.RegisterActorOptions{RegistrarID: "off-1", ActorID: "staff-any", Department: "Other"})
	require.NoError(t, err)
	is := env.create(t, "cit-1")
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{IssueID: is.ID, OfficialID: "off-1", StaffID: "staff-any", Deadline: epoch})
	require.NoError(t, err)
}

func TestSubmitCompletionFraudPenalizesStaff(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")
	env.assign(t, is.ID)
	env.Oracle.fraudulent = true

	_, err := env.Engine.SubmitCompletion(env.Ctx, engine.CompletionOptions{
		IssueID: is.ID, StaffID: "staff-1", Images: []string{"https://img/fake.jpg"}, Notes: "done",
	})
	require.ErrorIs(t, err, domain.ErrRejectedFraudulent)

	got, err := env.Engine.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Nil(t, got.Completion)
	assert.Empty(t, got.CompletionImages)
	assert.Empty(t, got.CompletionNotes)

	staff := env.actor(t, "staff-1")
	assert.Equal(t, 90, staff.TrustPoints)
	assert.Equal(t, 1, staff.AIImageWarningCount)
	assert.Zero(t, env.Oracle.count("compare"))
}

func TestSubmitCompletionIrrelevantChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")
	env.assign(t, is.ID)
	before := env.actor(t, "staff-1")
	env.Oracle.severity = oracle.SeverityResult{IsRelevant: false, RejectionReason: "blank image"}

	_, err := env.Engine.SubmitCompletion(env.Ctx, engine.CompletionOptions{
		IssueID: is.ID, StaffID: "staff-1", Images: []string{"https://img/blank.jpg"}, Notes: "done",
	})
	require.ErrorIs(t, err, domain.ErrRejectedIrrelevant)
	got, err := env.Engine.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, before, env.actor(t, "staff-1"))
	assert.Zero(t, env.Oracle.count("compare"))
}

func TestSubmitCompletionPreconditions(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")

	_, err := env.Engine.SubmitCompletion(env.Ctx, engine.CompletionOptions{IssueID: is.ID, StaffID: "staff-1", Images: []string{"a"}, Notes: "x"})
	require.ErrorIs(t, err, domain.ErrValidation)

	env.assign(t, is.ID)
	_, err = env.Engine.SubmitCompletion(env.Ctx, engine.CompletionOptions{IssueID: is.ID, StaffID: "staff-water", Images: []string{"a"}, Notes: "x"})
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = env.Engine.SubmitCompletion(env.Ctx, engine.CompletionOptions{IssueID: is.ID, StaffID: "staff-1", Images: []string{"a"}, Notes: "  "})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.SubmitCompletion(env.Ctx, engine.CompletionOptions{IssueID: is.ID, StaffID: "staff-1", Notes: "x"})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, env.Oracle.count("fraud"))
}

func TestApproveRewardsStaff(t *testing.T) {
	env := newTestEnv(t)
	env.Oracle.severity = oracle.SeverityResult{IsRelevant: true, SeverityScore: 6, Reasoning: "Medium."}
	is := env.create(t, "cit-1")
	env.assign(t, is.ID)
	got := env.complete(t, is.ID)
	assert.Equal(t, domain.StatusPendingApproval, got.Status)
	require.NotNil(t, got.Completion)
	assert.True(t, got.Completion.IsSatisfactory)

	_, err := env.Engine.Approve(env.Ctx, is.ID, "staff-1")
	require.ErrorIs(t, err, domain.ErrForbidden)

	got, err = env.Engine.Approve(env.Ctx, is.ID, "off-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, got.Status)
	assert.Empty(t, got.RejectionReason)

	staff := env.actor(t, "staff-1")
	assert.Equal(t, 6, staff.EfficiencyPoints)
	assert.Equal(t, 100, staff.TrustPoints)
}

func TestRejectBackEdgeAndResubmission(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")
	env.assign(t, is.ID)
	env.complete(t, is.ID)

	_, err := env.Engine.Reject(env.Ctx, is.ID, "off-1", " ")
	require.ErrorIs(t, err, domain.ErrValidation)

	got, err := env.Engine.Reject(env.Ctx, is.ID, "off-1", "Edges not sealed")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, "Edges not sealed", got.RejectionReason)
	assert.Equal(t, 95, env.actor(t, "staff-1").TrustPoints)

	got = env.complete(t, is.ID)
	assert.Equal(t, domain.StatusPendingApproval, got.Status)
	assert.Empty(t, got.RejectionReason)

	_, err = env.Engine.Approve(env.Ctx, is.ID, "off-1")
	require.NoError(t, err)
	staff := env.actor(t, "staff-1")
	assert.Equal(t, 100, staff.TrustPoints)
	assert.Equal(t, 6, staff.EfficiencyPoints)
}

func TestOutOfGraphTransitionsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")

	_, err := env.Engine.Approve(env.Ctx, is.ID, "off-1")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.Reject(env.Ctx, is.ID, "off-1", "no")
	require.ErrorIs(t, err, domain.ErrValidation)

	env.assign(t, is.ID)
	_, err = env.Engine.Approve(env.Ctx, is.ID, "off-1")
	require.ErrorIs(t, err, domain.ErrValidation)

	env.complete(t, is.ID)
	_, err = env.Engine.SubmitCompletion(env.Ctx, engine.CompletionOptions{IssueID: is.ID, StaffID: "staff-1", Images: []string{"a"}, Notes: "again"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.Engine.Approve(env.Ctx, is.ID, "off-1")
	require.NoError(t, err)
	_, err = env.Engine.Reject(env.Ctx, is.ID, "off-1", "late")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{IssueID: is.ID, OfficialID: "off-1", StaffID: "staff-1", Deadline: epoch})
	require.ErrorIs(t, err, domain.ErrValidation)

	got, err := env.Engine.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, got.Status)
}

func TestJoinIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")

	got, err := env.Engine.Join(env.Ctx, is.ID, "cit-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SupporterCount)

	got, err = env.Engine.Join(env.Ctx, is.ID, "cit-2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.SupporterCount)
	again, err := env.Engine.Join(env.Ctx, is.ID, "cit-2")
	require.NoError(t, err)
	assert.Equal(t, got.SupporterCount, again.SupporterCount)
	assert.Equal(t, got.Priority, again.Priority)
	assert.Equal(t, got.Version, again.Version)

	_, err = env.Engine.Join(env.Ctx, is.ID, "staff-1")
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestJoinResolvedIssueFails(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")
	env.assign(t, is.ID)
	env.complete(t, is.ID)
	_, err := env.Engine.Approve(env.Ctx, is.ID, "off-1")
	require.NoError(t, err)

	_, err = env.Engine.Join(env.Ctx, is.ID, "cit-2")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.GetActor(env.Ctx, "cit-2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentJoinsCountExactly(t *testing.T) {
	env := newTestEnv(t)
	env.Oracle.priority = domain.PriorityLow
	is := env.create(t, "cit-0")

	const n = 8
	var g errgroup.Group
	for i := 1; i <= n; i++ {
		actor := fmt.Sprintf("cit-%d", i)
		g.Go(func() error {
			_, err := env.Engine.Join(env.Ctx, is.ID, actor)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := env.Engine.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	assert.Equal(t, n+1, got.SupporterCount)
	assert.Len(t, got.Supporters, n+1)
	assert.Equal(t, domain.PriorityHigh, got.Priority)

	evts, err := env.Engine.IssueEvents(env.Ctx, is.ID, 100, 0)
	require.NoError(t, err)
	var joins, escalations int
	for _, ev := range evts {
		switch ev.Type {
		case events.IssueJoined:
			joins++
		case events.IssueEscalated:
			escalations++
		}
	}
	assert.Equal(t, n, joins)
	assert.Equal(t, 2, escalations)
}

func TestEscalationWaitsForThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.Oracle.priority = domain.PriorityLow
	is := env.create(t, "cit-0")
	var got domain.Issue
	for i := 1; i <= 4; i++ {
		var err error
		got, err = env.Engine.Join(env.Ctx, is.ID, fmt.Sprintf("cit-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, got.SupporterCount)
	assert.Equal(t, domain.PriorityLow, got.Priority)

	got, err := env.Engine.Join(env.Ctx, is.ID, "cit-5")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityMedium, got.Priority)
}

func TestTeamPlayerBadge(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		is := env.create(t, fmt.Sprintf("author-%d", i))
		_, err := env.Engine.Join(env.Ctx, is.ID, "joiner")
		require.NoError(t, err)
		if i < 3 {
			assert.False(t, env.actor(t, "joiner").HasBadge("team-player"))
		}
	}
	assert.True(t, env.actor(t, "joiner").HasBadge("team-player"))
}

func TestFeedback(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")
	_, err := env.Engine.Join(env.Ctx, is.ID, "cit-2")
	require.NoError(t, err)

	_, applied, err := env.Engine.Feedback(env.Ctx, engine.FeedbackOptions{IssueID: is.ID, ActorID: "cit-1", Rating: 8})
	require.NoError(t, err)
	assert.False(t, applied, "feedback before resolution")

	env.assign(t, is.ID)
	env.complete(t, is.ID)
	_, err = env.Engine.Reject(env.Ctx, is.ID, "off-1", "redo")
	require.NoError(t, err)
	env.complete(t, is.ID)
	_, err = env.Engine.Approve(env.Ctx, is.ID, "off-1")
	require.NoError(t, err)
	require.Equal(t, 100, env.actor(t, "staff-1").TrustPoints)

	_, _, err = env.Engine.Feedback(env.Ctx, engine.FeedbackOptions{IssueID: is.ID, ActorID: "cit-1", Rating: 11})
	require.ErrorIs(t, err, domain.ErrValidation)

	got, applied, err := env.Engine.Feedback(env.Ctx, engine.FeedbackOptions{IssueID: is.ID, ActorID: "cit-1", Rating: 2, Comment: "slow"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 2, got.Feedback["cit-1"].Rating)
	assert.Equal(t, 97, env.actor(t, "staff-1").TrustPoints)

	_, applied, err = env.Engine.Feedback(env.Ctx, engine.FeedbackOptions{IssueID: is.ID, ActorID: "cit-1", Rating: 10})
	require.NoError(t, err)
	assert.False(t, applied, "second feedback from the same actor")

	_, applied, err = env.Engine.Feedback(env.Ctx, engine.FeedbackOptions{IssueID: is.ID, ActorID: "stranger", Rating: 10})
	require.NoError(t, err)
	assert.False(t, applied, "feedback from a non-supporter")

	_, applied, err = env.Engine.Feedback(env.Ctx, engine.FeedbackOptions{IssueID: is.ID, ActorID: "cit-2", Rating: 10})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 100, env.actor(t, "staff-1").TrustPoints)

	stored, err := env.Engine.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Feedback["cit-1"].Rating)
	assert.Len(t, stored.Feedback, 2)
}

func TestFeedbackRequiresCitizen(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")
	env.assign(t, is.ID)
	env.complete(t, is.ID)
	_, err := env.Engine.Approve(env.Ctx, is.ID, "off-1")
	require.NoError(t, err)

	err = env.Engine.Repo.RunAtomic(env.Ctx, func(ctx context.Context, tx *repo.Tx) error {
		stored, err := tx.GetIssue(ctx, is.ID)
		if err != nil {
			return err
		}
		stored.Supporters = append(stored.Supporters, "staff-water")
		stored.SupporterCount = len(stored.Supporters)
		return tx.UpdateIssue(ctx, &stored)
	})
	require.NoError(t, err)

	_, applied, err := env.Engine.Feedback(env.Ctx, engine.FeedbackOptions{IssueID: is.ID, ActorID: "staff-water", Rating: 1})
	require.ErrorIs(t, err, domain.ErrForbidden)
	assert.False(t, applied)
	assert.Equal(t, 100, env.actor(t, "staff-1").TrustPoints)

	stored, err := env.Engine.GetIssue(env.Ctx, is.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Feedback)
}

func TestTrustStaysWithinBounds(t *testing.T) {
	env := newTestEnv(t)
	env.Oracle.severity = oracle.SeverityResult{IsRelevant: false, RejectionReason: "irrelevant"}
	for i := 0; i < 25; i++ {
		_, err := env.Engine.Create(env.Ctx, engine.CreateIssueOptions{
			ActorID: "cit-1", Images: []string{"x"}, Category: domain.CategoryOther, Address: "x",
		})
		require.ErrorIs(t, err, domain.ErrRejectedIrrelevant)
	}
	assert.Equal(t, 0, env.actor(t, "cit-1").TrustPoints)
}

func TestCreateFromVoiceUsesParsedClassification(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateFromVoice(env.Ctx, engine.VoiceIssueOptions{
		CallerPhone:   "+919800000001",
		Title:         "Burst water main",
		Category:      domain.CategoryWater,
		Transcript:    "Water is gushing from the main near the temple",
		Address:       "Temple Road",
		LocalityCode:  "560011",
		Priority:      domain.PriorityHigh,
		SeverityScore: 8,
		Reasoning:     "Large leak.",
	})
	require.NoError(t, err)
	assert.True(t, is.FromVoice)
	assert.Equal(t, "+919800000001", is.CallerPhone)
	assert.Equal(t, domain.PriorityHigh, is.Priority)
	assert.Equal(t, 8, is.SeverityScore)
	assert.Equal(t, "Burst water main", is.Title)
	assert.Zero(t, env.Oracle.count("severity"))
	assert.Zero(t, env.Oracle.count("priority"))

	p := env.actor(t, is.CreatorID)
	assert.Equal(t, domain.ActorCitizen, p.Kind)
	assert.Equal(t, "+919800000001", p.Phone)
	assert.Equal(t, 8, p.UtilityPoints)
}

func TestCreateFromVoiceWithImagesUsesClassifier(t *testing.T) {
	env := newTestEnv(t)
	env.Oracle.severity = oracle.SeverityResult{IsRelevant: true, SeverityScore: 3, Reasoning: "Minor."}
	is, err := env.Engine.CreateFromVoice(env.Ctx, engine.VoiceIssueOptions{
		CallerPhone: "+919800000002", Images: []string{"https://img/mms.jpg"}, Category: domain.CategoryGarbage,
		Transcript: "Garbage pile", Address: "Market", Priority: domain.PriorityHigh, SeverityScore: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, is.SeverityScore)
	assert.Equal(t, domain.PriorityLow, is.Priority)
	assert.Equal(t, 1, env.Oracle.count("severity"))
}

func TestConcurrentVoiceCallsShareOneCitizen(t *testing.T) {
	env := newTestEnv(t)
	const calls = 6
	var g errgroup.Group
	for i := 0; i < calls; i++ {
		g.Go(func() error {
			_, err := env.Engine.CreateFromVoice(env.Ctx, engine.VoiceIssueOptions{
				CallerPhone: "+919800000009", Category: domain.CategoryDrainage, Transcript: "Drain blocked",
				LocalityCode: "560001", Priority: domain.PriorityMedium, SeverityScore: 5,
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	citizens, err := env.Engine.ListActors(env.Ctx, domain.ActorCitizen)
	require.NoError(t, err)
	require.Len(t, citizens, 1)
	assert.Equal(t, calls, citizens[0].ReportCount)
	assert.Equal(t, calls*5, citizens[0].UtilityPoints)

	issues, _, err := env.Engine.ListIssues(env.Ctx, repo.IssueFilter{CreatorID: citizens[0].ID})
	require.NoError(t, err)
	assert.Len(t, issues, calls)
}

func TestCommentsAndLikes(t *testing.T) {
	env := newTestEnv(t)
	is := env.create(t, "cit-1")

	_, err := env.Engine.Comment(env.Ctx, is.ID, "cit-2", "  ")
	require.ErrorIs(t, err, domain.ErrValidation)
	got, err := env.Engine.Comment(env.Ctx, is.ID, "off-1", "Crew scheduled for Monday")
	require.NoError(t, err)
	require.Len(t, got.Comments, 1)
	assert.Equal(t, "off-1", got.Comments[0].ActorID)

	got, err = env.Engine.Like(env.Ctx, is.ID, "cit-2")
	require.NoError(t, err)
	got, err = env.Engine.Like(env.Ctx, is.ID, "cit-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"cit-2"}, got.LikedBy)
	got, err = env.Engine.Unlike(env.Ctx, is.ID, "cit-2")
	require.NoError(t, err)
	assert.Empty(t, got.LikedBy)
	assert.False(t, got.IsSupporter("cit-2"))
}

func TestRegisterActors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterOfficial(env.Ctx, engine.RegisterActorOptions{ActorID: "off-2"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.RegisterStaff(env.Ctx, engine.RegisterActorOptions{RegistrarID: "staff-1", ActorID: "s-2", Department: "roads"})
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = env.Engine.RegisterStaff(env.Ctx, engine.RegisterActorOptions{RegistrarID: "off-1", ActorID: "staff-1", Department: "roads"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.RegisterStaff(env.Ctx, engine.RegisterActorOptions{RegistrarID: "off-1", ActorID: "s-2"})
	require.ErrorIs(t, err, domain.ErrValidation)

	off, err := env.Engine.RegisterOfficial(env.Ctx, engine.RegisterActorOptions{RegistrarID: "off-1", ActorID: "off-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActorOfficial, off.Kind)

	staff := env.actor(t, "staff-1")
	assert.Equal(t, 100, staff.TrustPoints)
	assert.Equal(t, "roads", staff.Department)
}
