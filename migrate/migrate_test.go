package migrate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/custodian/plugin"
)

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

type memLedger struct {
	version  int
	advances []Applied
	holder   string
	locks    int
}

func (l *memLedger) Version(context.Context) (int, error) { return l.version, nil }

func (l *memLedger) Advance(_ context.Context, a Applied) error {
	l.advances = append(l.advances, a)
	l.version = max(l.version, a.Version)
	return nil
}

func (l *memLedger) Lock(_ context.Context, owner string) error {
	if l.holder != "" {
		return fmt.Errorf("held by %s: %w", l.holder, ErrLockHeld)
	}
	l.holder = owner
	l.locks++
	return nil
}

func (l *memLedger) Unlock(_ context.Context, owner string) error {
	if l.holder == owner {
		l.holder = ""
	}
	return nil
}

type memDocs struct {
	order []string
	docs  map[string]bson.M
	puts  int
}

func newDocs(docs ...bson.M) *memDocs {
	d := &memDocs{docs: make(map[string]bson.M)}
	for _, doc := range docs {
		k := fmt.Sprint(doc["_id"])
		d.order = append(d.order, k)
		d.docs[k] = doc
	}
	return d
}

func docVersion(doc bson.M) int {
	switch v := doc[VersionField].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

func (d *memDocs) Pending(ctx context.Context, version int, fn func(bson.M) error) error {
	for _, k := range slices.Clone(d.order) {
		doc := d.docs[k]
		if docVersion(doc) >= version {
			continue
		}
		if err := fn(maps.Clone(doc)); err != nil {
			return err
		}
	}
	return nil
}

func (d *memDocs) Replace(_ context.Context, doc bson.M) error {
	k := fmt.Sprint(doc["_id"])
	if _, ok := d.docs[k]; !ok {
		d.order = append(d.order, k)
	}
	d.docs[k] = doc
	d.puts++
	return nil
}

func (d *memDocs) get(k string) bson.M { return d.docs[k] }

type memRoles struct {
	byName map[string]string
}

func newRoles() *memRoles { return &memRoles{byName: make(map[string]string)} }

func (r *memRoles) EnsureRole(_ context.Context, name, normalized string) error {
	if _, ok := r.byName[normalized]; !ok {
		r.byName[normalized] = name
	}
	return nil
}

type countingTx struct{ calls int }

func (t *countingTx) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	t.calls++
	return fn(ctx)
}

type recorder struct {
	applied []int
	failed  []int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnMigrationApplied(_ context.Context, version int, _ string, _ int) error {
	r.applied = append(r.applied, version)
	return nil
}

func (r *recorder) OnMigrationFailed(_ context.Context, version int, _ string, _ error) error {
	r.failed = append(r.failed, version)
	return nil
}

func fixedClock() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

// ──────────────────────────────────────────────────
// Group
// ──────────────────────────────────────────────────

func TestGroupRegisterValidates(t *testing.T) {
	noop := func(context.Context, *Env, bson.M) (bool, error) { return false, nil }

	g := NewGroup("test")
	if err := g.Register(&Step{Version: 2, Name: "b", Up: noop}, &Step{Version: 1, Name: "a", Up: noop}); err != nil {
		t.Fatal(err)
	}
	if got := g.Steps(); got[0].Version != 1 || got[1].Version != 2 {
		t.Fatal("steps must be sorted by version")
	}
	if g.Latest() != 2 {
		t.Fatalf("expected latest 2, got %d", g.Latest())
	}

	if err := g.Register(&Step{Version: 2, Name: "dup", Up: noop}); err == nil {
		t.Fatal("expected duplicate version error")
	}
	if err := g.Register(&Step{Version: 0, Name: "zero", Up: noop}); err == nil {
		t.Fatal("expected non-positive version error")
	}
	if err := g.Register(&Step{Version: 9, Name: "nil"}); err == nil {
		t.Fatal("expected missing Up error")
	}
	if err := g.Register(&Step{Version: 7, Up: noop}); err == nil {
		t.Fatal("expected missing name error")
	}

	// A rejected batch leaves the group as it was.
	if err := g.Register(&Step{Version: 5, Name: "e", Up: noop}, &Step{Version: 2, Name: "dup", Up: noop}); err == nil {
		t.Fatal("expected duplicate version error")
	}
	if err := g.Register(&Step{Version: 6, Name: "f", Up: noop}, &Step{Version: 6, Name: "g", Up: noop}); err == nil {
		t.Fatal("expected duplicate version within batch error")
	}
	if got := len(g.Steps()); got != 2 {
		t.Fatalf("failed Register changed the group: %d steps", got)
	}
	if g.Latest() != 2 {
		t.Fatalf("failed Register moved latest to %d", g.Latest())
	}

	if err := g.Register(&Step{Version: 4, Name: "d", Up: noop}, &Step{Version: 3, Name: "c", Up: noop}); err != nil {
		t.Fatal(err)
	}
	var versions []int
	for _, s := range g.Steps() {
		versions = append(versions, s.Version)
	}
	if !slices.Equal(versions, []int{1, 2, 3, 4}) {
		t.Fatalf("unexpected order %v", versions)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("MustRegister should panic")
		}
	}()
	g.MustRegister(&Step{Version: 1, Name: "again", Up: noop})
}

func TestGroupOrdersVersionsNumerically(t *testing.T) {
	if versionKey(9) >= versionKey(10) {
		t.Fatalf("version keys sort as text: %q >= %q", versionKey(9), versionKey(10))
	}

	var ran []int
	step := func(v int) *Step {
		return &Step{Version: v, Name: fmt.Sprintf("s%d", v), Up: func(context.Context, *Env, bson.M) (bool, error) {
			ran = append(ran, v)
			return false, nil
		}}
	}
	g := NewGroup("numeric")
	g.MustRegister(step(10), step(9), step(100))

	if _, err := New(&memLedger{}, newDocs(bson.M{"_id": "a"}), newRoles(), WithGroup(g)).Apply(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ran, []int{9, 10, 100}) {
		t.Fatalf("steps ran out of order: %v", ran)
	}
}

func TestDefaultGroupIsFresh(t *testing.T) {
	a, b := DefaultGroup(), DefaultGroup()
	a.MustRegister(&Step{Version: 10, Name: "extra", Up: func(context.Context, *Env, bson.M) (bool, error) { return false, nil }})
	if b.Latest() != VersionAuthenticatorTokens {
		t.Fatalf("groups share state: latest %d", b.Latest())
	}
}

// ──────────────────────────────────────────────────
// Apply
// ──────────────────────────────────────────────────

func legacyAccount() bson.M {
	return bson.M{
		"_id":            "u1",
		"user_name":      "alice",
		"favorite_color": "blue",
		"roles":          bson.A{bson.M{"name": "Admin"}},
		"logins":         bson.A{bson.M{"login_provider": "github", "provider_key": "42"}},
		"user_claims":    bson.A{bson.M{"claim_type": "tier", "claim_value": "gold"}},
		"tokens":         bson.A{bson.M{"login_provider": "github", "name": "access", "value": "t"}},
	}
}

func TestApplyResolvesEmbeddedRoles(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	docs := newDocs(legacyAccount())
	roles := newRoles()

	res, err := New(ledger, docs, roles, WithClock(fixedClock)).Apply(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.From != 0 || res.To != VersionAuthenticatorTokens || len(res.Steps) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if ledger.version != VersionAuthenticatorTokens {
		t.Fatalf("expected ledger %d, got %d", VersionAuthenticatorTokens, ledger.version)
	}
	if roles.byName["ADMIN"] != "Admin" {
		t.Fatalf("expected role Admin to be created, got %v", roles.byName)
	}

	doc := docs.get("u1")
	if !reflect.DeepEqual(doc["roles"], bson.A{"ADMIN"}) {
		t.Fatalf("expected roles [ADMIN], got %v", doc["roles"])
	}
	if docVersion(doc) != VersionAuthenticatorTokens {
		t.Fatalf("expected schema_version %d, got %v", VersionAuthenticatorTokens, doc[VersionField])
	}
	if doc["favorite_color"] != "blue" {
		t.Fatal("unknown field dropped")
	}
	if s, _ := doc[StampField].(string); s == "" {
		t.Fatal("migrated document has no concurrency stamp")
	}
	if _, ok := doc["logins"]; !ok {
		t.Fatal("logins dropped")
	}
	if _, ok := doc["tokens"]; !ok {
		t.Fatal("tokens dropped")
	}
	claims, _ := asSlice(doc["claims"])
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %v", doc["claims"])
	}
	if _, ok := doc["user_claims"]; ok {
		t.Fatal("legacy claim field still present")
	}
	for _, a := range ledger.advances {
		if !a.AppliedAt.Equal(fixedClock()) {
			t.Fatalf("unexpected applied_at %v", a.AppliedAt)
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	docs := newDocs(legacyAccount(), bson.M{"_id": "u2", "roles": bson.A{"USER"}})
	m := New(ledger, docs, newRoles())

	if _, err := m.Apply(ctx); err != nil {
		t.Fatal(err)
	}
	snapshot := map[string]bson.M{}
	for k, v := range docs.docs {
		snapshot[k] = maps.Clone(v)
	}
	advances, puts := len(ledger.advances), docs.puts

	res, err := m.Apply(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Steps) != 0 {
		t.Fatalf("second run applied %d steps", len(res.Steps))
	}
	if len(ledger.advances) != advances || docs.puts != puts {
		t.Fatal("second run wrote to the store")
	}
	if !reflect.DeepEqual(snapshot, docs.docs) {
		t.Fatal("documents changed on second run")
	}
}

func TestStepsAreNoOpOnCurrentShape(t *testing.T) {
	ctx := context.Background()
	env := &Env{Roles: newRoles(), Normalize: func(s string) string { return s }, Now: fixedClock}
	current := bson.M{
		"_id":    "u3",
		"roles":  bson.A{"ADMIN"},
		"claims": bson.A{bson.M{"type": "tier", "value": "gold"}},
		"tokens": bson.A{},
	}
	for _, s := range DefaultGroup().Steps() {
		doc := maps.Clone(current)
		changed, err := s.Up(ctx, env, doc)
		if err != nil {
			t.Fatal(err)
		}
		if changed {
			t.Fatalf("%s changed a current document: %v", s.Name, doc)
		}
	}
}

func TestFailedStepLeavesLedger(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	docs := newDocs(bson.M{"_id": "a"}, bson.M{"_id": "b"})
	rec := &recorder{}
	reg := plugin.NewRegistry(nil)
	reg.Register(rec)

	boom := errors.New("boom")
	broken := true
	g := DefaultGroup()
	g.MustRegister(&Step{Version: 4, Name: "flaky", Up: func(_ context.Context, _ *Env, doc bson.M) (bool, error) {
		if broken && doc["_id"] == "b" {
			return false, boom
		}
		doc["touched"] = true
		return true, nil
	}})

	m := New(ledger, docs, newRoles(), WithGroup(g), WithPlugins(reg))
	res, err := m.Apply(ctx)
	if !errors.Is(err, ErrMigrationFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}
	if ledger.version != 3 || res.To != 3 {
		t.Fatalf("ledger advanced past failing step: %d", ledger.version)
	}
	if !slices.Equal(rec.failed, []int{4}) || len(rec.applied) != 3 {
		t.Fatalf("unexpected hooks applied=%v failed=%v", rec.applied, rec.failed)
	}

	broken = false
	if _, err := m.Apply(ctx); err != nil {
		t.Fatal(err)
	}
	if ledger.version != 4 {
		t.Fatalf("expected ledger 4, got %d", ledger.version)
	}
	if docs.get("b")["touched"] != true {
		t.Fatal("retry did not reach the failed document")
	}
}

func TestApplyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ledger := &memLedger{}
	docs := newDocs(legacyAccount())
	_, err := New(ledger, docs, newRoles()).Apply(ctx)
	if !errors.Is(err, ErrMigrationFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation failure, got %v", err)
	}
	if ledger.version != 0 {
		t.Fatal("ledger advanced after cancellation")
	}
	if docs.puts != 0 {
		t.Fatal("documents written after cancellation")
	}
}

func TestApplyRunsStepsInTx(t *testing.T) {
	tx := &countingTx{}
	if _, err := New(&memLedger{}, newDocs(), newRoles(), WithTx(tx)).Apply(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tx.calls != 3 {
		t.Fatalf("expected 3 transactions, got %d", tx.calls)
	}
}

func TestApplyReleasesLock(t *testing.T) {
	ledger := &memLedger{}
	if _, err := New(ledger, newDocs(legacyAccount()), newRoles()).Apply(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ledger.locks != 1 || ledger.holder != "" {
		t.Fatalf("expected one released lock, got locks=%d holder=%q", ledger.locks, ledger.holder)
	}

	// Nothing pending: no lock is taken.
	if _, err := New(ledger, newDocs(), newRoles()).Apply(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ledger.locks != 1 {
		t.Fatalf("up-to-date ledger was locked again: %d", ledger.locks)
	}
}

func TestApplyWaitsForHeldLock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	ledger := &memLedger{holder: "other-instance"}
	docs := newDocs(legacyAccount())
	_, err := New(ledger, docs, newRoles()).Apply(ctx)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("expected migration failure, got %v", err)
	}
	if docs.puts != 0 || ledger.version != 0 {
		t.Fatal("migrated without holding the lock")
	}
	if ledger.holder != "other-instance" {
		t.Fatalf("lock of another owner released: %q", ledger.holder)
	}
}

func TestPending(t *testing.T) {
	m := New(&memLedger{version: 2}, newDocs(), newRoles())
	steps, err := m.Pending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Name != "authenticator_tokens" {
		t.Fatalf("unexpected pending steps %v", steps)
	}
}

// ──────────────────────────────────────────────────
// Built-in steps
// ──────────────────────────────────────────────────

func TestEmbeddedRolesKeepsUnmappableData(t *testing.T) {
	env := &Env{Roles: newRoles(), Normalize: func(s string) string { return "N_" + s }}
	doc := bson.M{"Roles": bson.A{
		bson.D{{Key: "Name", Value: "Ops"}},
		bson.M{"normalized_name": "AUDIT", "claims": bson.A{"x"}},
		"ADMIN",
		"ADMIN",
		42,
	}}
	changed, err := upEmbeddedRoles(context.Background(), env, doc)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected change")
	}
	if _, ok := doc["Roles"]; ok {
		t.Fatal("PascalCase field not removed")
	}
	if !reflect.DeepEqual(doc["roles"], bson.A{"N_Ops", "AUDIT", "N_ADMIN"}) {
		t.Fatalf("unexpected roles %v", doc["roles"])
	}
	legacy, _ := asSlice(doc[LegacyRolesField])
	if len(legacy) != 2 {
		t.Fatalf("expected the role with claims and the number to be kept, got %v", legacy)
	}
}

func TestEmbeddedRolesNormalizesPlainNames(t *testing.T) {
	roles := newRoles()
	roles.byName["ADMIN"] = "Administrators"
	env := &Env{Roles: roles, Normalize: strings.ToUpper}
	doc := bson.M{"roles": bson.A{"Admin", "ADMIN", "Support", ""}}

	changed, err := upEmbeddedRoles(context.Background(), env, doc)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected change")
	}
	if !reflect.DeepEqual(doc["roles"], bson.A{"ADMIN", "SUPPORT"}) {
		t.Fatalf("unexpected roles %v", doc["roles"])
	}
	if roles.byName["SUPPORT"] != "Support" {
		t.Fatalf("missing role not created: %v", roles.byName)
	}
	if roles.byName["ADMIN"] != "Administrators" {
		t.Fatal("existing role overwritten")
	}
	legacy, _ := asSlice(doc[LegacyRolesField])
	if len(legacy) != 1 || legacy[0] != "" {
		t.Fatalf("expected the empty name to be kept aside, got %v", legacy)
	}
}

func TestEmbeddedRolesNeedsRoleBackend(t *testing.T) {
	env := &Env{Normalize: func(s string) string { return s }}
	_, err := upEmbeddedRoles(context.Background(), env, bson.M{"roles": bson.A{bson.M{"name": "x"}}})
	if err == nil {
		t.Fatal("expected an error without a role backend")
	}
}

func TestClaimsFieldMerges(t *testing.T) {
	doc := bson.M{
		"claims": bson.A{bson.M{"type": "tier", "value": "gold"}},
		"userClaims": bson.A{
			bson.M{"ClaimType": "tier", "ClaimValue": "gold"},
			bson.M{"claimType": "dept", "claimValue": "eng", "issuer": "hr"},
			bson.M{"claimValue": "orphan"},
		},
	}
	changed, err := upClaimsField(context.Background(), nil, doc)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected change")
	}
	claims, _ := asSlice(doc["claims"])
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %v", claims)
	}
	dept, _ := asMap(claims[1])
	if !reflect.DeepEqual(dept, bson.M{"type": "dept", "value": "eng"}) {
		t.Fatalf("unexpected claim %v", dept)
	}
	legacy, _ := asSlice(doc[LegacyClaimsField])
	if len(legacy) != 2 {
		t.Fatalf("expected untyped claim and issuer preserved, got %v", doc[LegacyClaimsField])
	}
	kept, _ := asMap(legacy[0])
	if kept["issuer"] != "hr" || kept["claimType"] != "dept" {
		t.Fatalf("claim sub-fields lost: %v", kept)
	}
}

func TestAuthenticatorTokens(t *testing.T) {
	doc := bson.M{
		"authenticator_key": "K",
		"recovery_codes":    bson.A{"a", "b"},
	}
	changed, err := upAuthenticatorTokens(context.Background(), nil, doc)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected change")
	}
	if _, ok := doc["authenticator_key"]; ok {
		t.Fatal("authenticator_key not moved")
	}
	tokens, _ := asSlice(doc["tokens"])
	want := []bson.M{
		{"login_provider": AuthenticatorProvider, "name": AuthenticatorKeyToken, "value": "K"},
		{"login_provider": AuthenticatorProvider, "name": RecoveryCodesToken, "value": "a;b"},
	}
	if len(tokens) != len(want) {
		t.Fatalf("unexpected tokens %v", tokens)
	}
	for i := range want {
		if !reflect.DeepEqual(tokens[i], want[i]) {
			t.Fatalf("token %d: got %v want %v", i, tokens[i], want[i])
		}
	}
}

func TestAuthenticatorTokensKeepsConflicts(t *testing.T) {
	doc := bson.M{
		"authenticatorKey": "OLD",
		"tokens": bson.A{bson.M{
			"login_provider": AuthenticatorProvider,
			"name":           AuthenticatorKeyToken,
			"value":          "NEW",
		}},
	}
	changed, err := upAuthenticatorTokens(context.Background(), nil, doc)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("conflicting legacy value must not be applied")
	}
	if doc["authenticatorKey"] != "OLD" {
		t.Fatal("legacy value dropped")
	}
}
