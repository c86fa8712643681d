package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pipecd/api/internal/auth"
	"pipecd/api/internal/crm"
	"pipecd/api/internal/events"
	"pipecd/api/internal/rbac"
	"pipecd/api/internal/store"
	"pipecd/api/internal/validate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) recorded() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// countingService records every call that reaches the service layer.
type countingService struct {
	calls    int
	createFn func(ownerID string, in validate.Input) (any, error)
}

func (s *countingService) List(context.Context, store.Client) (any, error) {
	s.calls++
	return []any{}, nil
}

func (s *countingService) GetByID(context.Context, store.Client, string) (any, error) {
	s.calls++
	return nil, nil
}

func (s *countingService) Create(_ context.Context, _ store.Client, ownerID string, in validate.Input) (any, error) {
	s.calls++
	if s.createFn != nil {
		return s.createFn(ownerID, in)
	}
	return map[string]any{"id": "p1", "user_id": ownerID}, nil
}

func (s *countingService) Update(context.Context, store.Client, string, validate.Input) (any, error) {
	s.calls++
	return nil, nil
}

func (s *countingService) Delete(context.Context, store.Client, string) (int64, error) {
	s.calls++
	return 0, nil
}

func personDispatcher(svc entityService, emitter EventEmitter, cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	return newDispatcher(map[rbac.Entity]binding{
		rbac.EntityPerson: {
			label:   "Person",
			plural:  "people",
			service: svc,
			create:  validate.PersonCreate,
			update:  validate.PersonUpdate,
		},
	}, emitter, cfg)
}

func callerContext(db store.DB, userID string, role rbac.Role) context.Context {
	identity := &auth.Identity{ID: userID, Email: userID + "@example.com", Role: string(role)}
	client := db.Scoped(store.Claims{Subject: userID, Email: identity.Email, Role: identity.Role})
	rc := NewRequestContext(identity, client, rbac.Permissions(role))
	return WithRequestContext(context.Background(), rc)
}

func anonymousContext(db store.DB) context.Context {
	return WithRequestContext(context.Background(), NewRequestContext(nil, db.Anonymous(), rbac.NewSet()))
}

func codeOf(t *testing.T, err error) Kind {
	t.Helper()
	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *Error, got %T (%v)", err, err)
	}
	return appErr.Kind
}

func TestAnonymousCallerNeverReachesService(t *testing.T) {
	db := store.NewMemoryDB()
	svc := &countingService{}
	emitter := &recordingEmitter{}
	d := personDispatcher(svc, emitter, DispatcherConfig{})
	ctx := anonymousContext(db)

	if _, err := d.List(ctx, rbac.EntityPerson); codeOf(t, err) != KindUnauthenticated {
		t.Fatalf("list: expected UNAUTHENTICATED, got %v", err)
	}
	if _, err := d.Get(ctx, rbac.EntityPerson, uuid.NewString()); codeOf(t, err) != KindUnauthenticated {
		t.Fatalf("get: expected UNAUTHENTICATED, got %v", err)
	}
	// Authentication runs before validation, so bad input still reads as
	// UNAUTHENTICATED.
	if _, err := d.Create(ctx, rbac.EntityPerson, map[string]any{}); codeOf(t, err) != KindUnauthenticated {
		t.Fatalf("create: expected UNAUTHENTICATED, got %v", err)
	}
	if _, err := d.Update(ctx, rbac.EntityPerson, "nope", map[string]any{"first_name": "x"}); codeOf(t, err) != KindUnauthenticated {
		t.Fatalf("update: expected UNAUTHENTICATED, got %v", err)
	}
	if _, err := d.Delete(ctx, rbac.EntityPerson, uuid.NewString()); codeOf(t, err) != KindUnauthenticated {
		t.Fatalf("delete: expected UNAUTHENTICATED, got %v", err)
	}

	if svc.calls != 0 {
		t.Fatalf("expected no service calls, got %d", svc.calls)
	}
	if n := len(emitter.recorded()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestInvalidInputNamesFieldAndSkipsService(t *testing.T) {
	db := store.NewMemoryDB()
	svc := &countingService{}
	d := personDispatcher(svc, &recordingEmitter{}, DispatcherConfig{})
	ctx := callerContext(db, "U1", rbac.RoleEditor)

	_, err := d.Create(ctx, rbac.EntityPerson, map[string]any{"first_name": "Jane", "email": "not-an-email"})
	if codeOf(t, err) != KindBadUserInput {
		t.Fatalf("expected BAD_USER_INPUT, got %v", err)
	}
	if !strings.Contains(err.Error(), "email") {
		t.Fatalf("expected message to name email, got %q", err.Error())
	}

	_, err = d.Create(ctx, rbac.EntityPerson, map[string]any{})
	if codeOf(t, err) != KindBadUserInput {
		t.Fatalf("expected BAD_USER_INPUT for empty person, got %v", err)
	}
	if !strings.Contains(err.Error(), "first_name") {
		t.Fatalf("expected message to name first_name, got %q", err.Error())
	}

	_, err = d.Update(ctx, rbac.EntityPerson, "not-a-uuid", map[string]any{"first_name": "Jane"})
	if codeOf(t, err) != KindBadUserInput {
		t.Fatalf("expected BAD_USER_INPUT for bad id, got %v", err)
	}

	if svc.calls != 0 {
		t.Fatalf("expected no service calls, got %d", svc.calls)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	db := store.NewMemoryDB()
	svc := &countingService{}
	d := personDispatcher(svc, &recordingEmitter{}, DispatcherConfig{})
	ctx := callerContext(db, "U1", rbac.RoleViewer)

	_, err := d.Create(ctx, rbac.EntityPerson, map[string]any{"first_name": "Jane"})
	if codeOf(t, err) != KindForbidden {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	var appErr *Error
	errors.As(err, &appErr)
	if appErr.Details["capability"] != "person:create" {
		t.Fatalf("expected capability detail, got %#v", appErr.Details)
	}
	if svc.calls != 0 {
		t.Fatalf("expected no service calls, got %d", svc.calls)
	}

	if _, err := d.List(ctx, rbac.EntityPerson); err != nil {
		t.Fatalf("viewer should be able to list: %v", err)
	}
	if svc.calls != 1 {
		t.Fatalf("expected list to reach the service, got %d calls", svc.calls)
	}
}

func TestInternalFailureIsGeneric(t *testing.T) {
	db := store.NewMemoryDB()
	svc := &countingService{createFn: func(string, validate.Input) (any, error) {
		return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}}
	emitter := &recordingEmitter{}
	ctx := callerContext(db, "U1", rbac.RoleEditor)

	d := personDispatcher(svc, emitter, DispatcherConfig{})
	_, err := d.Create(ctx, rbac.EntityPerson, map[string]any{"first_name": "Jane"})
	if codeOf(t, err) != KindInternal {
		t.Fatalf("expected INTERNAL_SERVER_ERROR, got %v", err)
	}
	if strings.Contains(err.Error(), "10.0.0.5") {
		t.Fatalf("message leaks diagnostic: %q", err.Error())
	}
	if _, ok := err.(*Error).Extensions()["diagnostic"]; ok {
		t.Fatal("diagnostic must stay hidden by default")
	}

	d = personDispatcher(svc, emitter, DispatcherConfig{ExposeDiagnostics: true})
	_, err = d.Create(ctx, rbac.EntityPerson, map[string]any{"first_name": "Jane"})
	diagnostic, _ := err.(*Error).Extensions()["diagnostic"].(string)
	if !strings.Contains(diagnostic, "connection refused") {
		t.Fatalf("expected exposed diagnostic, got %q", diagnostic)
	}

	if n := len(emitter.recorded()); n != 0 {
		t.Fatalf("failed mutations must not emit, got %d events", n)
	}
}

func TestCreateForcesOwnerAndEmitsOnce(t *testing.T) {
	db := store.NewMemoryDB()
	emitter := &recordingEmitter{}
	d := NewDispatcher(crm.NewServices(), emitter, DispatcherConfig{Logger: discardLogger()})
	ctx := callerContext(db, "U1", rbac.RoleEditor)

	result, err := d.Create(ctx, rbac.EntityPerson, map[string]any{
		"first_name": "Jane",
		"email":      "Jane@Test.com",
		"user_id":    "U2",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	person := result.(*crm.Person)
	if person.UserID != "U1" {
		t.Fatalf("expected owner U1, got %q", person.UserID)
	}
	if person.Email == nil || *person.Email != "jane@test.com" {
		t.Fatalf("expected normalized email, got %v", person.Email)
	}

	recorded := emitter.recorded()
	if len(recorded) != 1 {
		t.Fatalf("expected one event, got %d", len(recorded))
	}
	if recorded[0].Name != "crm/person.created" || recorded[0].Actor.ID != "U1" {
		t.Fatalf("unexpected event %+v", recorded[0])
	}
	if recorded[0].Data.(*crm.Person).ID != person.ID {
		t.Fatal("event should carry the created record")
	}

	got, err := d.Get(ctx, rbac.EntityPerson, person.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.(*crm.Person).ID != person.ID {
		t.Fatalf("round trip returned %+v", got)
	}
}

func TestForeignAndMissingRecordsAreNotFound(t *testing.T) {
	db := store.NewMemoryDB()
	emitter := &recordingEmitter{}
	d := NewDispatcher(crm.NewServices(), emitter, DispatcherConfig{Logger: discardLogger()})
	owner := callerContext(db, "U1", rbac.RoleEditor)
	other := callerContext(db, "U2", rbac.RoleAdmin)

	result, err := d.Create(owner, rbac.EntityDeal, map[string]any{"name": "Renewal", "amount": 5000})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	deal := result.(*crm.Deal)

	if _, err := d.Update(other, rbac.EntityDeal, deal.ID, map[string]any{"name": "Hijacked"}); codeOf(t, err) != KindNotFound {
		t.Fatalf("foreign update: expected NOT_FOUND, got %v", err)
	}
	if _, err := d.Delete(other, rbac.EntityDeal, deal.ID); codeOf(t, err) != KindNotFound {
		t.Fatalf("foreign delete: expected NOT_FOUND, got %v", err)
	}
	if _, err := d.Delete(owner, rbac.EntityDeal, uuid.NewString()); codeOf(t, err) != KindNotFound {
		t.Fatalf("missing delete: expected NOT_FOUND, got %v", err)
	}
	if _, err := d.Update(owner, rbac.EntityDeal, uuid.NewString(), map[string]any{"name": "x"}); codeOf(t, err) != KindNotFound {
		t.Fatalf("missing update: expected NOT_FOUND, got %v", err)
	}

	got, err := d.Get(other, rbac.EntityDeal, deal.ID)
	if err != nil || got != nil {
		t.Fatalf("foreign get: expected nil, nil; got %v, %v", got, err)
	}
	got, err = d.Get(owner, rbac.EntityDeal, deal.ID)
	if err != nil {
		t.Fatalf("owner get failed: %v", err)
	}
	if got.(*crm.Deal).Name != "Renewal" {
		t.Fatalf("foreign update must not change the record, got %q", got.(*crm.Deal).Name)
	}

	if n := len(emitter.recorded()); n != 1 {
		t.Fatalf("expected only the create event, got %d", n)
	}
}

func TestUpdateAndDeleteEmitEvents(t *testing.T) {
	db := store.NewMemoryDB()
	emitter := &recordingEmitter{}
	d := NewDispatcher(crm.NewServices(), emitter, DispatcherConfig{Logger: discardLogger()})
	ctx := callerContext(db, "U1", rbac.RoleEditor)

	result, err := d.Create(ctx, rbac.EntityOrganization, map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	org := result.(*crm.Organization)

	updated, err := d.Update(ctx, rbac.EntityOrganization, org.ID, map[string]any{"industry": "Manufacturing"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := updated.(*crm.Organization); got.Industry == nil || *got.Industry != "Manufacturing" || got.Name != "Acme" {
		t.Fatalf("unexpected update result %+v", got)
	}

	deleted, err := d.Delete(ctx, rbac.EntityOrganization, org.ID)
	if err != nil || !deleted {
		t.Fatalf("delete: got %v, %v", deleted, err)
	}

	recorded := emitter.recorded()
	names := make([]string, len(recorded))
	for i, e := range recorded {
		names[i] = e.Name
	}
	want := []string{"crm/organization.created", "crm/organization.updated", "crm/organization.deleted"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, names)
	}
	data, ok := recorded[2].Data.(map[string]any)
	if !ok || data["id"] != org.ID || len(data) != 1 {
		t.Fatalf("delete event should carry only the id, got %#v", recorded[2].Data)
	}
}

func TestStoreConstraintsAreClassified(t *testing.T) {
	db := store.NewMemoryDB()
	d := NewDispatcher(crm.NewServices(), nil, DispatcherConfig{Logger: discardLogger()})
	ctx := callerContext(db, "U1", rbac.RoleEditor)

	if _, err := d.Create(ctx, rbac.EntityPerson, map[string]any{"email": "dup@test.com"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := d.Create(ctx, rbac.EntityPerson, map[string]any{"email": "dup@test.com"}); codeOf(t, err) != KindConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	_, err := d.Create(ctx, rbac.EntityDeal, map[string]any{"name": "Orphan", "person_id": uuid.NewString()})
	if codeOf(t, err) != KindBadUserInput {
		t.Fatalf("expected BAD_USER_INPUT for a dangling reference, got %v", err)
	}
}

type failingTransport struct{}

func (failingTransport) Send(context.Context, events.Event) error {
	return errors.New("ingest unavailable")
}

func TestEmitterFailureDoesNotAffectResult(t *testing.T) {
	db := store.NewMemoryDB()
	delivered := make(chan error, 1)
	emitter := events.NewEmitter(failingTransport{}, discardLogger(), time.Second,
		events.WithObserver(func(_ events.Event, err error) { delivered <- err }),
	)
	d := NewDispatcher(crm.NewServices(), emitter, DispatcherConfig{Logger: discardLogger()})
	ctx := callerContext(db, "U1", rbac.RoleEditor)

	result, err := d.Create(ctx, rbac.EntityLead, map[string]any{"company_name": "Globex"})
	if err != nil {
		t.Fatalf("create must succeed despite the failing transport: %v", err)
	}
	if result.(*crm.Lead).Status == nil || *result.(*crm.Lead).Status != "new" {
		t.Fatalf("expected default status, got %+v", result)
	}

	select {
	case err := <-delivered:
		if err == nil {
			t.Fatal("expected the delivery to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was never attempted")
	}
}

func TestViewerReportsIdentity(t *testing.T) {
	db := store.NewMemoryDB()
	d := NewDispatcher(crm.NewServices(), nil, DispatcherConfig{Logger: discardLogger()})

	if v := d.Viewer(anonymousContext(db)); v != nil {
		t.Fatalf("expected nil viewer for anonymous caller, got %+v", v)
	}
	v := d.Viewer(callerContext(db, "U1", rbac.RoleViewer))
	if v == nil || v.ID != "U1" || v.Role != "viewer" {
		t.Fatalf("unexpected viewer %+v", v)
	}
	if len(v.Permissions) != len(rbac.Entities) {
		t.Fatalf("viewer should hold one read capability per entity, got %v", v.Permissions)
	}
}

func TestUpdateWithoutDeclaredFieldsDoesNotEmit(t *testing.T) {
	db := store.NewMemoryDB()
	emitter := &recordingEmitter{}
	d := NewDispatcher(crm.NewServices(), emitter, DispatcherConfig{Logger: discardLogger()})
	ctx := callerContext(db, "U1", rbac.RoleEditor)

	result, err := d.Create(ctx, rbac.EntityPerson, map[string]any{"first_name": "Jane"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	person := result.(*crm.Person)

	got, err := d.Update(ctx, rbac.EntityPerson, person.ID, map[string]any{"user_id": "U2", "frist_name": "typo"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	current := got.(*crm.Person)
	if current.UserID != "U1" || !current.UpdatedAt.Equal(person.UpdatedAt) {
		t.Fatalf("an update without declared fields must not write, got %+v", current)
	}

	recorded := emitter.recorded()
	if len(recorded) != 1 || recorded[0].Name != "crm/person.created" {
		t.Fatalf("expected only the create event, got %+v", recorded)
	}
}

func TestIDsAreCanonicalizedBeforeLookup(t *testing.T) {
	db := store.NewMemoryDB()
	d := NewDispatcher(crm.NewServices(), nil, DispatcherConfig{Logger: discardLogger()})
	ctx := callerContext(db, "U1", rbac.RoleEditor)

	result, err := d.Create(ctx, rbac.EntityOrganization, map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	id := result.(*crm.Organization).ID
	messy := "  " + strings.ToUpper(id) + " "

	got, err := d.Get(ctx, rbac.EntityOrganization, messy)
	if err != nil || got == nil {
		t.Fatalf("get with a messy id: got %v, %v", got, err)
	}
	if _, err := d.Update(ctx, rbac.EntityOrganization, messy, map[string]any{"industry": "Retail"}); err != nil {
		t.Fatalf("update with a messy id failed: %v", err)
	}
	deleted, err := d.Delete(ctx, rbac.EntityOrganization, messy)
	if err != nil || !deleted {
		t.Fatalf("delete with a messy id: got %v, %v", deleted, err)
	}
}

func TestDeleteOfMissingIDIsNotFoundForEveryEntity(t *testing.T) {
	db := store.NewMemoryDB()
	emitter := &recordingEmitter{}
	d := NewDispatcher(crm.NewServices(), emitter, DispatcherConfig{Logger: discardLogger()})
	ctx := callerContext(db, "U1", rbac.RoleAdmin)

	for _, entity := range rbac.Entities {
		t.Run(string(entity), func(t *testing.T) {
			deleted, err := d.Delete(ctx, entity, uuid.NewString())
			if deleted {
				t.Fatal("nothing should be reported deleted")
			}
			if codeOf(t, err) != KindNotFound {
				t.Fatalf("expected NOT_FOUND, got %v", err)
			}
		})
	}
	if n := len(emitter.recorded()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}
