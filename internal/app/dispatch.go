package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pipecd/api/internal/auth"
	"pipecd/api/internal/crm"
	"pipecd/api/internal/events"
	"pipecd/api/internal/rbac"
	"pipecd/api/internal/store"
	"pipecd/api/internal/validate"
)

// entityService is the view of a crm.Service the dispatcher needs.
// Absent rows come back as an untyped nil.
type entityService interface {
	List(ctx context.Context, c store.Client) (any, error)
	GetByID(ctx context.Context, c store.Client, id string) (any, error)
	Create(ctx context.Context, c store.Client, ownerID string, in validate.Input) (any, error)
	Update(ctx context.Context, c store.Client, id string, in validate.Input) (any, error)
	Delete(ctx context.Context, c store.Client, id string) (int64, error)
}

type serviceAdapter[T any] struct {
	svc *crm.Service[T]
}

func (a serviceAdapter[T]) List(ctx context.Context, c store.Client) (any, error) {
	return a.svc.List(ctx, c)
}

func (a serviceAdapter[T]) GetByID(ctx context.Context, c store.Client, id string) (any, error) {
	return orNil(a.svc.GetByID(ctx, c, id))
}

func (a serviceAdapter[T]) Create(ctx context.Context, c store.Client, ownerID string, in validate.Input) (any, error) {
	return orNil(a.svc.Create(ctx, c, ownerID, in))
}

func (a serviceAdapter[T]) Update(ctx context.Context, c store.Client, id string, in validate.Input) (any, error) {
	return orNil(a.svc.Update(ctx, c, id, in))
}

func (a serviceAdapter[T]) Delete(ctx context.Context, c store.Client, id string) (int64, error) {
	return a.svc.Delete(ctx, c, id)
}

func orNil[T any](item *T, err error) (any, error) {
	if err != nil || item == nil {
		return nil, err
	}
	return item, nil
}

// binding ties one entity to its service, schemas and operation names.
type binding struct {
	entity  rbac.Entity
	label   string
	plural  string
	service entityService
	create  *validate.Schema
	update  *validate.Schema
}

func (b binding) op(action rbac.Action) string {
	switch action {
	case rbac.ActionRead:
		return b.plural
	default:
		return string(action) + b.label
	}
}

// EventEmitter schedules a domain event without waiting for delivery.
type EventEmitter interface {
	Emit(event events.Event)
}

type DispatcherConfig struct {
	Logger            *slog.Logger
	Metrics           *Metrics
	ExposeDiagnostics bool
}

// Dispatcher runs every operation through the same stages: authenticate,
// validate, authorize, invoke, emit. The first failure is classified and
// nothing after it runs.
type Dispatcher struct {
	bindings map[rbac.Entity]binding
	emitter  EventEmitter
	logger   *slog.Logger
	metrics  *Metrics
	expose   bool
}

func NewDispatcher(services *crm.Services, emitter EventEmitter, cfg DispatcherConfig) *Dispatcher {
	return newDispatcher(map[rbac.Entity]binding{
		rbac.EntityPerson: {
			label:   "Person",
			plural:  "people",
			service: serviceAdapter[crm.Person]{services.People},
			create:  validate.PersonCreate,
			update:  validate.PersonUpdate,
		},
		rbac.EntityOrganization: {
			label:   "Organization",
			plural:  "organizations",
			service: serviceAdapter[crm.Organization]{services.Organizations},
			create:  validate.OrganizationCreate,
			update:  validate.OrganizationUpdate,
		},
		rbac.EntityDeal: {
			label:   "Deal",
			plural:  "deals",
			service: serviceAdapter[crm.Deal]{services.Deals},
			create:  validate.DealCreate,
			update:  validate.DealUpdate,
		},
		rbac.EntityLead: {
			label:   "Lead",
			plural:  "leads",
			service: serviceAdapter[crm.Lead]{services.Leads},
			create:  validate.LeadCreate,
			update:  validate.LeadUpdate,
		},
		rbac.EntityActivity: {
			label:   "Activity",
			plural:  "activities",
			service: serviceAdapter[crm.Activity]{services.Activities},
			create:  validate.ActivityCreate,
			update:  validate.ActivityUpdate,
		},
	}, emitter, cfg)
}

func newDispatcher(bindings map[rbac.Entity]binding, emitter EventEmitter, cfg DispatcherConfig) *Dispatcher {
	for entity, b := range bindings {
		b.entity = entity
		bindings[entity] = b
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bindings: bindings,
		emitter:  emitter,
		logger:   logger,
		metrics:  cfg.Metrics,
		expose:   cfg.ExposeDiagnostics,
	}
}

// Viewer returns the caller's identity, or nil for anonymous callers.
func (d *Dispatcher) Viewer(ctx context.Context) *Viewer {
	rc := FromContext(ctx)
	if !rc.Authenticated() {
		return nil
	}
	identity := rc.Identity()
	caps := rc.Permissions()
	permissions := make([]string, len(caps))
	for i, c := range caps {
		permissions[i] = string(c)
	}
	return &Viewer{ID: identity.ID, Email: identity.Email, Role: identity.Role, Permissions: permissions}
}

type Viewer struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (d *Dispatcher) List(ctx context.Context, entity rbac.Entity) (result any, err error) {
	b := d.binding(entity)
	op := b.op(rbac.ActionRead)
	defer d.observe(op, time.Now(), &err)

	rc, err := d.authenticate(ctx, op)
	if err != nil {
		return nil, err
	}
	if err := d.authorize(rc, b, rbac.ActionRead, op); err != nil {
		return nil, err
	}
	items, err := b.service.List(ctx, rc.Client())
	if err != nil {
		return nil, d.fail(ctx, op, err)
	}
	return items, nil
}

// Get returns nil when the record is absent or not the caller's.
func (d *Dispatcher) Get(ctx context.Context, entity rbac.Entity, id string) (result any, err error) {
	b := d.binding(entity)
	op := string(b.entity)
	defer d.observe(op, time.Now(), &err)

	rc, err := d.authenticate(ctx, op)
	if err != nil {
		return nil, err
	}
	id, err = validate.ID(id)
	if err != nil {
		return nil, d.fail(ctx, op, err)
	}
	if err := d.authorize(rc, b, rbac.ActionRead, op); err != nil {
		return nil, err
	}
	item, err := b.service.GetByID(ctx, rc.Client(), id)
	if err != nil {
		return nil, d.fail(ctx, op, err)
	}
	return item, nil
}

func (d *Dispatcher) Create(ctx context.Context, entity rbac.Entity, raw map[string]any) (result any, err error) {
	b := d.binding(entity)
	op := b.op(rbac.ActionCreate)
	defer d.observe(op, time.Now(), &err)

	rc, err := d.authenticate(ctx, op)
	if err != nil {
		return nil, err
	}
	in, err := b.create.Validate(raw)
	if err != nil {
		return nil, d.fail(ctx, op, err)
	}
	if err := d.authorize(rc, b, rbac.ActionCreate, op); err != nil {
		return nil, err
	}
	identity := rc.Identity()
	item, err := b.service.Create(ctx, rc.Client(), identity.ID, in)
	if err != nil {
		return nil, d.fail(ctx, op, err)
	}
	if item == nil {
		return nil, d.fail(ctx, op, crm.ErrNoRowReturned)
	}
	d.emit(identity, b, events.ActionCreated, item)
	return item, nil
}

func (d *Dispatcher) Update(ctx context.Context, entity rbac.Entity, id string, raw map[string]any) (result any, err error) {
	b := d.binding(entity)
	op := b.op(rbac.ActionUpdate)
	defer d.observe(op, time.Now(), &err)

	rc, err := d.authenticate(ctx, op)
	if err != nil {
		return nil, err
	}
	id, err = validate.ID(id)
	if err != nil {
		return nil, d.fail(ctx, op, err)
	}
	in, err := b.update.Validate(raw)
	if err != nil {
		return nil, d.fail(ctx, op, err)
	}
	if err := d.authorize(rc, b, rbac.ActionUpdate, op); err != nil {
		return nil, err
	}
	item, err := b.service.Update(ctx, rc.Client(), id, in)
	if err != nil {
		return nil, d.fail(ctx, op, err)
	}
	if item == nil {
		return nil, d.fail(ctx, op, errNotFound(b.label, id))
	}
	// An input with no declared fields only reads the row back.
	if len(in) > 0 {
		d.emit(rc.Identity(), b, events.ActionUpdated, item)
	}
	return item, nil
}

// Delete succeeds only when a row was removed. An absent id and another
// owner's id both come back as NOT_FOUND.
func (d *Dispatcher) Delete(ctx context.Context, entity rbac.Entity, id string) (deleted bool, err error) {
	b := d.binding(entity)
	op := b.op(rbac.ActionDelete)
	defer d.observe(op, time.Now(), &err)

	rc, err := d.authenticate(ctx, op)
	if err != nil {
		return false, err
	}
	id, err = validate.ID(id)
	if err != nil {
		return false, d.fail(ctx, op, err)
	}
	if err := d.authorize(rc, b, rbac.ActionDelete, op); err != nil {
		return false, err
	}
	removed, err := b.service.Delete(ctx, rc.Client(), id)
	if err != nil {
		return false, d.fail(ctx, op, err)
	}
	if removed == 0 {
		return false, d.fail(ctx, op, errNotFound(b.label, id))
	}
	d.emit(rc.Identity(), b, events.ActionDeleted, map[string]any{"id": id})
	return true, nil
}

func (d *Dispatcher) binding(entity rbac.Entity) binding {
	b, ok := d.bindings[entity]
	if !ok {
		panic(fmt.Sprintf("app: no binding for entity %q", entity))
	}
	return b
}

func (d *Dispatcher) authenticate(ctx context.Context, op string) (*RequestContext, error) {
	rc := FromContext(ctx)
	if !rc.Authenticated() {
		return nil, d.fail(ctx, op, errUnauthenticated())
	}
	return rc, nil
}

func (d *Dispatcher) authorize(rc *RequestContext, b binding, action rbac.Action, op string) error {
	capability := rbac.For(b.entity, action)
	if !rc.Can(capability) {
		d.logger.Info("permission denied",
			"operation", op,
			"user_id", rc.Identity().ID,
			"capability", string(capability),
		)
		return errForbidden(string(capability))
	}
	return nil
}

// fail classifies err for op. Internal failures are logged with their
// diagnostic; the caller only sees the generic message.
func (d *Dispatcher) fail(ctx context.Context, op string, err error) error {
	e := Classify(err, op)
	if e.Kind == KindInternal {
		d.logger.ErrorContext(ctx, "operation failed",
			"operation", op,
			"request_id", requestIDFrom(ctx),
			"diagnostic", e.Diagnostic,
		)
	}
	if d.expose {
		return e.withDiagnostic()
	}
	return e
}

func (d *Dispatcher) emit(identity *auth.Identity, b binding, action string, data any) {
	if d.emitter == nil {
		return
	}
	d.emitter.Emit(events.Event{
		Name:  events.Name(string(b.entity), action),
		Data:  data,
		Actor: events.Actor{ID: identity.ID, Email: identity.Email},
	})
}

func (d *Dispatcher) observe(op string, started time.Time, err *error) {
	if d.metrics == nil {
		return
	}
	code := "OK"
	if *err != nil {
		code = string(Classify(*err, op).Kind)
	}
	d.metrics.ObserveOperation(op, code, time.Since(started))
}
