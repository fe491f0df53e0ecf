package emergency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/resqlink/resqlink/internal/platform/geo"
)

func strptr(s string) *string { return &s }

// -- Mock Repository --

// mockRepo stores copies so that callers holding a record do not see each
// other's unsaved changes, like rows read from Postgres.
type mockRepo struct {
	mu         sync.Mutex
	records    map[uuid.UUID]*Emergency
	history    []*StatusHistory
	updateErr  error
	historyErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[uuid.UUID]*Emergency)}
}

func clone(e *Emergency) *Emergency {
	cp := *e
	return &cp
}

func (m *mockRepo) Create(_ context.Context, e *Emergency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.PatientID == e.PatientID && r.Active() {
			return ErrActiveEmergencyExists
		}
	}
	e.ID = uuid.New()
	e.Version = 1
	m.records[e.ID] = clone(e)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Emergency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *mockRepo) Update(_ context.Context, e *Emergency, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.records[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expected {
		return fmt.Errorf("%w: %s at version %d", ErrConflict, e.ID, expected)
	}
	e.Version = expected + 1
	m.records[e.ID] = clone(e)
	return nil
}

func (m *mockRepo) GetActiveByPatient(_ context.Context, patientID string) (*Emergency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.records {
		if e.PatientID == patientID && e.Active() {
			return clone(e), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) filter(keep func(*Emergency) bool) []*Emergency {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Emergency
	for _, e := range m.records {
		if keep(e) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func page(items []*Emergency, limit, offset int) ([]*Emergency, int, error) {
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Emergency, int, error) {
	return page(m.filter(func(e *Emergency) bool { return e.PatientID == patientID }), limit, offset)
}

func (m *mockRepo) ListByAmbulance(_ context.Context, id uuid.UUID, limit, offset int) ([]*Emergency, int, error) {
	return page(m.filter(func(e *Emergency) bool { return e.AmbulanceID != nil && *e.AmbulanceID == id }), limit, offset)
}

func (m *mockRepo) ListByHospital(_ context.Context, id uuid.UUID, limit, offset int) ([]*Emergency, int, error) {
	return page(m.filter(func(e *Emergency) bool { return e.HospitalID != nil && *e.HospitalID == id }), limit, offset)
}

func (m *mockRepo) ListByStatus(_ context.Context, status Status, limit, offset int) ([]*Emergency, int, error) {
	return page(m.filter(func(e *Emergency) bool { return e.Status == status }), limit, offset)
}

func (m *mockRepo) ListPendingNear(_ context.Context, near geo.Point, limit, offset int) ([]*Emergency, int, error) {
	items := m.filter(func(e *Emergency) bool { return e.Status == StatusPending })
	sort.SliceStable(items, func(i, j int) bool {
		return geo.Distance(near, items[i].Location()) < geo.Distance(near, items[j].Location())
	})
	return page(items, limit, offset)
}

func (m *mockRepo) ListAwaitingSince(_ context.Context, cutoff time.Time, limit int) ([]*Emergency, error) {
	items := m.filter(func(e *Emergency) bool { return e.AwaitingConfirmation && !e.UpdatedAt.After(cutoff) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *mockRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*Emergency, int, error) {
	return page(m.filter(func(e *Emergency) bool {
		if v := params["patient_id"]; v != "" && e.PatientID != v {
			return false
		}
		if v := params["ambulance_id"]; v != "" && (e.AmbulanceID == nil || !sameID(*e.AmbulanceID, v)) {
			return false
		}
		if v := params["hospital_id"]; v != "" && (e.HospitalID == nil || !sameID(*e.HospitalID, v)) {
			return false
		}
		if v := params["status"]; v != "" && string(e.Status) != v {
			return false
		}
		if v := params["priority"]; v != "" && string(e.Priority) != v {
			return false
		}
		if params["active"] == "true" && !e.Active() {
			return false
		}
		return true
	}), limit, offset)
}

func sameID(id uuid.UUID, param string) bool {
	parsed, err := uuid.Parse(param)
	return err == nil && parsed == id
}

func (m *mockRepo) AddStatusHistory(_ context.Context, h *StatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.historyErr != nil {
		return m.historyErr
	}
	h.ID = uuid.New()
	m.history = append(m.history, h)
	return nil
}

func (m *mockRepo) GetStatusHistory(_ context.Context, id uuid.UUID) ([]*StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StatusHistory
	for _, h := range m.history {
		if h.EmergencyID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

// -- Mock Fleet --

type mockFleet struct {
	mu        sync.Mutex
	hospitals []*Hospital
	available map[uuid.UUID]bool
}

func newMockFleet(hospitals ...*Hospital) *mockFleet {
	return &mockFleet{hospitals: hospitals, available: make(map[uuid.UUID]bool)}
}

func (f *mockFleet) GetHospital(_ context.Context, id uuid.UUID) (*Hospital, error) {
	for _, h := range f.hospitals {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, errors.New("hospital not found")
}

func (f *mockFleet) NearestHospital(_ context.Context, from geo.Point) (*Hospital, error) {
	points := make([]geo.Point, len(f.hospitals))
	for i, h := range f.hospitals {
		points[i] = h.Location
	}
	i := geo.Nearest(from, points)
	if i < 0 {
		return nil, errors.New("no active hospitals")
	}
	return f.hospitals[i], nil
}

func (f *mockFleet) Claim(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if avail, ok := f.available[id]; ok && !avail {
		return fmt.Errorf("%w: %s", ErrAmbulanceBusy, id)
	}
	f.available[id] = false
	return nil
}

func (f *mockFleet) SetAvailable(_ context.Context, id uuid.UUID, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[id] = available
	return nil
}

func (f *mockFleet) isAvailable(id uuid.UUID) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.available[id]
	return v, ok
}

// -- Mock Active Index --

type mockIndex struct {
	mu   sync.Mutex
	data map[string]uuid.UUID
}

func newMockIndex() *mockIndex { return &mockIndex{data: make(map[string]uuid.UUID)} }

func (m *mockIndex) SetActive(_ context.Context, pid string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[pid] = id
	return nil
}

func (m *mockIndex) GetActive(_ context.Context, pid string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.data[pid]
	return id, ok, nil
}

func (m *mockIndex) ClearActive(_ context.Context, pid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, pid)
	return nil
}

// -- Recording listener and tx runner --

type recordingListener struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recordingListener) OnEmergencyChange(_ context.Context, c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := c
	cp.Emergency = clone(c.Emergency)
	r.changes = append(r.changes, cp)
}

type countingTx struct {
	mu    sync.Mutex
	calls int
}

func (t *countingTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return fn(ctx)
}

// -- Fixtures --

var (
	nycPatient  = geo.Point{Lat: 40.7128, Lng: -74.0060}
	nearHosp    = &Hospital{ID: uuid.MustParse("11111111-1111-1111-1111-111111111111"), Location: geo.Point{Lat: 40.7210, Lng: -74.0000}}
	farHosp     = &Hospital{ID: uuid.MustParse("22222222-2222-2222-2222-222222222222"), Location: geo.Point{Lat: 40.8500, Lng: -73.9000}}
	testAmbID   = uuid.MustParse("33333333-3333-3333-3333-333333333333")
	otherAmbID  = uuid.MustParse("44444444-4444-4444-4444-444444444444")
	testPatient = "patient-1"
)

type testEnv struct {
	svc      *Service
	repo     *mockRepo
	fleet    *mockFleet
	index    *mockIndex
	listener *recordingListener
	tx       *countingTx
	clock    time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{
		repo:     newMockRepo(),
		fleet:    newMockFleet(nearHosp, farHosp),
		index:    newMockIndex(),
		listener: &recordingListener{},
		tx:       &countingTx{},
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = NewService(env.repo, env.fleet, env.fleet)
	env.svc.SetActiveIndex(env.index)
	env.svc.SetTxRunner(env.tx)
	env.svc.AddListener(env.listener)
	env.svc.now = func() time.Time { return env.clock }
	return env
}

func (env *testEnv) advanceClock(d time.Duration) {
	env.clock = env.clock.Add(d)
}

func (env *testEnv) create(t interface{ Fatalf(string, ...interface{}) }, patientID string) *Emergency {
	e := &Emergency{PatientID: patientID, PatientName: "Jane Doe", Latitude: nycPatient.Lat, Longitude: nycPatient.Lng}
	if err := env.svc.Create(context.Background(), e); err != nil {
		t.Fatalf("create: %v", err)
	}
	return e
}

// driveTo moves a fresh emergency along the happy path until it reaches
// target.
func (env *testEnv) driveTo(t interface{ Fatalf(string, ...interface{}) }, target Status) *Emergency {
	ctx := context.Background()
	e := env.create(t, testPatient)
	if target == StatusPending {
		return e
	}
	var err error
	if e, err = env.svc.Accept(ctx, e.ID, testAmbID, nil); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for e.Status != target {
		var next *Emergency
		if e.AwaitingConfirmation {
			next, err = env.svc.Confirm(ctx, e.ID, testPatient)
		} else {
			next, err = env.svc.Advance(ctx, e.ID, testAmbID, "")
		}
		if err != nil {
			t.Fatalf("driving to %s from %s: %v", target, e.Status, err)
		}
		e = next
	}
	return e
}
