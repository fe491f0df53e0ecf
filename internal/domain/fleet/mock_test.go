package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockHospitalRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Hospital
}

func newMockHospitalRepo() *mockHospitalRepo {
	return &mockHospitalRepo{items: make(map[uuid.UUID]*Hospital)}
}

func (m *mockHospitalRepo) Create(_ context.Context, h *Hospital) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = uuid.New()
	cp := *h
	m.items[h.ID] = &cp
	return nil
}

func (m *mockHospitalRepo) GetByID(_ context.Context, id uuid.UUID) (*Hospital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *mockHospitalRepo) Update(_ context.Context, h *Hospital) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.items[h.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *h
	cp.CreatedAt = old.CreatedAt
	m.items[h.ID] = &cp
	return nil
}

func (m *mockHospitalRepo) sorted(activeOnly bool) []*Hospital {
	var out []*Hospital
	for _, h := range m.items {
		if activeOnly && !h.Active {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *mockHospitalRepo) List(_ context.Context, activeOnly bool, limit, offset int) ([]*Hospital, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(activeOnly)
	return page(all, limit, offset), len(all), nil
}

func (m *mockHospitalRepo) ListActive(_ context.Context) ([]*Hospital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(true), nil
}

type mockAmbulanceRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Ambulance
}

func newMockAmbulanceRepo() *mockAmbulanceRepo {
	return &mockAmbulanceRepo{items: make(map[uuid.UUID]*Ambulance)}
}

func (m *mockAmbulanceRepo) Create(_ context.Context, a *Ambulance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.CallSign == a.CallSign {
			return ErrValidation
		}
	}
	a.ID = uuid.New()
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *mockAmbulanceRepo) GetByID(_ context.Context, id uuid.UUID) (*Ambulance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAmbulanceRepo) List(_ context.Context, availableOnly bool, limit, offset int) ([]*Ambulance, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Ambulance
	for _, a := range m.items {
		if availableOnly && !a.Available {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CallSign < all[j].CallSign })
	return page(all, limit, offset), len(all), nil
}

func (m *mockAmbulanceRepo) SetAvailable(_ context.Context, id uuid.UUID, available bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	a.Available = available
	a.UpdatedAt = at
	return nil
}

func (m *mockAmbulanceRepo) Claim(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	if !a.Available {
		return ErrBusy
	}
	a.Available = false
	a.UpdatedAt = at
	return nil
}

func (m *mockAmbulanceRepo) UpdateLocation(_ context.Context, id uuid.UUID, lat, lng float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	a.Latitude, a.Longitude = &lat, &lng
	a.LocationUpdatedAt = &at
	a.UpdatedAt = at
	return nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *mockHospitalRepo, *mockAmbulanceRepo) {
	hr, ar := newMockHospitalRepo(), newMockAmbulanceRepo()
	svc := NewService(hr, ar)
	svc.now = func() time.Time { return fixedNow }
	return svc, hr, ar
}

// seedHospitals adds two active Manhattan hospitals and one inactive one
// closer to the Financial District.
func seedHospitals(svc *Service) (near, far, closed *Hospital) {
	ctx := context.Background()
	near = &Hospital{Name: "NYU Downtown", Latitude: 40.7099, Longitude: -74.0054, AvailableBeds: 4, Active: true}
	far = &Hospital{Name: "Mount Sinai", Latitude: 40.7900, Longitude: -73.9526, AvailableBeds: 10, Active: true}
	closed = &Hospital{Name: "Closed Clinic", Latitude: 40.7127, Longitude: -74.0059, Active: false}
	for _, h := range []*Hospital{near, far, closed} {
		if err := svc.CreateHospital(ctx, h); err != nil {
			panic(err)
		}
	}
	return near, far, closed
}
