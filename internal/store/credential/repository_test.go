package credential

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.Device{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, 32)
}

func TestRegisterDeviceGeneratesUniqueAPIKey(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	dev, err := repo.RegisterDevice(ctx, model.RegistrationProfile{Name: "kitchen-sensor", DeviceType: "sensor"})
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if dev.ID == 0 {
		t.Fatal("expected non-zero id")
	}
	if len(dev.APIKey) != 32 {
		t.Fatalf("expected 32-char api key, got %d chars", len(dev.APIKey))
	}
	if dev.AdminStatus != model.StatusActive {
		t.Fatalf("expected new device active, got %s", dev.AdminStatus)
	}
}

func TestRegisterDeviceRejectsDuplicateName(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.RegisterDevice(ctx, model.RegistrationProfile{Name: "dupe"}); err != nil {
		t.Fatalf("first RegisterDevice: %v", err)
	}
	_, err := repo.RegisterDevice(ctx, model.RegistrationProfile{Name: "dupe"})
	if err != ErrNameTaken {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestGetByAPIKeyRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	dev, err := repo.RegisterDevice(ctx, model.RegistrationProfile{Name: "roundtrip"})
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	got, err := repo.GetByAPIKey(ctx, dev.APIKey)
	if err != nil {
		t.Fatalf("GetByAPIKey: %v", err)
	}
	if got == nil || got.ID != dev.ID {
		t.Fatalf("expected to find device %d, got %+v", dev.ID, got)
	}

	miss, err := repo.GetByAPIKey(ctx, "not-a-real-key")
	if err != nil {
		t.Fatalf("GetByAPIKey miss: %v", err)
	}
	if miss != nil {
		t.Fatalf("expected nil for unknown key, got %+v", miss)
	}
}

func TestUpdateConfigPartialPatch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	dev, err := repo.RegisterDevice(ctx, model.RegistrationProfile{Name: "patchable", Location: "attic"})
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	loc := "basement"
	if err := repo.UpdateConfig(ctx, dev.ID, model.ConfigPatch{Location: &loc}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	got, err := repo.GetByID(ctx, dev.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Location != "basement" {
		t.Fatalf("expected location updated, got %q", got.Location)
	}
	if got.FirmwareVersion != dev.FirmwareVersion {
		t.Fatalf("expected firmware_version untouched")
	}
}

func TestUpdateStatusUnknownDevice(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.UpdateStatus(context.Background(), 9999, model.StatusInactive); err != gorm.ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestDeleteInvokesBestEffortRetentionDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	dev, err := repo.RegisterDevice(ctx, model.RegistrationProfile{Name: "deleteme"})
	if err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	called := false
	repo.SetTimeSeriesDeleter(fakeDeleter{fn: func(id uint64) error {
		called = true
		if id != dev.ID {
			t.Fatalf("expected delete for device %d, got %d", dev.ID, id)
		}
		return nil
	}})

	if err := repo.Delete(ctx, dev.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !called {
		t.Fatal("expected time-series deleter to be invoked")
	}

	if got, err := repo.GetByID(ctx, dev.ID); err != nil || got != nil {
		t.Fatalf("expected device gone after delete, got %+v err %v", got, err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a, _ := repo.RegisterDevice(ctx, model.RegistrationProfile{Name: "a"})
	b, _ := repo.RegisterDevice(ctx, model.RegistrationProfile{Name: "b"})
	if err := repo.UpdateStatus(ctx, b.ID, model.StatusInactive); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	active, err := repo.List(ctx, ListFilter{Status: model.StatusActive}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("expected only device %d active, got %+v", a.ID, active)
	}
}

type fakeDeleter struct {
	fn func(id uint64) error
}

func (f fakeDeleter) DeleteDevice(_ context.Context, deviceID uint64) error {
	return f.fn(deviceID)
}
