package roles

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"txqueue/services/txqueued/models"
	"txqueue/services/txqueued/storage"
	"txqueue/services/txqueued/txerr"
)

func TestSetOverwritesHolder(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := storage.Open(storage.DriverSQLite, dsn, storage.Options{Migrate: true, Quiet: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	reg := New(db)
	ctx := context.Background()

	if _, err := reg.Get(ctx, models.RoleGasGifter); !errors.Is(err, txerr.ErrRoleMissing) {
		t.Fatalf("expected ErrRoleMissing got %v", err)
	}

	first := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	second := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	if err := reg.Set(ctx, "gas_gifter", first); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := reg.Set(ctx, models.RoleGasGifter, second); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	got, err := reg.Get(ctx, models.RoleGasGifter)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != second {
		t.Fatalf("expected %s got %s", second.Hex(), got.Hex())
	}
	all, err := reg.All(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one role, got %v %v", all, err)
	}
}
