package credentials

import (
	"context"
	"testing"

	"github.com/MauroDruwel/mimiclaw/pkg/storage"
)

func TestResolvePrefersStoredValues(t *testing.T) {
	db, err := storage.Open(context.Background(), storage.MemoryDSN)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	stores := map[string]Store{"memory": NewMemoryStore(), "sqlite": NewSQLiteStore(db)}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defaults := Pair{Identifier: "cli_default", Secret: "default-secret"}

			got, err := Resolve(ctx, store, "feishu", defaults)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != defaults {
				t.Fatalf("got %+v, want defaults", got)
			}

			if err := Save(ctx, store, "feishu", Pair{Identifier: "cli_override", Secret: "s1"}); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := Save(ctx, store, "feishu", Pair{Identifier: "cli_override", Secret: "s2"}); err != nil {
				t.Fatalf("save again: %v", err)
			}

			got, err = Resolve(ctx, store, "feishu", defaults)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got.Identifier != "cli_override" || got.Secret != "s2" {
				t.Fatalf("got %+v, want stored override", got)
			}

			other, _ := Resolve(ctx, store, "telegram", Pair{})
			if other.Complete() {
				t.Fatalf("namespaces leaked: %+v", other)
			}
		})
	}
}

func TestPairComplete(t *testing.T) {
	if (Pair{Identifier: "a"}).Complete() {
		t.Fatal("pair without secret must be incomplete")
	}
	if !(Pair{Identifier: "a", Secret: "b"}).Complete() {
		t.Fatal("expected complete pair")
	}
}
