package repository

import (
	"context"
	"testing"
)

func TestUserFindByNameAndRID(t *testing.T) {
	s := openTestStore(t)
	users := NewUserRepository(s)
	ctx := context.Background()

	byName, ok, err := users.FindByName(ctx, "om")
	if err != nil || !ok {
		t.Fatalf("FindByName: ok=%v err=%v", ok, err)
	}

	byRID, ok, err := users.FindByRID(ctx, byName.RID)
	if err != nil || !ok {
		t.Fatalf("FindByRID: ok=%v err=%v", ok, err)
	}
	if byRID.Name != "om" {
		t.Fatalf("Name = %q, want om", byRID.Name)
	}
}

func TestUserFindByNameMissingUser(t *testing.T) {
	s := openTestStore(t)
	users := NewUserRepository(s)
	ctx := context.Background()

	_, ok, err := users.FindByName(ctx, "nobody")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if ok {
		t.Fatal("expected unknown user to not be found")
	}
}

func TestUserFindByRIDMissingUser(t *testing.T) {
	s := openTestStore(t)
	users := NewUserRepository(s)
	ctx := context.Background()

	_, ok, err := users.FindByRID(ctx, 999)
	if err != nil {
		t.Fatalf("FindByRID: %v", err)
	}
	if ok {
		t.Fatal("expected unknown rid to not be found")
	}
}
