package repository

import (
	"context"
	"testing"

	"github.com/vulncore/scanmgr/internal/domain"
)

func TestTargetCreateRejectsInvalidHosts(t *testing.T) {
	s := openTestStore(t)
	targets := NewTargetRepository(s)
	ctx := context.Background()

	_, err := targets.Create(ctx, 1, &domain.Target{Name: "bad", Hosts: "not a host expression!!"})
	if err == nil {
		t.Fatal("expected invalid hosts expression to be rejected")
	}
}

func TestTargetCreateAndFindByUUID(t *testing.T) {
	s := openTestStore(t)
	targets := NewTargetRepository(s)
	ctx := context.Background()

	created, err := targets.Create(ctx, 1, &domain.Target{Name: "lan", Hosts: "192.168.1.0/24"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.PortRange != "default" {
		t.Fatalf("PortRange = %q, want default when unset", created.PortRange)
	}

	got, ok, err := targets.FindByUUID(ctx, created.UUID, 1, false)
	if err != nil || !ok {
		t.Fatalf("FindByUUID: ok=%v err=%v", ok, err)
	}
	if got.Name != "lan" {
		t.Fatalf("Name = %q, want lan", got.Name)
	}
}

func TestTargetCreateRejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	targets := NewTargetRepository(s)
	ctx := context.Background()

	if _, err := targets.Create(ctx, 1, &domain.Target{Name: "dup", Hosts: "10.0.0.1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := targets.Create(ctx, 1, &domain.Target{Name: "dup", Hosts: "10.0.0.2"}); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestTargetDeleteFailsWhenInUseByTask(t *testing.T) {
	s := openTestStore(t)
	targets := NewTargetRepository(s)
	tasks := NewTaskRepository(s)
	ctx := context.Background()

	target, err := targets.Create(ctx, 1, &domain.Target{Name: "in use", Hosts: "10.0.0.1"})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	if _, err := tasks.Create(ctx, 1, &domain.Task{
		Name: "uses target", ConfigRef: predefinedConfigRID, TargetRef: target.RID,
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := targets.Delete(ctx, target.RID); err == nil {
		t.Fatal("expected delete of an in-use target to be rejected")
	}

	used, err := targets.InUse(ctx, target.RID)
	if err != nil {
		t.Fatalf("InUse: %v", err)
	}
	if !used {
		t.Fatal("expected InUse to report true")
	}
}

func TestTargetDeleteSucceedsWhenUnused(t *testing.T) {
	s := openTestStore(t)
	targets := NewTargetRepository(s)
	ctx := context.Background()

	target, err := targets.Create(ctx, 1, &domain.Target{Name: "unused", Hosts: "10.0.0.1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := targets.Delete(ctx, target.RID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := targets.FindByUUID(ctx, target.UUID, 1, true)
	if err != nil {
		t.Fatalf("FindByUUID: %v", err)
	}
	if ok {
		t.Fatal("expected deleted target to be gone")
	}
}
