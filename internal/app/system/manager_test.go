package system

import (
	"context"
	"errors"
	"testing"
)

type recordingService struct {
	NoopService
	events   *[]string
	startErr error
	stopErr  error
}

func (s recordingService) Start(ctx context.Context) error {
	*s.events = append(*s.events, "start:"+s.ServiceName)
	return s.startErr
}

func (s recordingService) Stop(ctx context.Context) error {
	*s.events = append(*s.events, "stop:"+s.ServiceName)
	return s.stopErr
}

func TestManagerStartStopOrder(t *testing.T) {
	var events []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		svc := recordingService{NoopService: NoopService{ServiceName: name}, events: &events}
		if err := m.Register(svc); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestManagerRejectsDuplicatesAndLateRegistration(t *testing.T) {
	m := NewManager()
	if err := m.Register(NoopService{ServiceName: "a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(NoopService{ServiceName: "a"}); err == nil {
		t.Fatal("expected duplicate name rejection")
	}
	if err := m.Register(NoopService{}); err == nil {
		t.Fatal("expected empty name rejection")
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Register(NoopService{ServiceName: "late"}); err == nil {
		t.Fatal("expected registration after start to fail")
	}
}

func TestManagerStartFailureRollsBack(t *testing.T) {
	var events []string
	m := NewManager()
	ok := recordingService{NoopService: NoopService{ServiceName: "ok"}, events: &events}
	bad := recordingService{NoopService: NoopService{ServiceName: "bad"}, events: &events, startErr: errors.New("boom")}
	if err := m.Register(ok); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register(bad); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}

	want := []string{"start:ok", "start:bad", "stop:ok"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, events)
		}
	}
}

func TestManagerStopIsIdempotent(t *testing.T) {
	m := NewManager()
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
}
