package snapshotstore

import "testing"

func TestChaseKeyNamespacing(t *testing.T) {
	t.Parallel()
	if got := chaseKey("abc123"); got != "chase:abc123" {
		t.Errorf("chaseKey = %q, want chase:abc123", got)
	}
}

func TestMomentumKeyNamespacing(t *testing.T) {
	t.Parallel()
	if got := momentumKey("xyz789"); got != "momentum:xyz789" {
		t.Errorf("momentumKey = %q, want momentum:xyz789", got)
	}
}

func TestNewStoreConfiguresClientOptions(t *testing.T) {
	t.Parallel()
	s := New("localhost:6379", "secret", 2)
	opts := s.rdb.Options()
	if opts.Addr != "localhost:6379" {
		t.Errorf("Addr = %q, want localhost:6379", opts.Addr)
	}
	if opts.Password != "secret" {
		t.Errorf("Password = %q, want secret", opts.Password)
	}
	if opts.DB != 2 {
		t.Errorf("DB = %d, want 2", opts.DB)
	}
}
