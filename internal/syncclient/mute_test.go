package syncclient

import "testing"

func TestMuteRegistryBasic(t *testing.T) {
	m := NewMuteRegistry()
	if m.IsMuted("a") {
		t.Fatal("expected unmuted by default")
	}
	m.WithMuted("a", func() {
		if !m.IsMuted("a") {
			t.Fatal("expected muted inside WithMuted")
		}
	})
	if m.IsMuted("a") {
		t.Fatal("expected unmuted after WithMuted returns")
	}
}

func TestMuteRegistryNestedReferenceCounting(t *testing.T) {
	m := NewMuteRegistry()
	m.enter("copy")
	m.enter("copy")
	if !m.IsMuted("copy") {
		t.Fatal("expected muted with count 2")
	}
	m.exit("copy")
	if !m.IsMuted("copy") {
		t.Fatal("expected still muted with count 1")
	}
	m.exit("copy")
	if m.IsMuted("copy") {
		t.Fatal("expected unmuted at count 0")
	}
}

func TestMuteRegistryIndependentIDs(t *testing.T) {
	m := NewMuteRegistry()
	m.WithMuted("original", func() {
		if m.IsMuted("copy") {
			t.Fatal("muting original must not mute copy")
		}
	})
}

func TestMuteRegistryUnmutesOnPanic(t *testing.T) {
	m := NewMuteRegistry()
	func() {
		defer func() { _ = recover() }()
		m.WithMuted("a", func() { panic("boom") })
	}()
	if m.IsMuted("a") {
		t.Fatal("expected unmuted after panic unwinds WithMuted")
	}
}
