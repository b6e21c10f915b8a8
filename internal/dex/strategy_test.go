package dex

import (
	"context"
	"testing"
)

func wrapped() []byte {
	data := make([]byte, 4096+64)
	copy(data, "oat\n")
	putHeader(data, 64, 4096, "035")
	return data
}

func TestDetector_WrapperAfterDirectFails(t *testing.T) {
	data := wrapped()
	mem := &fakeMem{base: fakeBase, data: data}
	// direct sweep stops short of the embedded container
	d := NewDetector(DefaultLimits(), 64, nil)
	det, name, ok := d.Detect(context.Background(), mem, fakeBase, uint64(len(data)))
	if !ok {
		t.Fatal("embedded container not found")
	}
	if name != "wrapper" {
		t.Fatalf("strategy = %q, want wrapper", name)
	}
	if det.Addr != fakeBase+64 || det.Size != 4096 {
		t.Fatalf("detection = %+v", det)
	}
}

func TestDetector_DirectFirst(t *testing.T) {
	data := canonical(4096)
	d := NewDetector(DefaultLimits(), 0, nil)
	_, name, ok := d.Detect(context.Background(), &fakeMem{base: fakeBase, data: data}, fakeBase, 4096)
	if !ok || name != "direct" {
		t.Fatalf("Detect = %q, %v; want direct", name, ok)
	}
}

func TestDetector_NoMatch(t *testing.T) {
	data := make([]byte, 8192)
	d := NewDetector(DefaultLimits(), 0, nil)
	if _, _, ok := d.Detect(context.Background(), &fakeMem{base: fakeBase, data: data}, fakeBase, 8192); ok {
		t.Fatal("match in zeroed memory")
	}
}

func TestWrapperStrategy_RequiresMagic(t *testing.T) {
	data := make([]byte, 4096+64)
	putHeader(data, 64, 4096, "035")
	s := &Scanner{Mem: &fakeMem{base: fakeBase, data: data}}
	if _, ok := (WrapperStrategy{}).Attempt(context.Background(), s, fakeBase, uint64(len(data))); ok {
		t.Fatal("wrapper strategy matched without wrapper magic")
	}
}

func TestWrapperStrategy_WindowBound(t *testing.T) {
	data := make([]byte, 8192)
	copy(data, "oat\n")
	putHeader(data, 4096, 4096, "035")
	s := &Scanner{Mem: &fakeMem{base: fakeBase, data: data}}
	if _, ok := (WrapperStrategy{Window: 4096}).Attempt(context.Background(), s, fakeBase, 8192); ok {
		t.Fatal("wrapper strategy swept past its window")
	}
	if _, ok := (WrapperStrategy{}).Attempt(context.Background(), s, fakeBase, 8192); !ok {
		t.Fatal("default window should reach offset 4096")
	}
}
