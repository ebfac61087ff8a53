package util

import "testing"

func TestNormalizeDestinationBareNumber(t *testing.T) {
	got := NormalizeDestination("40712345678")
	want := "40712345678@s.whatsapp.net"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestNormalizeDestinationStripsNonDigits(t *testing.T) {
	got := NormalizeDestination("+40 712-345-678")
	want := "40712345678@s.whatsapp.net"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestNormalizeDestinationPassesThroughJIDs(t *testing.T) {
	in := "40712345678@s.whatsapp.net"
	if got := NormalizeDestination(in); got != in {
		t.Fatalf("expected passthrough, got %q", got)
	}
	group := "1234-5678@g.us"
	if got := NormalizeDestination(group); got != group {
		t.Fatalf("expected group passthrough, got %q", got)
	}
}
