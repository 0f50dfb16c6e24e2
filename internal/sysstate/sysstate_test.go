package sysstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestParseMetered(t *testing.T) {
	for _, tc := range []struct {
		out     string
		want    bool
		wantErr bool
	}{
		{out: "u 0", want: false},
		{out: "u 1", want: true},
		{out: "u 2", want: false},
		{out: "u 3", want: true},
		{out: "u 4", want: false},
		{out: "u 9", wantErr: true},
		{out: "s \"yes\"", wantErr: true},
		{out: "", wantErr: true},
	} {
		got, err := parseMetered(tc.out)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseMetered(%q) error = %v, wantErr %v", tc.out, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("parseMetered(%q) = %v, want %v", tc.out, got, tc.want)
		}
	}
}

func TestParseString(t *testing.T) {
	got, err := parseString(`s "power-saver"`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "power-saver" {
		t.Errorf("expected power-saver, got %q", got)
	}

	if _, err := parseString("u 1"); err == nil {
		t.Error("expected error for non-string value")
	}
}

func fakeBusctl(t *testing.T, script string) *BusClient {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "busctl")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	return NewBusClient(bin)
}

func TestBusClient(t *testing.T) {
	c := fakeBusctl(t, `case "$6" in
Metered) echo "u 3" ;;
ActiveProfile) echo 's "power-saver"' ;;
esac
`)
	ctx := context.Background()

	metered, err := c.Metered(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !metered {
		t.Error("expected metered connection")
	}

	saver, err := c.PowerSaver(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !saver {
		t.Error("expected power saver")
	}
}

func TestBusClient_Failure(t *testing.T) {
	c := fakeBusctl(t, "echo 'Failed to get property' >&2; exit 1\n")

	if _, err := c.Metered(context.Background()); err == nil {
		t.Error("expected error when busctl fails")
	}
}
