package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/Mid-D-Man/AirCode-sub001/internal/auth"
	"github.com/Mid-D-Man/AirCode-sub001/internal/codec"
	"github.com/Mid-D-Man/AirCode-sub001/internal/config"
)

func TestRun(t *testing.T) {
	cfg := config.App{JWTIssuer: "test", JWTSigningKey: "k", AccessTTL: time.Hour, RefreshTTL: time.Hour}
	var out bytes.Buffer
	if err := run(&out, cfg, "lect-1", auth.RoleLecturer); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output = %q", out.String())
	}
	if _, err := codec.ParseHexKey(strings.TrimPrefix(lines[0], "MASTER_KEY_HEX=")); err != nil {
		t.Fatalf("master key unusable: %v", err)
	}
	signer := auth.Signer{Issuer: "test", Key: []byte("k")}
	claims, err := signer.Parse(strings.TrimPrefix(lines[1], "ACCESS_TOKEN="))
	if err != nil || claims.Subject != "lect-1" {
		t.Fatalf("token = %+v, %v", claims, err)
	}

	out.Reset()
	if err := run(&out, cfg, "", auth.RoleLecturer); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "TOKEN") {
		t.Fatal("token printed without a subject")
	}
	if err := run(&out, cfg, "x", "admin"); err == nil {
		t.Fatal("unknown role accepted")
	}
}
