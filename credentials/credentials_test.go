package credentials

import (
	"context"
	"crypto/tls"
	"testing"
)

func TestCombineOrderIndependent(t *testing.T) {
	a := Combine(InsecureChannel(), InsecureCall())
	b := Combine(InsecureCall(), InsecureChannel())

	if a.Secure() || b.Secure() {
		t.Fatal("insecure credentials reported as secure")
	}
	if len(a.Calls()) != 1 || len(b.Calls()) != 1 {
		t.Fatalf("expect one call part each, got %d and %d", len(a.Calls()), len(b.Calls()))
	}
}

func TestCombineDefaultsToInsecure(t *testing.T) {
	c := Combine()
	if c.Channel().TLSConfig() != nil {
		t.Fatal("empty credentials must be insecure")
	}
	md, err := c.Metadata(context.Background())
	if err != nil || md != nil {
		t.Fatalf("expect no metadata, got %v, %v", md, err)
	}
}

func TestMetadataUnion(t *testing.T) {
	c := Combine(
		Static(map[string]string{"x-a": "1", "x-b": "1"}),
		InsecureChannel(),
		Static(map[string]string{"x-b": "2"}),
	)
	md, err := c.Metadata(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if md["x-a"] != "1" || md["x-b"] != "2" {
		t.Fatalf("unexpected metadata %v", md)
	}
}

func TestBearerTokenNeedsTLS(t *testing.T) {
	insecure := Combine(InsecureChannel(), BearerToken("t"))
	if _, err := insecure.Metadata(context.Background()); err == nil {
		t.Fatal("expect error for bearer token over insecure channel")
	}

	secure := Combine(TLS(&tls.Config{MinVersion: tls.VersionTLS13}), BearerToken("t"))
	md, err := secure.Metadata(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if md["authorization"] != "Bearer t" {
		t.Fatalf("unexpected authorization %q", md["authorization"])
	}
}

func TestTLSDefaults(t *testing.T) {
	cfg := TLS(nil).TLSConfig()
	if cfg == nil || cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("expect TLS 1.3 default config, got %+v", cfg)
	}
}
