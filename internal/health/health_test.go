package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckTCPReachable_ok(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	if err := CheckTCPReachable(context.Background(), ln.Addr().String()); err != nil {
		t.Fatalf("CheckTCPReachable: %v", err)
	}
}

func TestCheckTCPReachable_refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if err := CheckTCPReachable(context.Background(), addr); err == nil {
		t.Fatal("expected error dialing a closed port")
	}
}

func TestCheckUDPResolvable(t *testing.T) {
	if err := CheckUDPResolvable("239.1.1.1:5500"); err != nil {
		t.Fatalf("CheckUDPResolvable: %v", err)
	}
	if err := CheckUDPResolvable("not a valid addr"); err == nil {
		t.Fatal("expected error for malformed address")
	}
}

func TestCheckMetricsEndpoint_ok(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	if err := CheckMetricsEndpoint(context.Background(), srv.URL); err != nil {
		t.Fatalf("CheckMetricsEndpoint: %v", err)
	}
}

func TestCheckMetricsEndpoint_badStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if err := CheckMetricsEndpoint(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 503")
	}
}
