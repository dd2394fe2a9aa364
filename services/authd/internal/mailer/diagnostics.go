package mailer

import (
	"context"
	"net"
	"strconv"
	"time"
)

const diagnosticConnectTimeout = 8 * time.Second

// Diagnostics reports DNS, TCP and protocol timings for the configured relay.
type Diagnostics struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Secure       bool     `json:"secure"`
	DNSMs        int64    `json:"dnsMs,omitempty"`
	Addresses    []string `json:"addresses,omitempty"`
	ConnectMs    int64    `json:"connectMs,omitempty"`
	VerifyMs     int64    `json:"verifyMs,omitempty"`
	VerifyStatus string   `json:"verifyStatus,omitempty"`
	VerifyError  string   `json:"verifyError,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// OK reports whether every probe succeeded.
func (d Diagnostics) OK() bool {
	return d.Error == "" && d.VerifyStatus == "ok"
}

// Diagnose resolves the relay, opens a raw TCP connection to the first address
// and finally runs Verify. A DNS or TCP failure stops the probe early.
func (s *SMTP) Diagnose(ctx context.Context) Diagnostics {
	d := Diagnostics{Host: s.cfg.Host, Port: s.cfg.Port, Secure: s.cfg.Secure}

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, s.cfg.Host)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	d.DNSMs = time.Since(start).Milliseconds()
	for _, a := range addrs {
		d.Addresses = append(d.Addresses, a.IP.String())
	}

	target := s.cfg.Host
	if len(d.Addresses) > 0 {
		target = d.Addresses[0]
	}
	dialer := &net.Dialer{Timeout: diagnosticConnectTimeout}
	start = time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		d.Error = err.Error()
		return d
	}
	d.ConnectMs = time.Since(start).Milliseconds()
	_ = conn.Close()

	start = time.Now()
	if err := s.Verify(ctx); err != nil {
		d.VerifyStatus = "error"
		d.VerifyError = err.Error()
		return d
	}
	d.VerifyMs = time.Since(start).Milliseconds()
	d.VerifyStatus = "ok"
	return d
}
