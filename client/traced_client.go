package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"

	"ekodi/log"
)

// maxResponseBytes bounds a reply body. Replies carry base64 WAV audio,
// which stays well under this for any sentence the backend speaks.
const maxResponseBytes = 64 << 20

const warmTimeout = 10 * time.Second

type NetworkMetrics struct {
	DNS        time.Duration
	ConnWait   time.Duration
	TCP        time.Duration
	TLS        time.Duration
	ReqHeaders time.Duration
	ReqBody    time.Duration
	TTFB       time.Duration
	Download   time.Duration
	Total      time.Duration
	ConnReused bool
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

func millis(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// fill copies the timings into a submission record.
func (m *NetworkMetrics) fill(sub *log.Submission) {
	sub.DNSMs = millis(m.DNS)
	sub.TLSMs = millis(m.TLS)
	sub.TTFBMs = millis(m.TTFB)
	sub.TotalMs = millis(m.Total)
	sub.ConnReused = m.ConnReused
}

// phaseClock records when each request phase started.
type phaseClock struct {
	m                                  *NetworkMetrics
	getConn, dns, connect, handshake   time.Time
	gotConn, headers, wrote, firstByte time.Time
}

func (p *phaseClock) trace() *httptrace.ClientTrace {
	m := p.m
	return &httptrace.ClientTrace{
		GetConn: func(string) { p.getConn = time.Now() },
		GotConn: func(info httptrace.GotConnInfo) {
			p.gotConn = time.Now()
			m.ConnWait = p.gotConn.Sub(p.getConn)
			m.ConnReused = info.Reused
		},
		DNSStart:          func(httptrace.DNSStartInfo) { p.dns = time.Now() },
		DNSDone:           func(httptrace.DNSDoneInfo) { m.DNS = time.Since(p.dns) },
		ConnectStart:      func(string, string) { p.connect = time.Now() },
		ConnectDone:       func(string, string, error) { m.TCP = time.Since(p.connect) },
		TLSHandshakeStart: func() { p.handshake = time.Now() },
		TLSHandshakeDone:  func(tls.ConnectionState, error) { m.TLS = time.Since(p.handshake) },
		WroteHeaders: func() {
			p.headers = time.Now()
			m.ReqHeaders = p.headers.Sub(p.gotConn)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			p.wrote = time.Now()
			m.ReqBody = p.wrote.Sub(p.headers)
		},
		GotFirstResponseByte: func() {
			p.firstByte = time.Now()
			m.TTFB = p.firstByte.Sub(p.wrote)
		},
	}
}

// TracedClient is an HTTP client that times every phase of a request
// and reads the whole body before returning.
type TracedClient struct {
	client *http.Client
}

func NewTracedClient() *TracedClient {
	return &TracedClient{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type TracedResponse struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	Metrics    *NetworkMetrics
}

func (c *TracedClient) Do(req *http.Request) (*TracedResponse, error) {
	clock := &phaseClock{m: &NetworkMetrics{}}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), clock.trace()))
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d MiB", maxResponseBytes>>20)
	}
	clock.m.Download = time.Since(clock.firstByte)
	clock.m.Total = time.Since(start)

	return &TracedResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Metrics:    clock.m,
	}, nil
}

// Warm opens a connection to url so the first real request skips the
// handshake. Returns the TLS handshake time, 0 on failure or plain HTTP.
func (c *TracedClient) Warm(url string) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
	defer cancel()

	clock := &phaseClock{m: &NetworkMetrics{}}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, clock.trace()), http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug("warm: " + err.Error())
		return 0
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
	log.Debug(fmt.Sprintf("warm: tls=%s", clock.m.TLS))
	return clock.m.TLS
}
