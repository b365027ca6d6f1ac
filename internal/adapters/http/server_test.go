package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"tracker/internal/adapters/memory"
	"tracker/internal/domain"
	"tracker/internal/guidance"
	"tracker/internal/jobtoken"
	"tracker/internal/ports"
	"tracker/internal/services/dispatcher"
	"tracker/internal/services/ingestion"
	"tracker/internal/workers/scanqueue"
)

var payloads = map[domain.Protocol]string{
	domain.ProtocolDNS:   `{"dmarc":{"record":"v=DMARC1; p=reject"},"spf":{"record":"v=spf1 -all"},"dkim":{}}`,
	domain.ProtocolHTTPS: `{"implementation":"Valid HTTPS","enforced":"Strict","hsts_header":"max-age=31536000; preload"}`,
	domain.ProtocolSSL:   `{"accepted_cipher_suites":["TLS_AES_256_GCM_SHA384"],"signature_algorithm":"sha256WithRSAEncryption"}`,
}

type env struct {
	ts     *httptest.Server
	store  *memory.Store
	queue  *scanqueue.Service
	ingest *ingestion.Service
	signer *jobtoken.Signer
}

func newEnv(t *testing.T, health func(context.Context) error) env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	signer := jobtoken.NewSigner([]byte("secret"), time.Minute, clock)
	ingest := ingestion.New(ingestion.Config{Store: store, Clock: clock})
	scanners := map[domain.Protocol]scanqueue.Scanner{}
	for p, body := range payloads {
		scanners[p] = scanqueue.ScannerFunc(func(context.Context, domain.ScanJob) (json.RawMessage, error) {
			return json.RawMessage(body), nil
		})
	}
	queue := scanqueue.New(scanqueue.Config{Jobs: store, Sink: ingest, Signer: signer, Scanners: scanners, Clock: clock})
	disp := dispatcher.New(dispatcher.Config{Signer: signer, Submitter: queue, Events: ingest, Domains: store, Clock: clock})
	srv := New(Config{Dispatcher: disp, Queue: queue, Results: ingest, Signer: signer, Health: health})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return env{ts: ts, store: store, queue: queue, ingest: ingest, signer: signer}
}

func (e env) post(t *testing.T, path, body string, header map[string]string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (e env) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestHealthz(t *testing.T) {
	if code, _ := newEnv(t, nil).get(t, "/healthz"); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	down := newEnv(t, func(context.Context) error { return errors.New("db down") })
	if code, _ := down.get(t, "/healthz"); code != http.StatusServiceUnavailable {
		t.Errorf("healthz with failing check = %d", code)
	}
}

func TestScanEndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	code, body := e.post(t, "/scan", `{"domain":"Example.ca"}`, nil)
	if code != http.StatusAccepted {
		t.Fatalf("POST /scan = %d %s", code, body)
	}
	var receipt ports.DispatchReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.Domain != "example.ca" || len(receipt.Submitted) != 3 || len(receipt.Failed) != 0 {
		t.Fatalf("receipt = %+v", receipt)
	}

	for _, p := range domain.AllProtocols {
		if found, err := e.queue.ProcessNext(context.Background(), p); err != nil || !found {
			t.Fatalf("ProcessNext(%s) = %v, %v", p, found, err)
		}
	}

	code, body = e.get(t, "/scans/"+receipt.ScanID)
	if code != http.StatusOK {
		t.Fatalf("GET scan = %d %s", code, body)
	}
	var ev domain.ScanEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Status != domain.EventComplete {
		t.Errorf("status = %s", ev.Status)
	}
	if got := ev.Tags[guidance.CategorySPF]; len(got) != 1 || got[0] != guidance.SPFHardFail {
		t.Errorf("spf tags = %v", got)
	}
}

func TestScanRejectsBadRequests(t *testing.T) {
	e := newEnv(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"domain":`},
		{"invalid domain", `{"domain":"not a domain"}`},
		{"unknown protocols only", `{"domain":"example.ca","protocols":["smtp"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := e.post(t, "/scan", tt.body, nil); code != http.StatusBadRequest {
				t.Errorf("POST /scan = %d %s, want 400", code, body)
			}
		})
	}
}

func signedJob(t *testing.T, signer *jobtoken.Signer, p domain.Protocol) string {
	t.Helper()
	ticket, err := signer.SignJob("scan-9", "example.ca", p)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(domain.ScanJob{ScanID: "scan-9", Domain: "example.ca", Protocol: p, IssuedAt: ticket.IssuedAt, ExpiresAt: ticket.ExpiresAt, Token: ticket.Token})
	return string(b)
}

func TestEnqueue(t *testing.T) {
	e := newEnv(t, nil)

	code, body := e.post(t, "/dns", signedJob(t, e.signer, domain.ProtocolDNS), nil)
	if code != http.StatusOK || string(body) != scanqueue.Ack {
		t.Errorf("POST /dns = %d %q", code, body)
	}
	if code, _ := e.post(t, "/smtp", signedJob(t, e.signer, domain.ProtocolDNS), nil); code != http.StatusNotFound {
		t.Errorf("unknown queue = %d, want 404", code)
	}
	if code, _ := e.post(t, "/https", signedJob(t, e.signer, domain.ProtocolDNS), nil); code != http.StatusBadRequest {
		t.Errorf("job on wrong queue = %d, want 400", code)
	}
	forged := `{"scan_id":"scan-9","domain":"example.ca","protocol":"dns","token":"not-a-token"}`
	if code, _ := e.post(t, "/dns", forged, nil); code != http.StatusUnauthorized {
		t.Errorf("forged job = %d, want 401", code)
	}
}

func TestReceive(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	err := e.ingest.Expect(ctx, domain.PendingEvent{ScanID: "scan-5", Domain: "example.ca", Protocols: []domain.Protocol{domain.ProtocolHTTPS}, Deadline: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	ticket, err := e.signer.SignResult("scan-5", "example.ca", domain.ProtocolHTTPS)
	if err != nil {
		t.Fatal(err)
	}
	body := `{"scan_id":"scan-5","scan_type":"https","domain":"example.ca","results":` + payloads[domain.ProtocolHTTPS] + `}`

	if code, _ := e.post(t, "/receive", body, nil); code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", code)
	}
	other, _ := e.signer.SignResult("scan-6", "example.ca", domain.ProtocolHTTPS)
	if code, _ := e.post(t, "/receive", body, map[string]string{"Token": other.Token}); code != http.StatusUnauthorized {
		t.Errorf("token for another scan = %d, want 401", code)
	}
	jobToken, _ := e.signer.SignJob("scan-5", "example.ca", domain.ProtocolHTTPS)
	if code, _ := e.post(t, "/receive", body, map[string]string{"Token": jobToken.Token}); code != http.StatusUnauthorized {
		t.Errorf("job token used as result token = %d, want 401", code)
	}

	code, resp := e.post(t, "/receive", body, map[string]string{"Token": ticket.Token})
	if code != http.StatusOK || !bytes.Contains(resp, []byte(`"accepted":true`)) {
		t.Fatalf("POST /receive = %d %s", code, resp)
	}
	code, resp = e.post(t, "/receive", body, map[string]string{"Token": ticket.Token})
	if code != http.StatusOK || !bytes.Contains(resp, []byte(`"accepted":false`)) {
		t.Errorf("duplicate POST /receive = %d %s", code, resp)
	}
	ev, _ := e.store.GetEvent(ctx, "scan-5")
	if ev.Status != domain.EventComplete {
		t.Errorf("event status = %s", ev.Status)
	}
}

func TestReceiveTestHeaderEchoesTags(t *testing.T) {
	e := newEnv(t, nil)
	body := `{"results":{"accepted_cipher_suites":["TLS_RSA_WITH_RC4_128_SHA"],"signature_algorithm":"sha256WithRSAEncryption"},"scan_type":"ssl","scan_id":"x"}`
	code, resp := e.post(t, "/receive", body, map[string]string{"Test": "true"})
	if code != http.StatusOK {
		t.Fatalf("POST /receive Test = %d %s", code, resp)
	}
	var got map[string]guidance.Outcome
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatal(err)
	}
	tags := got[guidance.CategorySSL].Tags
	if len(tags) == 0 || tags[0] != guidance.SSLRC4 {
		t.Errorf("ssl tags = %v, want %s first", tags, guidance.SSLRC4)
	}
	if _, err := e.store.GetEvent(context.Background(), "x"); !errors.Is(err, ports.ErrNotFound) {
		t.Error("test delivery created an event")
	}
}

func TestEnqueueJobBodyWithoutProtocol(t *testing.T) {
	e := newEnv(t, nil)
	ticket, err := e.signer.SignJob("scan-7", "example.ca", domain.ProtocolDNS)
	if err != nil {
		t.Fatal(err)
	}
	body := `{"scan_id":"scan-7","domain":"example.ca","parameters":{"selectors":["selector1"]},"token":"` + ticket.Token + `"}`
	code, resp := e.post(t, "/dns", body, nil)
	if code != http.StatusOK || string(resp) != scanqueue.Ack {
		t.Fatalf("POST /dns = %d %q", code, resp)
	}
	if code, _ := e.post(t, "/https", body, nil); code != http.StatusUnauthorized {
		t.Errorf("dns token on https queue = %d, want 401", code)
	}
	if found, err := e.queue.ProcessNext(context.Background(), domain.ProtocolDNS); err != nil || !found {
		t.Errorf("ProcessNext(dns) = %v, %v", found, err)
	}
}

func TestReceiveResultBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"scan_type without domain", `{"results":` + payloads[domain.ProtocolHTTPS] + `,"scan_type":"https","scan_id":"scan-8"}`},
		{"legacy protocol key", `{"results":` + payloads[domain.ProtocolHTTPS] + `,"protocol":"https","scan_id":"scan-8","domain":"example.ca"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, nil)
			ctx := context.Background()
			err := e.ingest.Expect(ctx, domain.PendingEvent{ScanID: "scan-8", Domain: "example.ca", Protocols: []domain.Protocol{domain.ProtocolHTTPS}, Deadline: time.Now().Add(time.Hour)})
			if err != nil {
				t.Fatal(err)
			}
			ticket, err := e.signer.SignResult("scan-8", "example.ca", domain.ProtocolHTTPS)
			if err != nil {
				t.Fatal(err)
			}
			code, resp := e.post(t, "/receive", tt.body, map[string]string{"Token": ticket.Token})
			if code != http.StatusOK || !bytes.Contains(resp, []byte(`"accepted":true`)) {
				t.Fatalf("POST /receive = %d %s", code, resp)
			}
			ev, _ := e.store.GetEvent(ctx, "scan-8")
			if ev.Status != domain.EventComplete {
				t.Errorf("event status = %s", ev.Status)
			}
		})
	}

	e := newEnv(t, nil)
	ticket, _ := e.signer.SignResult("scan-8", "example.ca", domain.ProtocolHTTPS)
	wrongDomain := `{"results":{},"scan_type":"https","scan_id":"scan-8","domain":"other.ca"}`
	if code, _ := e.post(t, "/receive", wrongDomain, map[string]string{"Token": ticket.Token}); code != http.StatusUnauthorized {
		t.Errorf("domain differing from token = %d, want 401", code)
	}
}

func TestGetScanNotFound(t *testing.T) {
	if code, _ := newEnv(t, nil).get(t, "/scans/nope"); code != http.StatusNotFound {
		t.Errorf("GET unknown scan = %d, want 404", code)
	}
}
