package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tracker/internal/domain"
	"tracker/internal/jobtoken"
	"tracker/internal/ports"
	"tracker/internal/workers/scanqueue"
)

// QueueClient submits jobs to a remote queue service at POST /{protocol}.
type QueueClient struct{ base }

var _ ports.JobSubmitter = (*QueueClient)(nil)

func NewQueueClient(url string, c *http.Client) *QueueClient {
	return &QueueClient{newBase(url, c)}
}

func (q *QueueClient) Submit(ctx context.Context, job domain.ScanJob) (string, error) {
	body, err := q.post(ctx, "/"+string(job.Protocol), job, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// ResultClient delivers queue output to a remote ingestion service at
// POST /receive, authorised by a result token in the Token header.
type ResultClient struct {
	base
	signer *jobtoken.Signer
}

var _ ports.ResultSink = (*ResultClient)(nil)

func NewResultClient(url string, signer *jobtoken.Signer, c *http.Client) *ResultClient {
	return &ResultClient{base: newBase(url, c), signer: signer}
}

func (r *ResultClient) Deliver(ctx context.Context, res domain.RawScanResult) error {
	if res.Status == "" {
		res.Status = domain.StatusOK
	}
	return r.send(ctx, res)
}

func (r *ResultClient) Fail(ctx context.Context, scanID string, p domain.Protocol, status domain.JobStatus, reason string) error {
	// the failure path has no domain at hand; the token carries it
	return r.send(ctx, domain.RawScanResult{ScanID: scanID, Protocol: p, Status: status, Reason: reason})
}

func (r *ResultClient) send(ctx context.Context, res domain.RawScanResult) error {
	ticket, err := r.signer.SignResult(res.ScanID, res.Domain, res.Protocol)
	if err != nil {
		return err
	}
	header := http.Header{"Token": []string{ticket.Token}}
	_, err = r.post(ctx, "/receive", res, header)
	return err
}

// ProcessClient hands reconciled scans to the downstream reporting service
// at POST /process, one request per protocol.
type ProcessClient struct{ base }

var _ ports.Handoff = (*ProcessClient)(nil)

func NewProcessClient(url string, c *http.Client) *ProcessClient {
	return &ProcessClient{newBase(url, c)}
}

func (p *ProcessClient) Process(ctx context.Context, res domain.ProcessedResult) error {
	_, err := p.post(ctx, "/process", res, nil)
	return err
}

// ScannerClient runs one scan attempt on a remote scanner worker. Client
// errors are permanent; the queue retries everything else.
type ScannerClient struct{ base }

var _ scanqueue.Scanner = (*ScannerClient)(nil)

func NewScannerClient(url string, c *http.Client) *ScannerClient {
	b := newBase(url, c)
	// the queue owns the retry policy for scans
	b.retries = 0
	return &ScannerClient{b}
}

func (s *ScannerClient) Scan(ctx context.Context, job domain.ScanJob) (json.RawMessage, error) {
	body, err := s.post(ctx, "", job, nil)
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && !serr.Temporary() {
			return nil, scanqueue.Permanent(err)
		}
		return nil, err
	}
	if !json.Valid(body) {
		return nil, scanqueue.Permanent(fmt.Errorf("scanner for %s returned invalid JSON", job.Protocol))
	}
	return json.RawMessage(body), nil
}
