package mailchimp

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/mailchimp-activity-sync/pkg/ratelimit"
	"github.com/klauspost/compress/gzip"
)

// maxArchiveBytes bounds the size of a downloaded result archive.
const maxArchiveBytes = 512 << 20

// DownloadBatchResults fetches a finished batch's result archive and decodes
// every operation result in it.
//
// The archive is a gzipped tar of JSON files, each holding an array of
// operation results. A gzipped bare JSON array is accepted as well.
func (c *Client) DownloadBatchResults(ctx context.Context, resultURL string) ([]OperationResult, error) {
	if resultURL == "" {
		return nil, &ResponseShapeError{Endpoint: EndpointBatchResult, Field: "response_body_url"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create archive request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{ErrorClass: ErrorClassNetwork, Endpoint: EndpointBatchResult, Message: "download failed", Err: err}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(EndpointBatchResult, fmt.Sprint(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		apiErrorsTotal.WithLabelValues(string(class)).Inc()
		apiErr := &APIError{StatusCode: resp.StatusCode, ErrorClass: class, Endpoint: EndpointBatchResult, Message: resp.Status}
		if class == ErrorClassRateLimit {
			apiErr.Err = ErrRateLimited
			apiErr.RetryAfter = ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		return nil, apiErr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes))
	if err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Endpoint: EndpointBatchResult, Message: "read archive", Err: err}
	}

	results, err := DecodeBatchArchive(data)
	if err != nil {
		return nil, &ResponseShapeError{Endpoint: EndpointBatchResult, Err: err}
	}

	c.logger.Debug().
		Int("results", len(results)).
		Int("bytes", len(data)).
		Msg("Batch result archive downloaded")

	return results, nil
}

// DecodeBatchArchive decodes a gzipped result archive.
func DecodeBatchArchive(data []byte) ([]OperationResult, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var results []OperationResult
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
		return results, nil
	}

	return decodeTar(raw)
}

func decodeTar(raw []byte) ([]OperationResult, error) {
	tr := tar.NewReader(bytes.NewReader(raw))
	var results []OperationResult
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".json") {
			continue
		}

		var part []OperationResult
		if err := json.NewDecoder(tr).Decode(&part); err != nil {
			return nil, fmt.Errorf("decode %s: %w", hdr.Name, err)
		}
		results = append(results, part...)
	}
	return results, nil
}

// EncodeBatchArchive builds an archive in the format DecodeBatchArchive reads.
// Used by the mock API server and tests.
func EncodeBatchArchive(results []OperationResult) ([]byte, error) {
	body, err := json.Marshal(results)
	if err != nil {
		return nil, err
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	if err := tw.WriteHeader(&tar.Header{
		Name:     "results/0.json",
		Mode:     0o644,
		Size:     int64(len(body)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(body); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(tarBuf.Bytes()); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
