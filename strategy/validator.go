package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"shuttlelink/task"
)

// ValidationDeadline bounds a single barcode validation request.
const ValidationDeadline = 5 * time.Minute

// BarcodeRequest is handed to the validation collaborator for every
// inbound pallet.
type BarcodeRequest struct {
	CommandID string `json:"command_id"`
	Device    string `json:"device"`
	Barcode   string `json:"barcode"`
}

// BarcodeResponse is the collaborator's verdict. A valid response
// names the destination the pallet is stored at.
type BarcodeResponse struct {
	Valid       bool           `json:"valid"`
	Destination *task.Location `json:"destination,omitempty"`
	Gate        int            `json:"gate,omitempty"`
	EnterDir    task.Direction `json:"enter_dir,omitempty"`
}

// Usable reports whether the response carries everything the inbound
// protocol needs to continue.
func (r BarcodeResponse) Usable() bool {
	return r.Valid && r.Destination != nil && r.Gate > 0
}

// BarcodeValidator is the external validation collaborator. It must be
// safe for concurrent invocation; calls for distinct command ids may
// overlap. The engine bounds every call by ValidationDeadline.
type BarcodeValidator func(ctx context.Context, req BarcodeRequest) (BarcodeResponse, error)

// HTTPValidator builds a BarcodeValidator that POSTs the request as
// JSON to a webhook and decodes the response body as BarcodeResponse.
func HTTPValidator(url string, client *http.Client) BarcodeValidator {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context, req BarcodeRequest) (BarcodeResponse, error) {
		var resp BarcodeResponse

		body, err := json.Marshal(req)
		if err != nil {
			return resp, fmt.Errorf("marshal barcode request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return resp, fmt.Errorf("build barcode request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := client.Do(httpReq)
		if err != nil {
			return resp, fmt.Errorf("barcode webhook: %w", err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
			return resp, fmt.Errorf("barcode webhook: unexpected status %d", httpResp.StatusCode)
		}

		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return resp, fmt.Errorf("decode barcode response: %w", err)
		}
		return resp, nil
	}
}
