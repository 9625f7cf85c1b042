package telephony

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultAPIBase is the telephony provider's REST root.
const defaultAPIBase = "https://api.twilio.com/2010-04-01"

// TransferController redirects a live call to a human by posting new call
// instructions to the provider's REST API.
type TransferController struct {
	accountSID string
	authToken  string
	apiBase    string
	httpClient *http.Client
}

// TransferOption configures a [TransferController].
type TransferOption func(*TransferController)

// WithAPIBase overrides the REST root. Used in tests to point at a local
// mock server.
func WithAPIBase(base string) TransferOption {
	return func(t *TransferController) { t.apiBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) TransferOption {
	return func(t *TransferController) { t.httpClient = c }
}

// NewTransferController creates a controller authenticated by account SID
// and auth token.
func NewTransferController(accountSID, authToken string, opts ...TransferOption) *TransferController {
	t := &TransferController{
		accountSID: accountSID,
		authToken:  authToken,
		apiBase:    defaultAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Transfer redirects callID to the given E.164 number. A non-2xx response is
// returned as an error so the caller can roll back its transfer latch and
// let a normal terminal apply.
func (t *TransferController) Transfer(ctx context.Context, callID, number string) error {
	if t.accountSID == "" || t.authToken == "" {
		return fmt.Errorf("transfer: credentials not configured")
	}
	if callID == "" || number == "" {
		return fmt.Errorf("transfer: call id and number are required")
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", t.apiBase, t.accountSID, callID)

	form := url.Values{}
	form.Set("Twiml", fmt.Sprintf("<Response><Dial>%s</Dial></Response>", sanitizePhone(number)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("transfer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("transfer: provider returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
