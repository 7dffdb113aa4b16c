package identity

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rcourtman/checkout-provisioner/internal/provisioning"
)

const recordStore = "subscriptions_rest"

// RecordClient writes provisioning records to a PostgREST table.
type RecordClient struct {
	baseURL    string
	table      string
	httpClient *http.Client
}

// NewRecordClient creates a RecordClient for table.
func NewRecordClient(baseURL, table string, httpClient *http.Client) *RecordClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &RecordClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		table:      table,
		httpClient: httpClient,
	}
}

var _ provisioning.SubscriptionStore = (*RecordClient)(nil)

type recordRow struct {
	ID             string  `json:"id"`
	EventID        string  `json:"event_id"`
	Email          string  `json:"email"`
	SubscriptionID string  `json:"subscription_id"`
	CustomerID     string  `json:"customer_id"`
	SessionID      string  `json:"session_id"`
	AccountID      *string `json:"account_id"`
	Status         string  `json:"status"`
	FailureReason  string  `json:"failure_reason"`
	CreatedAt      string  `json:"created_at"`
}

// WriteSubscriptionRecord inserts rec, ignoring a row that already exists for
// the same event.
func (c *RecordClient) WriteSubscriptionRecord(ctx context.Context, rec provisioning.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	row := recordRow{
		ID:             rec.ID,
		EventID:        rec.EventID,
		Email:          rec.Email,
		SubscriptionID: rec.SubscriptionID,
		CustomerID:     rec.CustomerID,
		SessionID:      rec.SessionID,
		Status:         string(rec.Status),
		FailureReason:  rec.FailureReason,
		CreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.AccountID != "" {
		row.AccountID = &rec.AccountID
	}

	endpoint := c.baseURL + "/rest/v1/" + url.PathEscape(c.table) + "?" + url.Values{"on_conflict": []string{"event_id"}}.Encode()
	headers := http.Header{"Prefer": []string{"resolution=ignore-duplicates,return=minimal"}}
	body, status, err := doJSON(ctx, c.httpClient, recordStore, "write", endpoint, row, headers)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		// Duplicate event id without ignore-duplicates support on the server.
		return nil
	case http.StatusUnprocessableEntity:
		return withKind(statusError(recordStore, "write", status, body), provisioning.KindPermanent)
	}
	return statusError(recordStore, "write", status, body)
}
