package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"docmigrate/internal/config"
	"docmigrate/internal/migrate"
)

// entityType is the document-list object queried and updated by every
// operation in this package.
const entityType = "DocListEntry__c"

// baseCondition restricts every query to rows that can actually be
// migrated: a document reference and an owning account must both be set.
const baseCondition = "Document__c != null AND Account__c != null"

// Client talks to the Salesforce REST API and implements the RecordSource
// interface. Authenticate must be called before any query or update.
type Client struct {
	cfg        config.SalesforceConfig
	httpClient *http.Client
	logger     migrate.Logger

	sessionID   string
	instanceURL string
}

// NewClient creates an unauthenticated Salesforce client.
func NewClient(cfg config.SalesforceConfig, logger migrate.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Timeout = 30 * time.Second
	retryClient.Logger = nil // to avoid debug logs
	retryClient.RetryMax = 3

	return &Client{
		cfg:        cfg,
		httpClient: retryClient.StandardClient(),
		logger:     logger,
	}
}

// loginEnvelope is the SOAP login request body. The REST API has no
// username/password flow without a connected app, so the session is obtained
// through the SOAP login endpoint and then used as a bearer token.
const loginEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:urn="urn:partner.soap.sforce.com">
  <env:Body>
    <urn:login>
      <urn:username>%s</urn:username>
      <urn:password>%s</urn:password>
    </urn:login>
  </env:Body>
</env:Envelope>`

type loginResponse struct {
	Body struct {
		LoginResponse struct {
			Result struct {
				SessionID string `xml:"sessionId"`
				ServerURL string `xml:"serverUrl"`
			} `xml:"result"`
		} `xml:"loginResponse"`
		Fault struct {
			FaultString string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

func (c *Client) Authenticate(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/services/Soap/u/%s",
		strings.TrimSuffix(c.cfg.LoginURL, "/"),
		strings.TrimPrefix(c.cfg.APIVersion, "v"))

	body := fmt.Sprintf(loginEnvelope,
		xmlEscape(c.cfg.Username),
		xmlEscape(c.cfg.Password+c.cfg.SecurityToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "login")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading login response: %w", err)
	}

	var parsed loginResponse
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parsing login response: %w", err)
	}
	if fault := parsed.Body.Fault.FaultString; fault != "" {
		return fmt.Errorf("login rejected: %s", fault)
	}
	result := parsed.Body.LoginResponse.Result
	if result.SessionID == "" {
		return fmt.Errorf("login response missing session (status %d)", resp.StatusCode)
	}

	serverURL, err := url.Parse(result.ServerURL)
	if err != nil {
		return fmt.Errorf("parsing server URL: %w", err)
	}

	c.sessionID = result.SessionID
	c.instanceURL = serverURL.Scheme + "://" + serverURL.Host
	c.logger.Info("authenticated with salesforce", "instance", c.instanceURL)
	return nil
}

// docListRow is the wire shape of one query row. All mapping from the
// loosely shaped API JSON into typed records happens here and nowhere else.
type docListRow struct {
	ID          string `json:"Id"`
	Name        string `json:"Name"`
	Document    string `json:"Document__c"`
	AccountID   string `json:"Account__c"`
	Account     *struct {
		Name string `json:"Name"`
	} `json:"Account__r"`
	Identifier   string `json:"Identifier__c"`
	LastModified string `json:"LastModifiedDate"`
	CreatedDate  string `json:"CreatedDate"`
}

func (r *docListRow) toRecord() *migrate.SourceRecord {
	rec := &migrate.SourceRecord{
		ID:           r.ID,
		Name:         r.Name,
		DocumentURL:  r.Document,
		AccountID:    r.AccountID,
		Identifier:   r.Identifier,
		LastModified: r.LastModified,
		CreatedDate:  r.CreatedDate,
	}
	if r.Account != nil {
		rec.AccountName = r.Account.Name
	}
	return rec
}

type queryResponse struct {
	TotalSize      int               `json:"totalSize"`
	Done           bool              `json:"done"`
	NextRecordsURL string            `json:"nextRecordsUrl"`
	Records        []json.RawMessage `json:"records"`
}

const recordFields = "Id, Name, Document__c, Account__c, Account__r.Name, Identifier__c, LastModifiedDate, CreatedDate"

func (c *Client) CountRecords(ctx context.Context) (int64, error) {
	soql := fmt.Sprintf("SELECT COUNT() FROM %s WHERE %s", entityType, baseCondition)
	resp, err := c.query(ctx, soql)
	if err != nil {
		return 0, err
	}
	return int64(resp.TotalSize), nil
}

func (c *Client) QueryChunk(ctx context.Context, afterID string, limit int) ([]*migrate.SourceRecord, error) {
	soql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", recordFields, entityType, baseCondition)
	if afterID != "" {
		soql += fmt.Sprintf(" AND Id > '%s'", soqlEscape(afterID))
	}
	soql += fmt.Sprintf(" ORDER BY Id LIMIT %d", limit)

	// The API caps rows per response below the requested LIMIT, so one chunk
	// can span several pages.
	var all []*migrate.SourceRecord
	resp, err := c.query(ctx, soql)
	for {
		if err != nil {
			return nil, err
		}
		records, derr := decodeRecords(resp.Records)
		if derr != nil {
			return nil, derr
		}
		all = append(all, records...)
		if resp.Done || resp.NextRecordsURL == "" {
			break
		}
		resp, err = c.queryMore(ctx, resp.NextRecordsURL)
	}
	return all, nil
}

func (c *Client) QueryAccount(ctx context.Context, accountID string) ([]*migrate.SourceRecord, error) {
	soql := fmt.Sprintf("SELECT %s FROM %s WHERE %s AND Account__c = '%s' ORDER BY Id",
		recordFields, entityType, baseCondition, soqlEscape(accountID))

	var all []*migrate.SourceRecord
	resp, err := c.query(ctx, soql)
	for {
		if err != nil {
			return nil, err
		}
		records, derr := decodeRecords(resp.Records)
		if derr != nil {
			return nil, derr
		}
		all = append(all, records...)
		if resp.Done || resp.NextRecordsURL == "" {
			break
		}
		resp, err = c.queryMore(ctx, resp.NextRecordsURL)
	}
	return all, nil
}

type accountRow struct {
	AccountID string `json:"Account__c"`
	Account   *struct {
		Name string `json:"Name"`
	} `json:"Account__r"`
	Files int64 `json:"files"`
}

func (c *Client) ListAccounts(ctx context.Context) ([]*migrate.Account, error) {
	soql := fmt.Sprintf(
		"SELECT Account__c, Account__r.Name, COUNT(Id) files FROM %s WHERE %s GROUP BY Account__c, Account__r.Name ORDER BY COUNT(Id) DESC",
		entityType, baseCondition)

	resp, err := c.query(ctx, soql)
	if err != nil {
		return nil, err
	}

	accounts := make([]*migrate.Account, 0, len(resp.Records))
	for _, raw := range resp.Records {
		var row accountRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decoding account row: %w", err)
		}
		acct := &migrate.Account{ID: row.AccountID, Files: row.Files}
		if row.Account != nil {
			acct.Name = row.Account.Name
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func (c *Client) CurrentDocumentURLs(ctx context.Context, ids []string) (map[string]string, error) {
	result := make(map[string]string, len(ids))

	// SOQL IN lists are bounded by query length; fetch in fixed-size slices.
	for start := 0; start < len(ids); start += migrate.UpdateBatchLimit {
		end := min(start+migrate.UpdateBatchLimit, len(ids))
		batch := ids[start:end]

		quoted := make([]string, len(batch))
		for i, id := range batch {
			quoted[i] = "'" + soqlEscape(id) + "'"
		}
		soql := fmt.Sprintf("SELECT Id, Document__c FROM %s WHERE Id IN (%s)",
			entityType, strings.Join(quoted, ","))

		resp, err := c.query(ctx, soql)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Records {
			var row docListRow
			if err := json.Unmarshal(raw, &row); err != nil {
				return nil, fmt.Errorf("decoding record row: %w", err)
			}
			result[row.ID] = row.Document
		}
	}
	return result, nil
}

// compositeRecord is one item of a composite sObject collections update.
type compositeRecord struct {
	Attributes struct {
		Type string `json:"type"`
	} `json:"attributes"`
	ID       string `json:"Id"`
	Document string `json:"Document__c"`
}

type compositeRequest struct {
	AllOrNone bool              `json:"allOrNone"`
	Records   []compositeRecord `json:"records"`
}

type compositeResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) UpdateDocumentURLs(ctx context.Context, updates []migrate.URLUpdate) ([]migrate.UpdateResult, error) {
	if len(updates) > migrate.UpdateBatchLimit {
		return nil, fmt.Errorf("batch of %d exceeds the %d-record API limit", len(updates), migrate.UpdateBatchLimit)
	}

	reqBody := compositeRequest{AllOrNone: false}
	for _, u := range updates {
		rec := compositeRecord{ID: u.ID, Document: u.URL}
		rec.Attributes.Type = entityType
		reqBody.Records = append(reqBody.Records, rec)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding update batch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/services/data/%s/composite/sobjects", c.instanceURL, c.cfg.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building update request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.sessionID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("update returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var apiResults []compositeResult
	if err := json.NewDecoder(resp.Body).Decode(&apiResults); err != nil {
		return nil, fmt.Errorf("decoding update response: %w", err)
	}

	// The API echoes results positionally; fall back to the request order
	// when an item carries no ID (failures sometimes do).
	results := make([]migrate.UpdateResult, len(apiResults))
	for i, r := range apiResults {
		res := migrate.UpdateResult{ID: r.ID, Success: r.Success}
		if res.ID == "" && i < len(updates) {
			res.ID = updates[i].ID
		}
		if !r.Success {
			msgs := make([]string, len(r.Errors))
			for j, e := range r.Errors {
				msgs[j] = e.Message
			}
			res.Error = strings.Join(msgs, "; ")
		}
		results[i] = res
	}
	return results, nil
}

func (c *Client) query(ctx context.Context, soql string) (*queryResponse, error) {
	endpoint := fmt.Sprintf("%s/services/data/%s/query?q=%s",
		c.instanceURL, c.cfg.APIVersion, url.QueryEscape(soql))
	return c.getQuery(ctx, endpoint)
}

func (c *Client) queryMore(ctx context.Context, nextRecordsURL string) (*queryResponse, error) {
	return c.getQuery(ctx, c.instanceURL+nextRecordsURL)
}

func (c *Client) getQuery(ctx context.Context, endpoint string) (*queryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("query returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	return &parsed, nil
}

func decodeRecords(raws []json.RawMessage) ([]*migrate.SourceRecord, error) {
	records := make([]*migrate.SourceRecord, 0, len(raws))
	for _, raw := range raws {
		var row docListRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decoding record row: %w", err)
		}
		records = append(records, row.toRecord())
	}
	return records, nil
}

// soqlEscape escapes single quotes so caller-supplied IDs cannot break out
// of a SOQL string literal.
func soqlEscape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`)
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Compile-time check that Client implements the RecordSource interface
var _ migrate.RecordSource = (*Client)(nil)
